package mturk

import (
	"strings"
	"testing"
)

const sampleAnswer = `<?xml version="1.0" encoding="UTF-8"?>
<QuestionFormAnswers xmlns="http://mechanicalturk.amazonaws.com/AWSMechanicalTurkDataSchemas/2005-10-01/QuestionFormAnswers.xsd">
  <Answer>
    <QuestionIdentifier>annotation</QuestionIdentifier>
    <FreeText>{"boxes": [{"x": 1}], "submission_id": "A1"}</FreeText>
  </Answer>
  <Answer>
    <QuestionIdentifier>feedback</QuestionIdentifier>
    <FreeText>blurry image</FreeText>
  </Answer>
</QuestionFormAnswers>`

func TestParseAnswers(t *testing.T) {
	doc := ParseAnswers(sampleAnswer, nil)
	if doc.Fields["feedback"] != "blurry image" {
		t.Errorf("feedback = %q", doc.Fields["feedback"])
	}
	if !doc.HasAnnotation {
		t.Fatal("annotation not decoded")
	}
	obj := doc.AnnotationObject()
	if obj == nil {
		t.Fatal("annotation is not an object")
	}
	if obj["submission_id"] != "A1" {
		t.Errorf("annotation = %v", obj)
	}
	if doc.Raw != sampleAnswer {
		t.Error("raw document not preserved")
	}
}

func TestParseAnswersEmptyInput(t *testing.T) {
	doc := ParseAnswers("", nil)
	if doc.Fields == nil || len(doc.Fields) != 0 {
		t.Errorf("fields = %v, want empty map", doc.Fields)
	}
	if doc.Raw != "" {
		t.Errorf("raw = %q, want empty", doc.Raw)
	}
	if doc.HasAnnotation {
		t.Error("empty input must not carry an annotation")
	}
}

func TestParseAnswersMalformedXML(t *testing.T) {
	doc := ParseAnswers("<Unclosed>", nil)
	if len(doc.Fields) != 0 {
		t.Errorf("fields = %v, want empty", doc.Fields)
	}
	if doc.Raw != "<Unclosed>" {
		t.Errorf("raw = %q, want original text", doc.Raw)
	}
}

func TestParseAnswersBadAnnotationJSON(t *testing.T) {
	xml := `<QuestionFormAnswers><Answer><QuestionIdentifier>annotation</QuestionIdentifier><FreeText>{not json</FreeText></Answer></QuestionFormAnswers>`
	doc := ParseAnswers(xml, nil)
	if doc.HasAnnotation {
		t.Error("bad JSON must not decode")
	}
	if doc.Fields["annotation"] != "{not json" {
		t.Errorf("field value lost: %q", doc.Fields["annotation"])
	}
}

func TestParseAnswersLastOccurrenceWins(t *testing.T) {
	xml := `<QuestionFormAnswers>
  <Answer><QuestionIdentifier>label</QuestionIdentifier><FreeText>first</FreeText></Answer>
  <Answer><QuestionIdentifier>label</QuestionIdentifier><FreeText>second</FreeText></Answer>
  <Answer><QuestionIdentifier></QuestionIdentifier><FreeText>dropped</FreeText></Answer>
</QuestionFormAnswers>`
	doc := ParseAnswers(xml, nil)
	if doc.Fields["label"] != "second" {
		t.Errorf("label = %q, want second", doc.Fields["label"])
	}
	if len(doc.Fields) != 1 {
		t.Errorf("fields = %v, want single entry", doc.Fields)
	}
}

func TestAnnotationObjectNonObject(t *testing.T) {
	xml := `<QuestionFormAnswers><Answer><QuestionIdentifier>annotation</QuestionIdentifier><FreeText>[1, 2]</FreeText></Answer></QuestionFormAnswers>`
	doc := ParseAnswers(xml, nil)
	if !doc.HasAnnotation {
		t.Fatal("array is valid JSON, should decode")
	}
	if doc.AnnotationObject() != nil {
		t.Error("array must not be treated as an annotation object")
	}
}

func TestMapAssignmentStatus(t *testing.T) {
	cases := map[string]string{
		"Approved":  "approved",
		"REJECTED":  "rejected",
		"expired":   "expired",
		"Returned":  "returned",
		"Submitted": "submitted",
		"Pending":   "submitted",
		"":          "submitted",
	}
	for in, want := range cases {
		if got := MapAssignmentStatus(in); got != want {
			t.Errorf("MapAssignmentStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExternalQuestionXML(t *testing.T) {
	url := WorkerURL("http://localhost:8080", "T1", true)
	if url != "http://localhost:8080/tasks/T1/annotate/mturk/?sandbox=1" {
		t.Fatalf("url = %q", url)
	}
	question := ExternalQuestionXML(url+"&v=2", 950)
	if !strings.Contains(question, "<FrameHeight>950</FrameHeight>") {
		t.Errorf("question = %s", question)
	}
	if !strings.Contains(question, "sandbox=1&amp;v=2") {
		t.Errorf("url not escaped in question: %s", question)
	}
}
