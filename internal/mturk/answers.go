package mturk

import (
	"encoding/json"
	"encoding/xml"
	"log"
	"regexp"
)

// AnswerDoc is the decoded form of a worker's answer document.
type AnswerDoc struct {
	// Fields maps question identifiers to free-text values. When the same
	// identifier repeats, the last occurrence wins. Entries with an empty
	// identifier are dropped; empty values are kept as empty strings.
	Fields map[string]string
	// Raw holds the original document whenever one was supplied, parseable
	// or not. Empty input leaves Raw empty.
	Raw string
	// AnnotationJSON is the decoded "annotation" field when present and
	// valid JSON; HasAnnotation distinguishes a decoded null from absence.
	AnnotationJSON any
	HasAnnotation  bool
}

var xmlnsRe = regexp.MustCompile(`xmlns(:\w+)?="[^"]+"`)

func stripNamespaces(xmlText string) string {
	return xmlnsRe.ReplaceAllString(xmlText, "")
}

type answerFieldXML struct {
	QuestionIdentifier string `xml:"QuestionIdentifier"`
	FreeText           string `xml:"FreeText"`
}

type answerDocXML struct {
	Answers []answerFieldXML `xml:"Answer"`
}

// ParseAnswers decodes an MTurk answer document into a field map. It never
// fails: malformed markup yields an empty field map plus the raw text, and a
// malformed embedded annotation JSON is logged and omitted.
func ParseAnswers(answerXML string, logger *log.Logger) AnswerDoc {
	if answerXML == "" {
		return AnswerDoc{Fields: map[string]string{}}
	}
	var parsed answerDocXML
	if err := xml.Unmarshal([]byte(stripNamespaces(answerXML)), &parsed); err != nil {
		if logger != nil {
			logger.Printf("failed to parse MTurk Answer XML: %v", err)
		}
		return AnswerDoc{Fields: map[string]string{}, Raw: answerXML}
	}

	fields := map[string]string{}
	for _, a := range parsed.Answers {
		if a.QuestionIdentifier == "" {
			continue
		}
		fields[a.QuestionIdentifier] = a.FreeText
	}

	doc := AnswerDoc{Fields: fields, Raw: answerXML}
	if value := fields["annotation"]; value != "" {
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			if logger != nil {
				logger.Printf("failed to decode annotation JSON from MTurk Answer: %v", err)
			}
		} else {
			doc.AnnotationJSON = decoded
			doc.HasAnnotation = true
		}
	}
	return doc
}

// AnnotationObject returns the decoded annotation payload as an object, or
// nil when absent or not an object.
func (d AnswerDoc) AnnotationObject() map[string]any {
	if !d.HasAnnotation {
		return nil
	}
	obj, ok := d.AnnotationJSON.(map[string]any)
	if !ok {
		return nil
	}
	return obj
}
