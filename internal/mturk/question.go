package mturk

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// WorkerURL builds the worker-facing annotate URL embedded in the HIT. The
// shape is load-bearing: it is baked into the remote work unit at creation
// time and cannot be edited afterwards.
func WorkerURL(baseURL, taskID string, sandbox bool) string {
	flag := "0"
	if sandbox {
		flag = "1"
	}
	return fmt.Sprintf("%s/tasks/%s/annotate/mturk/?sandbox=%s", baseURL, taskID, flag)
}

// ExternalQuestionXML builds the hosted-question document pointing workers at
// an externally served UI.
func ExternalQuestionXML(url string, frameHeight int) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(url))
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<ExternalQuestion xmlns="http://mechanicalturk.amazonaws.com/AWSMechanicalTurkDataSchemas/2006-07-14/ExternalQuestion.xsd">
  <ExternalURL>%s</ExternalURL>
  <FrameHeight>%d</FrameHeight>
</ExternalQuestion>`, buf.String(), frameHeight)
}
