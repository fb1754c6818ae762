package model

import "time"

// Header field names extracted from every candidate message.
const (
	FieldSubject   = "Subject"
	FieldSentDate  = "Date"
	FieldMessageID = "Message-ID"
)

// Body field labels searched for in the message text. The labels appear
// verbatim in the ECO approval notifications, followed by ":" or "：".
const (
	FieldECNIndex    = "ecn编码"
	FieldECNName     = "ecn名称"
	FieldProductName = "产品名称"
	FieldOrganizer   = "工作负责人"
)

// BodyFields is the fixed order used when rendering task descriptions.
var BodyFields = []string{FieldECNIndex, FieldECNName, FieldProductName, FieldOrganizer}

// Fields is the structured view of one ECO notification after extraction.
// Body holds only the labels that were actually found in the message text;
// defaulting for missing labels happens when the task description is
// rendered, never here.
type Fields struct {
	Subject   string
	SentAt    time.Time
	MessageID string
	Body      map[string]string
}

// TaskRequest is one outbound task creation, scoped to a single recipient.
type TaskRequest struct {
	Subject     string
	Description string
	UnionID     string
	DueMillis   int64
}
