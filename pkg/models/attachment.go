package models

import "time"

// AttachmentType discriminates the attachment payload shape.
type AttachmentType string

const (
	AttachmentJSON     AttachmentType = "json"
	AttachmentMarkdown AttachmentType = "markdown"
	AttachmentText     AttachmentType = "text"
	AttachmentURL      AttachmentType = "url"
	AttachmentBinary   AttachmentType = "binary"
)

// ValidAttachmentType reports whether t is a known attachment type.
func ValidAttachmentType(t AttachmentType) bool {
	switch t {
	case AttachmentJSON, AttachmentMarkdown, AttachmentText, AttachmentURL, AttachmentBinary:
		return true
	}
	return false
}

// Attachment is a keyed artifact on a task. Exactly one payload field is
// populated, matching Type: Value for json, Content for markdown and text,
// URL for url, Bytes for binary. Keys are unique per task.
type Attachment struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Key       string         `json:"key"`
	Type      AttachmentType `json:"type"`
	Value     any            `json:"value,omitempty"`
	Content   string         `json:"content,omitempty"`
	URL       string         `json:"url,omitempty"`
	Bytes     []byte         `json:"bytes,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
}
