package gmail

import "strings"

// MimeTypePDF is the attachment MIME type the pipeline ingests.
const MimeTypePDF = "application/pdf"

// MessageStub identifies one message in a search result.
type MessageStub struct {
	ID       string
	ThreadID string
}

// AttachmentInfo describes one attachment within a message.
type AttachmentInfo struct {
	AttachmentID string
	Filename     string
	MimeType     string
	Size         int64
}

// IsPDF reports whether the attachment is a PDF, by declared MIME type or,
// for providers that report octet-stream, by filename extension.
func (a AttachmentInfo) IsPDF() bool {
	if a.MimeType == MimeTypePDF {
		return true
	}
	return strings.HasSuffix(strings.ToLower(a.Filename), ".pdf")
}

// MessageDetail holds the headers and attachment metadata of one message.
type MessageDetail struct {
	ID          string
	ThreadID    string
	Subject     string
	From        string
	Attachments []AttachmentInfo
}

// FirstPDF returns the first PDF attachment of the message, if any.
func (m *MessageDetail) FirstPDF() (AttachmentInfo, bool) {
	for _, a := range m.Attachments {
		if a.IsPDF() {
			return a, true
		}
	}
	return AttachmentInfo{}, false
}

// Attachment is downloaded attachment content with its declared MIME type.
type Attachment struct {
	Data     []byte
	MimeType string
}
