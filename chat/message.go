package chat

import (
	"encoding/json"
	"errors"
	"time"
)

// SystemSender marks locally generated status notices. They are appended to
// the log and persisted like any other message but are never transmitted.
const SystemSender = "System"

// Kind discriminates text messages from image messages. An absent kind on
// the wire is treated as text.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Message is one entry of the chat log. Body is a pointer so that an image
// without a caption serializes as an explicit null, matching the relay wire
// format. Messages are never mutated after being appended to a log.
type Message struct {
	Sender    string  `json:"sender"`
	Timestamp int64   `json:"timestamp"`
	Kind      Kind    `json:"type,omitempty"`
	Body      *string `json:"message"`
	FileURL   string  `json:"fileUrl,omitempty"`
	FileName  string  `json:"fileName,omitempty"`
	FileType  string  `json:"fileType,omitempty"`
}

// Text returns the body text, or "" when the body is null.
func (m Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// IsImage reports whether the message carries a file reference. Kind may be
// absent on the wire, so the file URL decides.
func (m Message) IsImage() bool {
	return m.Kind == KindImage || m.FileURL != ""
}

// SystemNotice builds a local status entry stamped with the current time.
func SystemNotice(text string) Message {
	return Message{
		Sender:    SystemSender,
		Timestamp: time.Now().UnixMilli(),
		Kind:      KindText,
		Body:      &text,
	}
}

// Envelope is the outbound frame sent to the relay for one message.
type Envelope struct {
	Action    string  `json:"action"`
	Sender    string  `json:"sender"`
	Timestamp int64   `json:"timestamp"`
	Kind      Kind    `json:"type"`
	Body      *string `json:"message"`
	FileURL   string  `json:"fileUrl,omitempty"`
	FileName  string  `json:"fileName,omitempty"`
	FileType  string  `json:"fileType,omitempty"`
}

const actionSendMessage = "sendmessage"

var errMalformedMessage = errors.New("malformed message payload")

// ParseMessage decodes an inbound relay frame into a Message. Frames that
// are not JSON objects, or that lack both a body and a file reference, are
// rejected so the caller can surface the raw payload instead of dropping it.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Sender == "" {
		return Message{}, errMalformedMessage
	}
	if m.Body == nil && m.FileURL == "" {
		return Message{}, errMalformedMessage
	}
	if m.Kind == "" {
		if m.FileURL != "" {
			m.Kind = KindImage
		} else {
			m.Kind = KindText
		}
	}
	return m, nil
}
