package model

import "time"

// Sender identifies who authored a message
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAdmin Sender = "admin"
)

// ConversationStatus represents conversation lifecycle state
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationInactive ConversationStatus = "inactive"
	ConversationClosed   ConversationStatus = "closed"
)

// MessageStatus represents message delivery state
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageUploading MessageStatus = "uploading"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
)

// CanTransition reports whether a status move is allowed. Transitions are
// forward-only: pending -> uploading -> sent, with failed reachable from
// pending or uploading and terminal.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	switch s {
	case MessagePending:
		return to == MessageUploading || to == MessageSent || to == MessageFailed
	case MessageUploading:
		return to == MessageSent || to == MessageFailed
	default:
		return false
	}
}

// Conversation is the chat session between a counterpart user and a bot
type Conversation struct {
	ID              int64              `json:"id"`
	BotID           int64              `json:"botId"`
	UserID          *int64             `json:"userId,omitempty"`
	AIPaused        bool               `json:"aiPaused"`
	Status          ConversationStatus `json:"status"`
	LastMessage     *string            `json:"lastMessage,omitempty"`
	LastRespondedAt *time.Time         `json:"lastRespondedAt,omitempty"`
	LastActiveAt    time.Time          `json:"lastActiveAt"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// Message is an append-only chat turn
type Message struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversationId"`
	Sender         Sender        `json:"sender"`
	Text           string        `json:"text"`
	ReplyToID      *int64        `json:"replyToMessageId,omitempty"`
	FileID         *int64        `json:"fileId,omitempty"`
	JobID          *string       `json:"jobId,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// CaptureField is one structured field the platform tries to extract from
// free text. Value is nil until captured for the session.
type CaptureField struct {
	FieldName string  `json:"fieldName"`
	FieldType string  `json:"fieldType"`
	Required  bool    `json:"required"`
	Value     *string `json:"value,omitempty"`
}

// CaptureFieldConfig is the per-bot configuration of a capture field.
// Pattern, when set, overrides the built-in rules for the field type.
type CaptureFieldConfig struct {
	FieldName string
	FieldType string
	Required  bool
	Pattern   *string
}

// Job is the queue payload for one chat turn awaiting an AI response. It
// carries everything processing needs so a consumer never has to re-derive
// context; capture values filled in during processing flow into prompt
// assembly within the same job.
type Job struct {
	ID             string         `json:"jobId"`
	ConversationID int64          `json:"conversationId"`
	BotID          int64          `json:"botId"`
	UserID         *int64         `json:"userId,omitempty"`
	Question       string         `json:"question"`
	UserCountry    string         `json:"userCountry,omitempty"`
	UserCity       string         `json:"userCity,omitempty"`
	ContextMessage string         `json:"contextMessage,omitempty"`
	CapturedFields []CaptureField `json:"capturedFields"`
}

// PendingFields returns the capture fields that still have no value.
func (j Job) PendingFields() []CaptureField {
	var pending []CaptureField
	for _, f := range j.CapturedFields {
		if f.Value == nil || *f.Value == "" {
			pending = append(pending, f)
		}
	}
	return pending
}

// SetFieldValue updates the in-flight snapshot for a field by name.
func (j *Job) SetFieldValue(name, value string) {
	for i := range j.CapturedFields {
		if j.CapturedFields[i].FieldName == name {
			v := value
			j.CapturedFields[i].Value = &v
			return
		}
	}
}

// Snippet is a ranked fragment returned by the retrieval index
type Snippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// File is a stored attachment linked to a conversation
type File struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Name           string    `json:"name"`
	ContentType    string    `json:"contentType"`
	URL            string    `json:"url"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationSummary is one row of the admin snapshot: the latest open
// conversation per distinct counterpart user.
type ConversationSummary struct {
	ConversationID int64      `json:"conversationId"`
	UserID         *int64     `json:"userId,omitempty"`
	UserName       *string    `json:"userName,omitempty"`
	LastMessage    *string    `json:"lastMessage,omitempty"`
	LastActiveAt   time.Time  `json:"lastActiveAt"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
}
