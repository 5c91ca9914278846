package service

import (
	"fmt"
	"time"

	"botpipe/internal/model"
)

// AdminChannel is the fixed group every operator connection subscribes to.
const AdminChannel = "admin"

// ConversationChannel names the fan-out group for a conversation.
func ConversationChannel(id int64) string {
	return fmt.Sprintf("conversation:%d", id)
}

// Broadcaster fans an event out to every connection subscribed to a
// logical channel. Multicast, best effort, no cross-group ordering; the
// persisted message history is the authoritative order.
type Broadcaster interface {
	ToConversation(conversationID int64, event map[string]interface{})
	ToAdmin(event map[string]interface{})
}

// ReceiveMessageEvent is the outbound frame for a delivered message.
func ReceiveMessageEvent(m model.Message, replyToText *string, fileURL string, images []string) map[string]interface{} {
	event := map[string]interface{}{
		"type":           "ReceiveMessage",
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"from":           string(m.Sender),
		"text":           m.Text,
		"timestamp":      m.CreatedAt.Format(time.RFC3339),
	}
	if m.ReplyToID != nil {
		event["replyToMessageId"] = *m.ReplyToID
	}
	if replyToText != nil {
		event["replyToText"] = *replyToText
	}
	if fileURL != "" {
		event["file"] = fileURL
	}
	if len(images) > 0 {
		event["images"] = images
	}
	return event
}

func TypingEvent(from string) map[string]interface{} {
	return map[string]interface{}{
		"type": "Typing",
		"from": from,
	}
}

// NewConversationOrMessageEvent is the admin-group summary of activity in
// any conversation.
func NewConversationOrMessageEvent(m model.Message, userID *int64) map[string]interface{} {
	event := map[string]interface{}{
		"type":           "NewConversationOrMessage",
		"conversationId": m.ConversationID,
		"from":           string(m.Sender),
		"lastMessage":    m.Text,
		"timestamp":      m.CreatedAt.Format(time.RFC3339),
	}
	if userID != nil {
		event["userId"] = *userID
	}
	return event
}

// InitialConversationsEvent is the snapshot sent on admin join.
func InitialConversationsEvent(summaries []model.ConversationSummary) map[string]interface{} {
	rows := make([]interface{}, 0, len(summaries))
	for _, s := range summaries {
		row := map[string]interface{}{
			"conversationId": s.ConversationID,
			"lastActiveAt":   s.LastActiveAt.Format(time.RFC3339),
		}
		if s.UserID != nil {
			row["userId"] = *s.UserID
		}
		if s.UserName != nil {
			row["userName"] = *s.UserName
		}
		if s.LastMessage != nil {
			row["lastMessage"] = *s.LastMessage
		}
		if s.RespondedAt != nil {
			row["respondedAt"] = s.RespondedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return map[string]interface{}{
		"type":          "InitialConversations",
		"conversations": rows,
	}
}

func ConversationStatusEvent(conversationID int64, status model.ConversationStatus) map[string]interface{} {
	return map[string]interface{}{
		"type":           "ConversationStatusChanged",
		"conversationId": conversationID,
		"status":         string(status),
	}
}
