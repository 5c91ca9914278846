package ws

import (
	"context"
	"encoding/json"
	"errors"

	"botpipe/internal/schema"
	"botpipe/internal/service"

	"go.uber.org/zap"
)

// CommandHandler dispatches inbound gateway operations to the chat
// service. Every payload is validated against its fixed schema first.
type CommandHandler struct {
	chat     *service.ChatService
	hub      *Hub
	payloads *schema.Registry
	log      *zap.Logger
}

func NewCommandHandler(chat *service.ChatService, hub *Hub, payloads *schema.Registry, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		chat:     chat,
		hub:      hub,
		payloads: payloads,
		log:      log,
	}
}

// Handle processes one operation frame.
func (h *CommandHandler) Handle(ctx context.Context, conn *Conn, op, msgID string, data json.RawMessage) {
	if !h.payloads.Has(op) {
		conn.SendError(msgID, "unknown_operation", "Unknown operation: "+op)
		return
	}

	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		conn.SendError(msgID, "invalid_input", "data must be a JSON object")
		return
	}
	if err := h.payloads.Validate(op, raw); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}

	switch op {
	case "joinRoom":
		h.handleJoinRoom(conn, msgID, data)
	case "leaveRoom":
		h.handleLeaveRoom(conn, msgID, data)
	case "joinAdmin":
		h.handleJoinAdmin(ctx, conn, msgID)
	case "sendMessage":
		h.handleSendMessage(ctx, conn, msgID, data)
	case "adminMessage":
		h.handleAdminMessage(ctx, conn, msgID, data)
	case "setAiPaused":
		h.handleSetAIPaused(ctx, conn, msgID, data)
	case "typing":
		h.handleTyping(conn, msgID, data)
	case "sendFile":
		h.handleSendFile(ctx, conn, msgID, data)
	case "sendGroupedImages":
		h.handleSendGroupedImages(ctx, conn, msgID, data)
	}
}

type roomRequest struct {
	ConversationID int64 `json:"conversationId"`
}

func (h *CommandHandler) handleJoinRoom(conn *Conn, msgID string, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}
	h.hub.Subscribe(conn, service.ConversationChannel(req.ConversationID))
	h.respond(conn, msgID, map[string]interface{}{"joined": req.ConversationID})
}

func (h *CommandHandler) handleLeaveRoom(conn *Conn, msgID string, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}
	h.hub.Unsubscribe(conn, service.ConversationChannel(req.ConversationID))
	h.respond(conn, msgID, map[string]interface{}{"left": req.ConversationID})
}

// handleJoinAdmin subscribes the connection to the admin group and sends
// the open-conversation snapshot synchronously.
func (h *CommandHandler) handleJoinAdmin(ctx context.Context, conn *Conn, msgID string) {
	h.hub.Subscribe(conn, service.AdminChannel)

	summaries, err := h.chat.AdminSnapshot(ctx)
	if err != nil {
		conn.SendError(msgID, "snapshot_failed", err.Error())
		return
	}
	event := service.InitialConversationsEvent(summaries)
	if msgID != "" {
		event["id"] = msgID
	}
	conn.Send(event)
}

type sendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	BotID          int64  `json:"botId"`
	UserID         *int64 `json:"userId"`
	Question       string `json:"question"`
	ReplyToID      *int64 `json:"replyToMessageId"`
	UserCountry    string `json:"userCountry"`
	UserCity       string `json:"userCity"`
	ContextMessage string `json:"contextMessage"`
}

func (h *CommandHandler) handleSendMessage(ctx context.Context, conn *Conn, msgID string, data json.RawMessage) {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}

	msg, jobID, err := h.chat.SendMessage(ctx, service.SendMessageInput{
		ConversationID: req.ConversationID,
		BotID:          req.BotID,
		UserID:         req.UserID,
		Question:       req.Question,
		ReplyToID:      req.ReplyToID,
		UserCountry:    req.UserCountry,
		UserCity:       req.UserCity,
		ContextMessage: req.ContextMessage,
	})
	if err != nil {
		h.sendServiceError(conn, msgID, "send_failed", err)
		return
	}

	resp := map[string]interface{}{"messageId": msg.ID}
	if jobID != "" {
		resp["jobId"] = jobID
	}
	h.respond(conn, msgID, resp)
}

type adminMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	Text           string `json:"text"`
	ReplyToID      *int64 `json:"replyToMessageId"`
}

func (h *CommandHandler) handleAdminMessage(ctx context.Context, conn *Conn, msgID string, data json.RawMessage) {
	var req adminMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}

	msg, err := h.chat.AdminMessage(ctx, req.ConversationID, req.Text, req.ReplyToID)
	if err != nil {
		h.sendServiceError(conn, msgID, "send_failed", err)
		return
	}
	h.respond(conn, msgID, map[string]interface{}{"messageId": msg.ID})
}

type setAIPausedRequest struct {
	ConversationID int64 `json:"conversationId"`
	Paused         bool  `json:"paused"`
}

func (h *CommandHandler) handleSetAIPaused(ctx context.Context, conn *Conn, msgID string, data json.RawMessage) {
	var req setAIPausedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}

	if err := h.chat.SetAIPaused(ctx, req.ConversationID, req.Paused); err != nil {
		h.sendServiceError(conn, msgID, "pause_failed", err)
		return
	}
	h.respond(conn, msgID, map[string]interface{}{"paused": req.Paused})
}

type typingRequest struct {
	ConversationID int64  `json:"conversationId"`
	From           string `json:"from"`
}

func (h *CommandHandler) handleTyping(conn *Conn, msgID string, data json.RawMessage) {
	var req typingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}
	if err := h.chat.Typing(req.ConversationID, req.From); err != nil {
		h.sendServiceError(conn, msgID, "typing_failed", err)
	}
}

type sendFileRequest struct {
	ConversationID int64  `json:"conversationId"`
	UserID         *int64 `json:"userId"`
	Name           string `json:"name"`
	ContentType    string `json:"contentType"`
	URL            string `json:"url"`
	Data           string `json:"data"`
}

func (h *CommandHandler) handleSendFile(ctx context.Context, conn *Conn, msgID string, data json.RawMessage) {
	var req sendFileRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}

	msg, err := h.chat.SendFile(ctx, service.SendFileInput{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Name:           req.Name,
		ContentType:    req.ContentType,
		URL:            req.URL,
		Data:           req.Data,
	})
	if err != nil {
		h.sendServiceError(conn, msgID, "file_failed", err)
		return
	}
	h.respond(conn, msgID, map[string]interface{}{"messageId": msg.ID})
}

type groupedImagesRequest struct {
	ConversationID int64  `json:"conversationId"`
	UserID         *int64 `json:"userId"`
	Images         []struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Data        string `json:"data"`
	} `json:"images"`
}

func (h *CommandHandler) handleSendGroupedImages(ctx context.Context, conn *Conn, msgID string, data json.RawMessage) {
	var req groupedImagesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}

	images := make([]service.InlineImage, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, service.InlineImage{
			Name:        img.Name,
			ContentType: img.ContentType,
			Data:        img.Data,
		})
	}

	msg, err := h.chat.SendGroupedImages(ctx, req.ConversationID, req.UserID, images)
	if err != nil {
		h.sendServiceError(conn, msgID, "file_failed", err)
		return
	}
	h.respond(conn, msgID, map[string]interface{}{"messageId": msg.ID})
}

func (h *CommandHandler) respond(conn *Conn, msgID string, data map[string]interface{}) {
	resp := map[string]interface{}{
		"type": "response",
		"data": data,
	}
	if msgID != "" {
		resp["id"] = msgID
	}
	conn.Send(resp)
}

// sendServiceError maps client input errors to invalid_input and keeps the
// given code for everything else.
func (h *CommandHandler) sendServiceError(conn *Conn, msgID, code string, err error) {
	if errors.Is(err, service.ErrInvalidInput) {
		conn.SendError(msgID, "invalid_input", err.Error())
		return
	}
	h.log.Error("Operation failed", zap.String("code", code), zap.Error(err))
	conn.SendError(msgID, code, err.Error())
}
