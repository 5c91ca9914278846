package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"botpipe/internal/service"
	"botpipe/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const uploadTokenTTL = 5 * time.Minute

type signFileRequest struct {
	ConversationID int64  `json:"conversationId"`
	UserID         *int64 `json:"userId,omitempty"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
}

type signFileResponse struct {
	Token     string    `json:"token"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// signFile issues a short-lived single-use token authorizing one upload.
func (d Dependencies) signFile(w http.ResponseWriter, r *http.Request) {
	var req signFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", d.Log)
		return
	}
	if req.ConversationID <= 0 || req.FileName == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "conversationId and fileName are required", d.Log)
		return
	}

	expires := time.Now().Add(uploadTokenTTL)
	token, err := d.Tokens.Create(r.Context(), storage.UploadClaims{
		FileName:       req.FileName,
		FileType:       req.FileType,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		ExpiresAt:      expires,
	}, uploadTokenTTL)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "token_error", "failed to issue upload token", d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(signFileResponse{
		Token:     token,
		UploadURL: "/files/upload/" + token,
		ExpiresAt: expires,
	})
}

// uploadFile accepts the raw body for a previously signed token. The token
// is consumed before any bytes are stored, so a replayed PUT gets a 404
// even if the first attempt failed mid-write.
func (d Dependencies) uploadFile(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	claims, err := d.Tokens.Consume(r.Context(), token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			WriteError(w, http.StatusNotFound, "token_not_found", "upload token not found or expired", d.Log)
			return
		}
		WriteError(w, http.StatusInternalServerError, "token_error", "failed to consume upload token", d.Log)
		return
	}

	objectName := ulid.Make().String() + filepath.Ext(claims.FileName)
	if err := d.Files.Put(r.Context(), objectName, r.Body); err != nil {
		WriteError(w, http.StatusInternalServerError, "storage_error", "failed to store file", d.Log)
		return
	}

	msg, err := d.Chat.SendFile(r.Context(), service.SendFileInput{
		ConversationID: claims.ConversationID,
		UserID:         claims.UserID,
		Name:           claims.FileName,
		ContentType:    claims.FileType,
		URL:            d.Files.URL(objectName),
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "message_error", "failed to deliver file message", d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// serveFile streams a stored object back to the caller.
func (d Dependencies) serveFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid file name", d.Log)
		return
	}

	reader, err := d.Files.Get(r.Context(), name)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "file not found", d.Log)
		return
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		d.Log.Warn("Failed to stream file", zap.String("name", name), zap.Error(err))
	}
}

// history returns the most recent messages of a conversation, oldest first.
func (d Dependencies) history(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id", d.Log)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	messages, err := d.Chat.History(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), d.Log)
			return
		}
		WriteError(w, http.StatusInternalServerError, "query_error", "failed to load messages", d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}
