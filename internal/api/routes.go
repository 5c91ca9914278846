package api

import (
	"net/http"
	"os"

	"botpipe/internal/auth"
	"botpipe/internal/db"
	"botpipe/internal/ratelimit"
	"botpipe/internal/service"
	"botpipe/internal/storage"
	"botpipe/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	DB      *db.Pool
	Chat    *service.ChatService
	Hub     *ws.Hub
	Tokens  storage.TokenStore
	Files   *storage.Local
	Limiter *ratelimit.Limiter
	Log     *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))

	jwtConfig := auth.NewJWTConfig(os.Getenv("JWT_SECRET"))
	r.Use(jwtConfig.Middleware)
	r.Use(ratelimit.Middleware(d.Limiter))

	// Presigned uploads
	r.Post("/files/sign", d.signFile)
	r.Put("/files/upload/{token}", d.uploadFile)
	r.Get("/files/{name}", d.serveFile)

	// Conversation history
	r.Get("/conversations/{id}/messages", d.history)

	// WebSocket endpoint
	r.Get("/ws", d.wsHandler)

	return r
}
