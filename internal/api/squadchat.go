package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-squadchat/internal/config"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/pipeline"
	"github.com/npezzotti/go-squadchat/internal/server"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/teris-io/shortid"
)

// Authenticator resolves a bearer credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (types.Principal, error)
}

type App struct {
	log             *log.Logger
	db              database.ChatRepository
	gate            Authenticator
	pipeline        *pipeline.Pipeline
	srv             *http.Server
	cs              *server.ChatServer
	allowedOrigins  []string
	generateShortId func() (string, error)
}

func NewApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRepository,
	gate Authenticator, p *pipeline.Pipeline, cfg *config.Config) *App {
	s := &App{
		log:             logger,
		db:              db,
		gate:            gate,
		pipeline:        p,
		cs:              cs,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("GET /api/rooms/{ref}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/rooms/{ref}/read", s.authMiddleware(s.markRead))
	mux.Handle("GET /api/unread", s.authMiddleware(s.listUnread))
	mux.Handle("POST /api/communities", s.authMiddleware(s.createCommunity))
	mux.Handle("DELETE /api/communities/{id}", s.authMiddleware(s.deleteCommunity))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
