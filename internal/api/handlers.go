package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/pipeline"
	"github.com/npezzotti/go-squadchat/internal/server"
	"github.com/npezzotti/go-squadchat/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreateCommunityRequest struct {
	Name              string `json:"name" validate:"required,max=100"`
	Description       string `json:"description" validate:"max=1000"`
	AdminOnlyMessages bool   `json:"admin_only_messages"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// writeError answers with the status of a classified failure. Transient
// failures are logged since the client only sees a generic message.
func (s *App) writeError(w http.ResponseWriter, err error) {
	if chaterr.Is(err, chaterr.KindTransient) {
		s.log.Println("request failed:", err)
	}

	errResp := fromChatError(err)
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *App) roomRef(w http.ResponseWriter, r *http.Request) (types.RoomRef, bool) {
	ref, err := types.ParseRoomRef(r.PathValue("ref"))
	if err != nil || !ref.Joinable() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return "", false
	}

	return ref, true
}

func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ref, ok := s.roomRef(w, r)
	if !ok {
		return
	}

	var (
		before int64
		limit  int
		err    error
	)

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = strconv.ParseInt(beforeStr, 10, 64)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.pipeline.History(r.Context(), p, ref, before, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}
	s.writeJson(w, http.StatusOK, messages)
}

func (s *App) markRead(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ref, ok := s.roomRef(w, r)
	if !ok {
		return
	}

	if err := s.pipeline.MarkRead(r.Context(), p, ref); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *App) listUnread(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	counts, err := s.pipeline.ListUnread(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if counts == nil {
		counts = []types.UnreadCount{}
	}
	s.writeJson(w, http.StatusOK, counts)
}

func (s *App) createCommunity(w http.ResponseWriter, r *http.Request) {
	var req CreateCommunityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := validate.Struct(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	p, ok := PrincipalFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	community, err := s.pipeline.CreateCommunity(r.Context(), p, sid, pipeline.CreateCommunityRequest{
		Name:              req.Name,
		Description:       req.Description,
		AdminOnlyMessages: req.AdminOnlyMessages,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, community)
}

func (s *App) deleteCommunity(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ref, err := s.pipeline.DeleteCommunity(r.Context(), p, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.cs.UnloadRoom(r.Context(), ref, true); err != nil {
		s.log.Println("delete community from chat server:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(p, conn, s.cs, s.log)
	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
