// Package devserver is an in-memory chat server speaking the client protocol:
// websocket events with acks plus the REST history endpoints. It backs the
// integration tests and cmd/devserver.
package devserver

import (
	"chatsync/internal/models"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const tokenName = "token"

type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
	server   *http.Server
	wg       sync.WaitGroup
}

func NewServer(hub *Hub, addr string) *Server {
	s := &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Development only
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /socket", s.HandleConnections)
	mux.HandleFunc("GET /messages/{chatId}", s.RequireAuth(s.MessagesHandler))
	mux.HandleFunc("GET /chats/myChats", s.RequireAuth(s.ChatsHandler))

	if addr == "" {
		addr = ":8090"
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the routes for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	log.Printf("Dev server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

func getToken(r *http.Request) string {
	token := r.Header.Get(tokenName)
	if token == "" {
		if c, err := r.Cookie(tokenName); err == nil {
			token = c.Value
		}
	}
	return token
}

type contextKey struct{}

func userFrom(ctx context.Context) User {
	u, _ := ctx.Value(contextKey{}).(User)
	return u
}

func (s *Server) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.hub.Authenticate(getToken(r))
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
	}
}

func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	resp := models.MessagesResponse{Messages: s.hub.History(r.PathValue("chatId"))}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode messages response: %v", err)
	}
}

func (s *Server) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	resp := models.ChatsResponse{Chats: s.hub.Chats()}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode chats response for %s: %v", userFrom(r.Context()), err)
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	user, ok := s.hub.Authenticate(getToken(r))
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.hub, ws, user.ID)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection of %s closed: %v", user, err)
	}
}
