package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/messages"
	"github.com/room4-2/bookingline/session"
)

const maxBodySize = 64 * 1024

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routes served on the main port
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/turn", s.handleTurn)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("server: websocket endpoint at /ws, turn endpoint at /turn")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("server: shutting down")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("server: websocket upgrade failed")
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		log.Warn().Err(err).Msg("server: failed to create session")
		// Send error and close
		errMsg := messages.NewErrorMessage("", session.ErrorCode(err), err.Error())
		if data, mErr := sonic.Marshal(errMsg); mErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.Close()
		return
	}

	log.Info().Str("session_id", clientSession.ID).Msg("server: session created")

	// Start session (handles messages in goroutines)
	clientSession.Start()

	// Wait for session to close
	<-clientSession.CloseChan

	s.sessionManager.RemoveSession(clientSession.ID)
	log.Info().Str("session_id", clientSession.ID).Msg("server: session closed")
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, messages.ErrCodeInvalidMessage, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, messages.ErrCodeInvalidMessage, "request body too large")
		return
	}
	var req messages.TurnRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, messages.ErrCodeInvalidMessage, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, messages.ErrCodeInvalidMessage, "session_id is required")
		return
	}

	res, err := s.sessionManager.HandleTurn(r.Context(), req.SessionID, req.Utterance)
	if err != nil {
		code := session.ErrorCode(err)
		writeError(w, statusFor(code), code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.NewTurnResponse(res))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	})
}

func statusFor(code string) int {
	switch code {
	case messages.ErrCodeInvalidMessage:
		return http.StatusBadRequest
	case messages.ErrCodeTooManySessions:
		return http.StatusTooManyRequests
	case messages.ErrCodeConflict:
		return http.StatusConflict
	case messages.ErrCodeStoreUnavailable, messages.ErrCodeSessionFailed:
		return http.StatusServiceUnavailable
	case messages.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("server: failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, messages.ErrorPayload{Code: code, Message: message})
}
