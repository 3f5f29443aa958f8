// Package frontdoor hosts the HTTP+WebSocket entry point clients speak
// to, adapted from the teacher's internal/direct server (coder/websocket
// plus golang-jwt/jwt/v5 bearer auth) but carrying command.Envelope
// traffic into the execution engine instead of PTY bytes.
package frontdoor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/logger"
	"github.com/ehrlich-b/wingmux/internal/validate"
)

// Claims are the JWT claims accepted on /ws/commands when AuthPubKey is
// configured; grounded on the teacher's HandoffClaims shape.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Executor is the subset of engine.Engine the front door calls.
type Executor interface {
	Execute(ctx context.Context, env *command.Envelope) *command.Response
}

// Server is the HTTP+WS host for the command-execution core.
type Server struct {
	Engine    Executor
	Validator *validate.Validator
	// AuthPubKey, if set, requires a valid Bearer JWT on /ws/commands.
	// Nil disables auth, matching a local/dev deployment.
	AuthPubKey *ecdsa.PublicKey
	// Registry is the Prometheus registry /metrics serves. Nil falls back
	// to the global default registerer's registry.
	Registry *prometheus.Registry

	mu       sync.Mutex
	listener net.Listener
}

// Start listens on addr until the process shuts down or Close is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/commands", s.handleCommands)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("frontdoor listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("frontdoor listening", "addr", addr)
	return http.Serve(ln, mux)
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.Engine.Execute(r.Context(), &command.Envelope{Type: "health_check"})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if s.AuthPubKey != nil {
		if _, err := s.authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env command.Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			s.writeError(ctx, conn, "", "malformed envelope: "+jsonErr.Error())
			continue
		}
		if vErr := s.Validator.Check(&env); vErr != nil {
			s.writeError(ctx, conn, env.ID, vErr.Error())
			continue
		}

		resp := s.Engine.Execute(ctx, &env)
		respData, err := json.Marshal(resp)
		if err != nil {
			logger.Error("marshal response failed", "error", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, respData); err != nil {
			return
		}
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, id, msg string) {
	resp := command.ErrorResponse(id, "", msg)
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) authenticate(r *http.Request) (*Claims, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	tokenStr := strings.TrimPrefix(auth, "Bearer ")

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return s.AuthPubKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
