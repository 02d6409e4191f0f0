package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yoonsang0910/Memento-server/config"
	"github.com/yoonsang0910/Memento-server/metrics"
	"github.com/yoonsang0910/Memento-server/session"
)

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	registry   *session.Registry
	metrics    *metrics.Metrics
	config     *config.Config
}

func NewServerWebsocket(cfg *config.Config, registry *session.Registry, m *metrics.Metrics) *Server {
	s := &Server{
		registry: registry,
		metrics:  m,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB, images arrive inline
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Native clients send no Origin header
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
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
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler routes /health and /metrics; every other path accepts WebSocket clients
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start begins listening for connections on all interfaces
func (s *Server) Start() error {
	log.Printf("📢 WebSocket Server Running on >> [ws://%s:%d]", OutboundIP(), s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.registry.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	clientSession := s.registry.CreateSession(conn, r.RemoteAddr)

	// Blocks until the client goes away
	reason := clientSession.Run()

	// Clean up
	s.registry.RemoveSession(clientSession.ID)
	log.Printf("🔌 Session closed: %s (%s)", clientSession.ID[:8], reason)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.registry.GetActiveSessionCount())
}
