package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/yoonsang0910/Memento-server/config"
	"github.com/yoonsang0910/Memento-server/gateway"
	"github.com/yoonsang0910/Memento-server/metrics"
)

const (
	redisActiveKey = "active_sessions"
	redisTimeout   = 2 * time.Second
)

// Registry is the set of currently open client sessions.
// The lock is held only while the set itself changes.
type Registry struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	gateway  gateway.Gateway
	options  Options
}

// NewRegistry creates an empty registry. When cfg names a Redis server
// the set is mirrored there for operators; an unreachable server only
// disables the mirror.
func NewRegistry(cfg *config.Config, gw gateway.Gateway, m *metrics.Metrics) *Registry {
	r := &Registry{
		sessions: make(map[string]*ClientSession),
		gateway:  gw,
		options: Options{
			MarkerRadius:   cfg.MarkerRadius,
			MaxMessageSize: cfg.MaxMessageSize,
			DebugImagePath: cfg.DebugImageOutput,
			Metrics:        m,
		},
	}

	if cfg.RedisURL != "" {
		r.redis = connectRedis(cfg.RedisURL, cfg.RedisPassword)
	}
	return r
}

func connectRedis(addr, password string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️ Redis unavailable at %s, session mirror disabled: %v", addr, err)
		_ = client.Close()
		return nil
	}

	log.Printf("✅ Mirroring active sessions to Redis at %s", addr)
	return client
}

// CreateSession registers a new session for an accepted connection
func (r *Registry) CreateSession(conn *websocket.Conn, remoteAddr string) *ClientSession {
	session := NewClientSession(uuid.New().String(), conn, remoteAddr, r.gateway, r.options)

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	r.mirrorAdd(session)
	log.Printf("✅ Client Connected: %s [%s]", remoteAddr, session.ID[:8])
	return session
}

// GetSession retrieves a session by ID
func (r *Registry) GetSession(sessionID string) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	return session, exists
}

// RemoveSession closes and forgets a session. It reports whether this call
// removed it; removing an unknown or already removed session is a no-op.
func (r *Registry) RemoveSession(sessionID string) bool {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	session.Close()
	r.mirrorRemove(sessionID)
	return true
}

// GetActiveSessionCount returns current session count
func (r *Registry) GetActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes all sessions
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*ClientSession)
	r.mu.Unlock()

	for id, session := range sessions {
		session.Close()
		r.mirrorRemove(id)
	}

	if r.redis != nil {
		r.redis.Close()
	}
}

func (r *Registry) mirrorAdd(session *ClientSession) {
	if r.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := "session:" + session.ID
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"remote_addr": session.RemoteAddr,
		"created_at":  session.CreatedAt.Format(time.RFC3339),
		"status":      "active",
	})
	pipe.SAdd(ctx, redisActiveKey, session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("⚠️ [%s] Redis mirror add failed: %v", session.ID[:8], err)
	}
}

func (r *Registry) mirrorRemove(sessionID string) {
	if r.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, "session:"+sessionID)
	pipe.SRem(ctx, redisActiveKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("⚠️ [%s] Redis mirror remove failed: %v", sessionID[:8], err)
	}
}
