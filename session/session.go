package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yoonsang0910/Memento-server/annotate"
	"github.com/yoonsang0910/Memento-server/gateway"
	"github.com/yoonsang0910/Memento-server/messages"
	"github.com/yoonsang0910/Memento-server/metrics"
)

const (
	writeBufferSize = 16
	writeTimeout    = 10 * time.Second
)

// Close reasons, also used as metric labels
const (
	ReasonDisconnect = "disconnect" // client sent a disconnect frame
	ReasonClosed     = "closed"     // peer closed the socket normally
	ReasonError      = "error"      // transport failure or abnormal close
	ReasonShutdown   = "shutdown"   // closed by the server
)

// Options tune how a session handles queries
type Options struct {
	MarkerRadius   int
	MaxMessageSize int64
	DebugImagePath string // Annotated images are written here when set
	Metrics        *metrics.Metrics
}

// ClientSession represents a single client connection.
// Frames are read and queries answered one at a time on the goroutine
// calling Run; a single write pump sends the answers in that same order.
type ClientSession struct {
	ID         string
	RemoteAddr string
	ClientConn *websocket.Conn
	CreatedAt  time.Time

	gateway gateway.Gateway
	options Options

	// Only the Run goroutine sends on writeChan, and only it closes it
	writeChan  chan *messages.ServerMessage
	writerDone chan struct{}

	mu          sync.RWMutex
	closed      bool
	writeFailed bool // Close was caused by a failed write
	CloseChan   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClientSession wraps an accepted connection
func NewClientSession(id string, clientConn *websocket.Conn, remoteAddr string, gw gateway.Gateway, opts Options) *ClientSession {
	if opts.MarkerRadius <= 0 {
		opts.MarkerRadius = annotate.DefaultRadius
	}
	if opts.MaxMessageSize > 0 {
		clientConn.SetReadLimit(opts.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ClientSession{
		ID:         id,
		RemoteAddr: remoteAddr,
		ClientConn: clientConn,
		CreatedAt:  time.Now(),
		gateway:    gw,
		options:    opts,
		writeChan:  make(chan *messages.ServerMessage, writeBufferSize),
		writerDone: make(chan struct{}),
		CloseChan:  make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run handles frames until the client disconnects, the transport fails or
// the session is closed, and returns the reason. The connection is closed
// when Run returns.
func (cs *ClientSession) Run() string {
	cs.options.Metrics.ConnectionOpened()
	go cs.writePump()

	reason := cs.handleClientMessages()

	// Let the pump flush queued responses and send a close frame
	close(cs.writeChan)
	select {
	case <-cs.writerDone:
	case <-time.After(writeTimeout):
	}
	cs.Close()

	cs.options.Metrics.ConnectionClosed(reason)
	return reason
}

// handleClientMessages is the per-connection message loop
func (cs *ClientSession) handleClientMessages() string {
	for {
		_, data, err := cs.ClientConn.ReadMessage()
		if err != nil {
			return cs.readFailure(err)
		}

		msg, err := messages.ParseClientMessage(data)
		if err != nil {
			log.Printf("⚠️ [%s] Received invalid JSON from client: %v", cs.ID[:8], err)
			cs.options.Metrics.MalformedFrame()
			continue
		}

		switch msg.Type {
		case messages.TypeQuery:
			cs.handleQuery(msg)
		case messages.TypeDisconnect:
			log.Printf("❌ Client %s disconnected.", cs.RemoteAddr)
			return ReasonDisconnect
		default:
			// Unknown types are ignored
		}

		if cs.IsClosed() {
			return cs.closedReason()
		}
	}
}

func (cs *ClientSession) readFailure(err error) string {
	if cs.IsClosed() {
		return cs.closedReason()
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		log.Printf("❌ Client %s disconnected.", cs.RemoteAddr)
		return ReasonClosed
	}
	log.Printf("❌ Client %s unexpectedly disconnected: %v", cs.RemoteAddr, err)
	return ReasonError
}

func (cs *ClientSession) handleQuery(msg *messages.ClientMessage) {
	log.Printf("[Query] [%s] %s", cs.ID[:8], msg.Msg)

	image := msg.Image
	if msg.HasMarker() {
		image = cs.annotate(msg.Image, msg.Point)
	}

	answer := cs.gateway.Answer(cs.ctx, msg.Msg, image)
	log.Printf("[Response] [%s] %s", cs.ID[:8], answer)

	cs.options.Metrics.QueryAnswered()
	cs.queueMessage(messages.NewResponseMessage(answer))
}

// annotate marks the point on the image, falling back to the original
// image on any failure
func (cs *ClientSession) annotate(image, point string) string {
	marked, err := annotate.DrawCircle(image, point, cs.options.MarkerRadius)
	if err != nil {
		if errors.Is(err, annotate.ErrInvalidPoint) {
			log.Printf("⚠️ [%s] Invalid point format: %q", cs.ID[:8], point)
		} else {
			log.Printf("⚠️ [%s] Could not annotate image, forwarding original: %v", cs.ID[:8], err)
		}
		cs.options.Metrics.AnnotationFailed()
		return image
	}

	if cs.options.DebugImagePath != "" {
		cs.saveDebugImage(marked)
	}
	return marked
}

func (cs *ClientSession) saveDebugImage(imageB64 string) {
	data, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return
	}
	if err := os.WriteFile(cs.options.DebugImagePath, data, 0o644); err != nil {
		log.Printf("⚠️ [%s] Failed to save debug image: %v", cs.ID[:8], err)
		return
	}
	log.Printf("Debug image saved as %s", cs.options.DebugImagePath)
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	defer close(cs.writerDone)

	for {
		select {
		case <-cs.CloseChan:
			return
		case msg, ok := <-cs.writeChan:
			if !ok {
				// Session ended normally
				cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
				cs.ClientConn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}

			data, err := messages.Encode(msg)
			if err != nil {
				log.Printf("❌ [%s] Failed to encode response: %v", cs.ID[:8], err)
				continue
			}

			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.TextMessage, data); err != nil {
				cs.writeFailure(err)
				return
			}
		}
	}
}

// writeFailure closes the session after a transport write error. The
// reader is unblocked and reports ReasonError.
func (cs *ClientSession) writeFailure(err error) {
	log.Printf("❌ [%s] Write failed: %v", cs.ID[:8], err)
	cs.mu.Lock()
	cs.writeFailed = true
	cs.mu.Unlock()
	cs.Close()
}

// closedReason tells a server-side close apart from one forced by a
// failed write
func (cs *ClientSession) closedReason() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.writeFailed {
		return ReasonError
	}
	return ReasonShutdown
}

// queueMessage hands a message to the write pump, blocking while the
// queue is full so that no response is dropped
func (cs *ClientSession) queueMessage(msg *messages.ServerMessage) {
	select {
	case cs.writeChan <- msg:
	case <-cs.CloseChan:
	}
}

// IsClosed reports whether Close has been called
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// Close terminates the session and cleans up resources. Safe to call
// more than once and from any goroutine.
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	// Cancel in-flight inference
	cs.cancel()

	// Signal close (for other goroutines waiting on this)
	close(cs.CloseChan)

	if cs.ClientConn != nil {
		return cs.ClientConn.Close()
	}
	return nil
}
