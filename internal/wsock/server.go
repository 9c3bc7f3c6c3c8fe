// Package wsock wraps gorilla/websocket in the small path-routed server
// shape both agent processes use: per-connection ids, subscriber callbacks,
// and a synchronous send/await-reply helper.
package wsock

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// inboundBuffer absorbs short bursts of frames on a connection. Frames
// arriving with no reader and a full buffer are dropped; the protocols here
// only produce one inbound frame per outstanding request.
const inboundBuffer = 64

// Subscriber receives connection lifecycle events for one path.
type Subscriber interface {
	OnConnect(connID string)
	OnDisconnect(connID string)
}

// Server is a path-routed WebSocket server with optional TLS.
type Server struct {
	httpSrv  *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]Subscriber
	conns       map[string]*conn

	wg sync.WaitGroup
}

type conn struct {
	id      string
	ws      *websocket.Conn
	inbound chan []byte
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// New binds the server socket; the accept loop starts immediately. With a
// nil tlsCfg the server speaks plain ws://.
func New(bindIP string, port int, tlsCfg *tls.Config, logger *zap.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", bindIP, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsock listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	s := &Server{
		listener:    listener,
		logger:      logger,
		subscribers: make(map[string]Subscriber),
		conns:       make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The guest channel is not browser traffic; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{Handler: s}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("WebSocket server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Subscribe routes connections on path to the subscriber. One subscriber per
// path; the subscriber decides whether to tolerate concurrent connections.
func (s *Server) Subscribe(path string, sub Subscriber) {
	s.mu.Lock()
	s.subscribers[path] = sub
	s.mu.Unlock()
}

// ServeHTTP upgrades the connection and runs its read pump. Paths with no
// subscriber are refused before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sub, ok := s.subscribers[r.URL.Path]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}

	c := &conn{
		id:      uuid.New().String(),
		ws:      ws,
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.logger.Debug("Connection accepted",
		zap.String("conn_id", c.id),
		zap.String("path", r.URL.Path),
		zap.String("remote", ws.RemoteAddr().String()),
	)
	sub.OnConnect(c.id)

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			break
		}
		select {
		case c.inbound <- payload:
		default:
			s.logger.Warn("Dropping frame on saturated connection", zap.String("conn_id", c.id))
		}
	}

	c.close()
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	sub.OnDisconnect(c.id)
}

// Send writes payload to the connection. With waitReply it blocks for the
// next inbound frame on that connection and returns it; concurrent
// wait-for-reply callers on one connection must serialize externally or the
// replies race.
func (s *Server) Send(ctx context.Context, connID string, payload []byte, waitReply bool) ([]byte, error) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wsock send: unknown connection %s", connID)
	}

	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wsock send: %w", err)
	}
	if !waitReply {
		return nil, nil
	}

	select {
	case reply := <-c.inbound:
		return reply, nil
	case <-c.done:
		return nil, fmt.Errorf("wsock send: connection %s closed while awaiting reply", connID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Receive blocks for the next inbound frame on the connection. Used by
// servers whose peer speaks first (the bootstrap channel).
func (s *Server) Receive(ctx context.Context, connID string) ([]byte, error) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wsock receive: unknown connection %s", connID)
	}
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.done:
		return nil, fmt.Errorf("wsock receive: connection %s closed", connID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceDisconnect closes the connection. Unknown ids are a no-op.
func (s *Server) ForceDisconnect(connID string) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if ok {
		c.close()
	}
}

// Shutdown closes every connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.wg.Wait()
	return err
}
