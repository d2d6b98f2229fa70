package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/westers/krdp/internal/transport"
	"github.com/westers/krdp/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts graphics-channel connections over TCP and, optionally, over
// WebSocket, and runs one session per connection. Each session gets its own
// capture socket pair, derived from the configured paths.
type Server struct {
	options Options

	tcpAddr string
	wsAddr  string

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[string]*Session
	connSeq   atomic.Uint64
}

// NewServer creates a server. Either address may be empty to disable that
// listener, but not both.
func NewServer(tcpAddr, wsAddr string, options Options) *Server {
	return &Server{
		options:  options,
		tcpAddr:  tcpAddr,
		wsAddr:   wsAddr,
		sessions: make(map[string]*Session),
	}
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.tcpAddr == "" && s.wsAddr == "" {
		return fmt.Errorf("no listen address configured")
	}

	if s.tcpAddr != "" {
		listener, err := net.Listen("tcp", s.tcpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.tcpAddr, err)
		}
		s.track(listener)
		util.LogInfo("graphics channel listening on %s", listener.Addr())
		go s.acceptLoop(ctx, listener)
	}

	if s.wsAddr != "" {
		listener, err := net.Listen("tcp", s.wsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.wsAddr, err)
		}
		s.track(listener)
		util.LogInfo("WebSocket gateway listening on %s", listener.Addr())

		mux := http.NewServeMux()
		mux.HandleFunc("/gfx", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			s.runSession(ctx, transport.NewWSChannel(conn))
		})
		go func() {
			_ = http.Serve(listener, mux)
		}()
	}

	<-ctx.Done()
	s.shutdown()
	return nil
}

func (s *Server) track(listener net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			util.LogWarning("accept error: %v", err)
			continue
		}
		go s.runSession(ctx, transport.NewTCPChannel(conn))
	}
}

// runSession drives one connection's session to completion.
func (s *Server) runSession(ctx context.Context, channel transport.Channel) {
	options := s.options
	seq := s.connSeq.Add(1)
	options.PacketSocket = fmt.Sprintf("%s.%d", s.options.PacketSocket, seq)
	if s.options.MetadataSocket != "" {
		options.MetadataSocket = fmt.Sprintf("%s.%d", s.options.MetadataSocket, seq)
	}

	sess := New(channel, options)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sess.Start(sessionCtx); err != nil {
		util.LogError("failed to start session: %v", err)
		channel.Close()
		return
	}
	defer sess.Close()

	util.LogInfo("capture sockets: %s / %s", options.PacketSocket, options.MetadataSocket)

	select {
	case <-sess.Done():
	case <-sessionCtx.Done():
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}
}
