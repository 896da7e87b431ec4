package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqd/transport"
	"github.com/zsiec/moqd/wire"
)

// Server accepts connections and runs a Session per peer. It also brokers
// upstream track requests between sessions: when one peer subscribes to a
// track another peer announced, the server tells the announcer's session
// to start pulling it.
type Server struct {
	log   *slog.Logger
	table *Table
	addr  string
	tls   *tls.Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ServerConfig holds the listener parameters.
type ServerConfig struct {
	Addr  string
	TLS   *tls.Config
	Table *Table
	Log   *slog.Logger
}

// NewServer creates a Server; call Serve to start accepting.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "server"),
		table:    cfg.Table,
		addr:     cfg.Addr,
		tls:      cfg.TLS,
		sessions: make(map[string]*Session),
	}
}

// Serve listens and accepts until ctx ends. Each connection gets its own
// session goroutine; Serve returns once the listener and all sessions are
// done.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := transport.Listen(srv.addr, srv.tls)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.addr, err)
	}
	srv.log.Info("listening", "addr", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				srv.runSession(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (srv *Server) runSession(ctx context.Context, conn transport.Connection) {
	sess := NewSession(SessionConfig{
		Conn:     conn,
		Table:    srv.table,
		Upstream: srv,
		Role:     RoleServer,
		Log:      srv.log,
	})

	srv.mu.Lock()
	srv.sessions[sess.ID()] = sess
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, sess.ID())
		srv.mu.Unlock()
	}()

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		srv.log.Debug("session ended", "session", sess.ID(), "error", err)
	}
}

// RequestTrack routes an upstream subscription request to the announcing
// session.
func (srv *Server) RequestTrack(ctx context.Context, sessionID string, ns wire.Namespace, track string) error {
	srv.mu.RLock()
	sess := srv.sessions[sessionID]
	srv.mu.RUnlock()

	if sess == nil {
		return fmt.Errorf("announcer session %s gone", sessionID)
	}
	return sess.RequestTrack(ctx, ns, track)
}

// SessionCount returns the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}
