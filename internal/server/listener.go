package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/magmad/internal/config"
	"github.com/infodancer/magmad/internal/logging"
)

// ConnectionHandler processes one accepted connection. It must return when
// the session ends; the listener does not enforce an external deadline on
// it beyond the connection's own idle/command timeouts.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures a single Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	Protocol       config.ProtocolTag
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler

	ViolationCutoff int
	ViolationDelay  time.Duration
}

// Listener accepts connections on one address and dispatches each to a
// ConnectionHandler in its own goroutine. ModePop3s wraps the listening
// socket with tls.NewListener, so the TLS handshake runs on the
// connection's first read or write inside the handler; ModePop3 hands over
// a plain socket so the handler can offer an in-band upgrade (STLS) itself.
type Listener struct {
	lc ListenerConfig

	mu       sync.Mutex
	listener net.Listener
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewListener builds a Listener from the given configuration. It does not
// bind a socket until Start is called.
func NewListener(lc ListenerConfig) *Listener {
	logger := lc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		lc:     lc,
		logger: logger,
	}
}

// Address returns the bound address once Start has run, or the configured
// address beforehand.
func (l *Listener) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.lc.Address
}

// Start binds the listening socket and accepts connections until ctx is
// cancelled or Close is called. It blocks until every in-flight connection
// handler has returned.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.lc.Address)
	if err != nil {
		return err
	}

	if l.lc.Mode == config.ModePop3s {
		ln = tls.NewListener(ln, l.lc.TLSConfig)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
		slog.String("mode", string(l.lc.Mode)),
	)

	// Close the listener when the context is cancelled; Accept then
	// returns an error and the loop below exits on its own.
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return ctx.Err()
			default:
			}
			l.wg.Wait()
			return err
		}

		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			l.handle(ctx, c)
		}(conn)
	}
}

func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	connLogger := l.logger.With(
		slog.String("remote_addr", raw.RemoteAddr().String()),
		slog.String("protocol", string(l.lc.Protocol)),
	)
	conn := NewConnection(raw, ConnectionConfig{
		IdleTimeout:     l.lc.IdleTimeout,
		CommandTimeout:  l.lc.CommandTimeout,
		LogTransaction:  l.lc.LogTransaction,
		Logger:          connLogger,
		ViolationCutoff: l.lc.ViolationCutoff,
		ViolationDelay:  l.lc.ViolationDelay,
	})
	defer conn.Close() //nolint:errcheck

	connCtx := logging.NewContext(ctx, connLogger)

	if l.lc.LogTransaction {
		connLogger.Debug("connection accepted",
			slog.String("remote", conn.PeerIP()),
			slog.String("protocol", string(l.lc.Protocol)),
		)
	}

	l.lc.Handler(connCtx, conn)
}

// Close stops accepting new connections. Connections already dispatched to
// handlers are left to finish on their own; Start's return unblocks once
// they all complete.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}
