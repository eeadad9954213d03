package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBufferSize is the size of a connection's read/write buffers. The
// buffers are not resized; bufio still assembles a line longer than this
// across several fills.
const defaultBufferSize = 8 * 1024

// ConnectionConfig configures a new Connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger

	// ViolationCutoff closes the connection once the combined spin+violation
	// count exceeds this budget. Zero disables the budget.
	ViolationCutoff int

	// ViolationDelay is slept before a violation's error reply is sent, a
	// modest throttle on abusive clients hammering the unknown-command path.
	// Zero disables the delay.
	ViolationDelay time.Duration
}

// Connection wraps a net.Conn with the buffering, timeout management, and
// one-way TLS upgrade every protocol handler in this package needs. A
// Connection is safe for use by one goroutine at a time except for Close,
// which may be called concurrently to force a hung session to unblock.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger

	idleTimeout    time.Duration
	commandTimeout time.Duration
	logTransaction bool

	isTLS  atomic.Bool
	closed atomic.Bool

	violationCutoff int
	violationDelay  time.Duration
	violations      atomic.Int32
	spins           atomic.Int32

	peerIP   string
	peerOnce sync.Once
	dnsName  string
	dnsOnce  sync.Once
}

// NewConnection wraps conn with buffering and timeout bookkeeping. If conn
// is already a *tls.Conn (e.g. returned by tls.Listen), IsTLS reports true
// immediately.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		conn:            conn,
		reader:          bufio.NewReaderSize(conn, defaultBufferSize),
		writer:          bufio.NewWriterSize(conn, defaultBufferSize),
		logger:          logger,
		idleTimeout:     cfg.IdleTimeout,
		commandTimeout:  cfg.CommandTimeout,
		logTransaction:  cfg.LogTransaction,
		violationCutoff: cfg.ViolationCutoff,
		violationDelay:  cfg.ViolationDelay,
	}

	if _, ok := conn.(*tls.Conn); ok {
		c.isTLS.Store(true)
	}

	return c
}

// Reader returns the buffered reader over the underlying socket.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer over the underlying socket. Callers
// must call Flush to push buffered bytes onto the wire.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush writes any buffered output to the underlying socket.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// Logger returns the logger bound to this connection, satisfying
// pop3.ConnectionLogger and any other protocol package's equivalent.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// IsTLS reports whether traffic on this connection is currently encrypted.
func (c *Connection) IsTLS() bool {
	return c.isTLS.Load()
}

// IsClosed reports whether Close has been called on this connection.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// PeerIP returns the host part of RemoteAddr, computed once and cached.
// Connections established over non-IP transports (net.Pipe, used in tests)
// return the address's raw string form.
func (c *Connection) PeerIP() string {
	c.peerOnce.Do(func() {
		host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
		if err != nil {
			c.peerIP = c.conn.RemoteAddr().String()
			return
		}
		c.peerIP = host
	})
	return c.peerIP
}

// DNSName resolves and caches the reverse-DNS name of the peer. It returns
// an empty string if no PTR record exists or the lookup fails. The lookup
// runs at most once per connection.
func (c *Connection) DNSName() string {
	c.dnsOnce.Do(func() {
		names, err := net.LookupAddr(c.PeerIP())
		if err != nil || len(names) == 0 {
			return
		}
		c.dnsName = names[0]
	})
	return c.dnsName
}

// UpgradeToTLS performs a server-side TLS handshake on the underlying
// socket and replaces the buffered reader/writer with ones bound to the
// encrypted stream. It returns ErrAlreadyTLS if called twice.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTLS.Load() {
		return ErrAlreadyTLS
	}

	timeout := c.commandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, defaultBufferSize)
	c.writer = bufio.NewWriterSize(tlsConn, defaultBufferSize)
	c.isTLS.Store(true)
	return nil
}

// SetCommandTimeout arms the read deadline for the next command line.
func (c *Connection) SetCommandTimeout() error {
	if c.commandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// ResetIdleTimeout re-arms the read deadline using the longer idle budget,
// called after each successfully read command.
func (c *Connection) ResetIdleTimeout() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// ChargeViolation records a protocol violation (malformed or unknown
// command). It returns true once spins+violations has exceeded the
// configured cutoff, at which point the caller should close the connection.
func (c *Connection) ChargeViolation() bool {
	if c.violationCutoff <= 0 {
		return false
	}
	total := c.violations.Add(1) + c.spins.Load()
	return int(total) > c.violationCutoff
}

// ChargeSpin records an idle spin (e.g. a blank line or a command that made
// no forward progress), counted against the same combined budget as
// violations. It returns true once spins+violations has exceeded the cutoff.
func (c *Connection) ChargeSpin() bool {
	if c.violationCutoff <= 0 {
		return false
	}
	total := c.spins.Add(1) + c.violations.Load()
	return int(total) > c.violationCutoff
}

// ResetSpins clears the spin counter, called after a known command
// dispatches successfully so only consecutive idle/invalid input accrues
// toward the cutoff.
func (c *Connection) ResetSpins() {
	c.spins.Store(0)
}

// ViolationDelay returns the configured per-violation throttle, or zero if
// none is configured.
func (c *Connection) ViolationDelay() time.Duration {
	return c.violationDelay
}

// Close closes the underlying socket. Safe to call more than once and from
// any goroutine.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
