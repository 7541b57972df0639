package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/udisondev/habproxy/internal/constants"
	"github.com/udisondev/habproxy/internal/filter"
	"github.com/udisondev/habproxy/internal/observer"
	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/triggers"
)

// ErrNotConnected is returned by injection when no session is running.
var ErrNotConnected = errors.New("no active session")

// Redirector points the game host at the local listener and back.
type Redirector interface {
	Redirect(host string) error
	Restore(host string) error
}

// Resolver looks up the real address of the game host.
type Resolver func(ctx context.Context, host string) (string, error)

// Config describes the game endpoint and where the proxy listens for the client.
type Config struct {
	Host string
	Port int

	// ListenAddress is the bind host for the client listener.
	ListenAddress string
	// ListenPort defaults to Port, which is what a redirected client dials.
	ListenPort int

	DialTimeout time.Duration
	// PolicyTimeout bounds how long an accepted socket may stay silent
	// before the proxy decides what it is. Zero means no limit.
	PolicyTimeout time.Duration
}

func (c Config) listenAddr() string {
	port := c.ListenPort
	if port == 0 {
		port = c.Port
	}
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(port))
}

// Disconnect describes a finished session.
type Disconnect struct {
	Relay *Relay
	// Err is nil for a clean disconnect.
	Err error
}

// Option configures a Connection.
type Option func(*Connection)

// WithRedirector sets the host redirection collaborator. Without one the
// client is expected to dial the listener directly.
func WithRedirector(r Redirector) Option {
	return func(c *Connection) { c.redirector = r }
}

// WithResolver replaces DNS resolution of the game host.
func WithResolver(r Resolver) Option {
	return func(c *Connection) { c.resolve = r }
}

// WithFilters shares chain with every session.
func WithFilters(chain *filter.Chain) Option {
	return func(c *Connection) { c.chain = chain }
}

// WithCorrelator shares correlator with every session, so learned headers
// survive reconnects.
func WithCorrelator(corr *triggers.Correlator) Option {
	return func(c *Connection) { c.correlator = corr }
}

// Connection owns the lifecycle of relayed sessions to one game host:
// resolve, redirect, listen, accept, dial, relay, restore.
type Connection struct {
	cfg        Config
	redirector Redirector
	resolve    Resolver
	chain      *filter.Chain
	correlator *triggers.Correlator

	connected    observer.Observers[*Relay]
	disconnected observer.Observers[Disconnect]

	mu       sync.Mutex
	listener net.Listener
	current  *Relay
}

// NewConnection creates a connection for cfg.
func NewConnection(cfg Config, opts ...Option) *Connection {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1"
	}
	c := &Connection{
		cfg:        cfg,
		redirector: noRedirect{},
		resolve:    resolveHost,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.chain == nil {
		c.chain = filter.NewChain()
	}
	if c.correlator == nil {
		c.correlator = triggers.NewCorrelator()
	}
	return c
}

// Filters returns the chain shared by all sessions.
func (c *Connection) Filters() *filter.Chain { return c.chain }

// Correlator returns the correlator shared by all sessions.
func (c *Connection) Correlator() *triggers.Correlator { return c.correlator }

// OnConnected registers fn for every new session. fn runs on the session
// goroutine before the first frame is read, so it may attach data observers
// and ciphers to the relay.
func (c *Connection) OnConnected(fn func(*Relay)) (remove func()) {
	return c.connected.Add(fn)
}

// OnDisconnected registers fn for every finished session. fn runs on the
// session goroutine after both pumps have stopped.
func (c *Connection) OnDisconnected(fn func(Disconnect)) (remove func()) {
	return c.disconnected.Add(fn)
}

// Addr возвращает адрес, на котором слушает прокси.
// Возвращает nil если прокси сейчас не ждёт клиента.
func (c *Connection) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Relay returns the running session, or nil.
func (c *Connection) Relay() *Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// IsConnected reports whether a session is running.
func (c *Connection) IsConnected() bool {
	return c.Relay() != nil
}

// SendToServer injects msg into the running session.
func (c *Connection) SendToServer(msg *protocol.Message) error {
	r := c.Relay()
	if r == nil {
		return ErrNotConnected
	}
	return r.SendToServer(msg)
}

// SendToClient injects msg into the running session.
func (c *Connection) SendToClient(msg *protocol.Message) error {
	r := c.Relay()
	if r == nil {
		return ErrNotConnected
	}
	return r.SendToClient(msg)
}

// Serve runs sessions back to back until ctx is cancelled. Failures before a
// client connects (resolution, redirection, listening) are returned; a failed
// session is logged and the next one starts.
func (c *Connection) Serve(ctx context.Context) error {
	for {
		started, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !started {
			return err
		}
		if err != nil {
			slog.Error("session failed", "host", c.cfg.Host, "err", err)
		}
	}
}

// Connect runs exactly one session and returns when it ends.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

func (c *Connection) session(ctx context.Context) (started bool, err error) {
	host := c.cfg.Host
	ip, err := c.resolve(ctx, host)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", host, err)
	}
	remoteAddr := net.JoinHostPort(ip, strconv.Itoa(c.cfg.Port))

	if err := c.redirector.Redirect(host); err != nil {
		return false, fmt.Errorf("redirecting %s: %w", host, err)
	}
	restore := sync.OnceFunc(func() {
		if err := c.redirector.Restore(host); err != nil {
			slog.Error("restoring host redirection", "host", host, "err", err)
		}
	})
	defer restore()

	local, err := c.acceptClient(ctx)
	if err != nil {
		return false, err
	}
	restore()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	remote, err := dialer.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		_ = local.Close()
		return true, fmt.Errorf("dialing %s: %w", remoteAddr, err)
	}

	c.correlator.ResetHistory()
	r := New(local, remote, c.chain, c.correlator)

	c.mu.Lock()
	c.current = r
	c.mu.Unlock()

	slog.Info("session started",
		"client", local.RemoteAddr(),
		"server", remoteAddr,
		"host", host)
	c.connected.Notify(r)

	err = r.Run(ctx)

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	if err != nil {
		slog.Error("session ended", "server", remoteAddr, "err", err)
	} else {
		slog.Info("session ended", "server", remoteAddr)
	}
	c.disconnected.Notify(Disconnect{Relay: r, Err: err})
	return true, err
}

// acceptClient listens until the game client connects. Flash policy requests
// arriving first are answered and their sockets closed.
func (c *Connection) acceptClient(ctx context.Context) (net.Conn, error) {
	addr := c.cfg.listenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.listener = nil
		c.mu.Unlock()
		_ = ln.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	slog.Info("waiting for client", "addr", ln.Addr(), "host", c.cfg.Host)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accepting client: %w", err)
		}

		client, ok := c.classify(conn)
		if ok {
			return client, nil
		}
	}
}

// classify peeks at the first byte of conn. A policy request is answered and
// the socket closed; anything else is the game connection.
func (c *Connection) classify(conn net.Conn) (net.Conn, bool) {
	if c.cfg.PolicyTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PolicyTimeout))
	}
	br := bufio.NewReaderSize(conn, constants.DefaultReadBufSize)
	first, err := br.Peek(1)
	if err != nil {
		slog.Debug("client socket closed before sending", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return nil, false
	}

	if first[0] == constants.PolicyRequest[0] {
		if err := answerPolicy(conn, br); err != nil {
			slog.Warn("answering policy request", "remote", conn.RemoteAddr(), "err", err)
		} else {
			slog.Debug("policy request answered", "remote", conn.RemoteAddr())
		}
		_ = conn.Close()
		return nil, false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return &bufferedConn{Conn: conn, r: br}, true
}

func answerPolicy(conn net.Conn, br *bufio.Reader) error {
	if _, err := br.ReadString(0); err != nil {
		return fmt.Errorf("reading policy request: %w", err)
	}
	if _, err := conn.Write([]byte(constants.PolicyResponse)); err != nil {
		return fmt.Errorf("writing policy response: %w", err)
	}
	return nil
}

// bufferedConn replays bytes peeked during classification.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func resolveHost(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP.String(), nil
		}
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].IP.String(), nil
}

type noRedirect struct{}

func (noRedirect) Redirect(string) error { return nil }
func (noRedirect) Restore(string) error  { return nil }
