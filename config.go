package rethinkconn

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultHost is used when no host is configured.
	DefaultHost = "localhost"
	// DefaultPort is the standard RethinkDB client-driver port.
	DefaultPort = 28015
	// DefaultUser is used when no credentials are configured.
	DefaultUser = "admin"
	// DefaultConnectTimeout bounds dialing and the handshake.
	DefaultConnectTimeout = 20000 * time.Millisecond
	// DefaultQueryTimeout bounds how long a single query waits for a
	// response before the driver cancels it with ErrKindTimeout.
	DefaultQueryTimeout = 5000 * time.Millisecond
	// DefaultCallTimeout bounds how long a caller can wait on the driver
	// loop itself for any one operation, as a backstop independent of
	// DefaultQueryTimeout — applied only when the caller's own context
	// carries no deadline.
	DefaultCallTimeout = time.Hour
)

// TCPOptions mirrors the handful of socket knobs real drivers expose:
// NoDelay disables Nagle's algorithm, KeepAlive enables OS keepalive with
// that period (zero leaves the socket's keepalive setting as the dialer
// left it).
type TCPOptions struct {
	NoDelay   bool
	KeepAlive time.Duration
}

// Config holds everything needed to dial and authenticate a Connection.
// Zero value is not usable directly; build one with defaultConfig and
// Options, mirroring the functional-options pattern used throughout this
// module's transport layer.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	host string
	port int

	user     string
	password string

	connectTimeout time.Duration
	queryTimeout   time.Duration
	callTimeout    time.Duration

	tcp TCPOptions

	dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	log *logrus.Logger

	metrics Metrics
}

// Option configures a Config produced by defaultConfig.
type Option func(*Config)

// WithHost sets the server hostname or IP literal.
func WithHost(host string) Option {
	return func(c *Config) { c.host = host }
}

// WithPort sets the server port.
func WithPort(port int) Option {
	return func(c *Config) { c.port = port }
}

// WithCredentials sets the SCRAM username and password.
func WithCredentials(user, password string) Option {
	return func(c *Config) {
		c.user = user
		c.password = password
	}
}

// WithConnectTimeout overrides how long Connect waits for the dial and
// handshake to complete (the driver's "timeout_ms" option).
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.connectTimeout = d }
}

// WithQueryTimeout overrides the per-query timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) { c.queryTimeout = d }
}

// WithCallTimeout overrides the whole-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.callTimeout = d }
}

// WithTCPOptions overrides the socket-level options used when dialing.
func WithTCPOptions(opts TCPOptions) Option {
	return func(c *Config) { c.tcp = opts }
}

// WithContext sets the base context whose cancellation tears down the
// connection's background goroutines.
func WithContext(ctx context.Context) Option {
	return func(c *Config) { c.ctx = ctx }
}

// WithDialer overrides how the driver opens the underlying net.Conn,
// letting callers substitute an azrelay tunnel (or a test net.Pipe) for a
// plain TCP dial.
func WithDialer(dialer func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *Config) { c.dialer = dialer }
}

// WithLogger injects a logrus logger for wire-level tracing. A nil logger
// (the default) disables tracing entirely.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Config) { c.log = log }
}

// WithMetrics injects a Metrics sink; defaults to DefaultMetrics when unset.
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.metrics = m }
}

func defaultConfig() *Config {
	return &Config{
		ctx:            context.Background(),
		host:           DefaultHost,
		port:           DefaultPort,
		user:           DefaultUser,
		connectTimeout: DefaultConnectTimeout,
		queryTimeout:   DefaultQueryTimeout,
		callTimeout:    DefaultCallTimeout,
		tcp:            TCPOptions{NoDelay: true},
		dialer:         defaultDialer,
		metrics:        NewDefaultMetrics(),
	}
}

func defaultDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}
