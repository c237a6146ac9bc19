// Package natsclient provides the transport adapter for the engine: it
// owns the single long-lived NATS connection and handles reconnect with
// backoff, circuit breaking, and subscription tracking.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Handler processes a delivered message. The concrete subject is passed so
// handlers on wildcard subscriptions can recover the ID token.
type Handler func(ctx context.Context, subject string, data []byte)

// subscription tracks a registered subject pattern so it can be replayed
// after a full reconnect.
type subscription struct {
	subject string
	handler Handler
	sub     *nats.Subscription
}

// Client manages the NATS connection with a circuit breaker. All engine
// components publish and subscribe through it; none touch nats.Conn
// directly.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	subs []*subscription

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects  int
	reconnectWait  time.Duration
	connectTimeout time.Duration
	publishTimeout time.Duration
	drainTimeout   time.Duration

	// Authentication - cleared on close
	username string
	password string
	token    string

	clientName string

	metrics *metric.Metrics

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// Error variables for transport conditions
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		connectTimeout:   5 * time.Second,
		publishTimeout:   2 * time.Second,
		drainTimeout:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total connection failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit backoff duration
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(status == StatusConnected)
		c.metrics.RecordCircuitBreakerState(status == StatusCircuitOpen)
	}
}

// recordFailure records a connection failure and manages the circuit breaker
func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	c.lastFailure.Store(time.Now())
	circuitFailures := c.circuitFailures.Add(1)

	c.logger.Debug("recorded transport failure",
		"total", total, "circuit_failures", circuitFailures)

	if circuitFailures < c.circuitThreshold {
		return
	}

	currentBackoff := c.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > c.maxBackoff {
		newBackoff = c.maxBackoff
	}
	c.backoff.Store(newBackoff)
	c.circuitFailures.Store(0)

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			if c.metrics != nil {
				c.metrics.RecordCircuitBreakerState(true)
			}
			c.logger.Warn("circuit breaker opened",
				"failures", circuitFailures, "backoff", currentBackoff)
			time.AfterFunc(currentBackoff, c.halfOpenCircuit)
		}
	} else {
		c.logger.Warn("circuit breaker still open, increased backoff", "backoff", newBackoff)
	}
}

// resetCircuit resets the circuit breaker after a successful operation
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpenCircuit lets the next Connect attempt through after the backoff
func (c *Client) halfOpenCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debug("circuit breaker half-open, allowing connection attempt")
		c.setStatus(StatusDisconnected)
	}
}

// buildConnectionOptions builds NATS connection options from configuration
func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.connectTimeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleAsyncError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("disconnected from NATS", "error", err)
}

func (c *Client) handleReconnect(nc *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected)
	c.logger.Warn("NATS connection closed")
}

func (c *Client) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("async NATS error", "subject", subject, "error", err)
}

// Connect establishes the connection to the NATS server and replays any
// subscriptions registered before a previous connection was lost.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	type dialResult struct {
		conn *nats.Conn
		err  error
	}
	dialDone := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		dialDone <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-dialDone:
		if res.err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}
		c.mu.Lock()
		c.conn = res.conn
		c.mu.Unlock()
	case <-ctx.Done():
		// The dial may still complete after cancellation; close the
		// orphaned connection instead of leaving it live.
		go func() {
			if res := <-dialDone; res.err == nil && res.conn != nil {
				res.conn.Close()
			}
		}()
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "url", c.url)

	if err := c.resubscribeAll(ctx); err != nil {
		return err
	}

	return nil
}

// resubscribeAll replays every tracked subscription on the current
// connection. Subscriptions survive the NATS client's own reconnects; this
// covers the case where the circuit opened and Connect built a fresh
// connection.
func (c *Client) resubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.subs {
		if s.sub != nil && s.sub.IsValid() {
			continue
		}
		sub, err := c.subscribeLocked(ctx, s.subject, s.handler)
		if err != nil {
			return errors.WrapTransient(err, "Client", "Connect",
				fmt.Sprintf("resubscribe %s", s.subject))
		}
		s.sub = sub
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. The registration is
// tracked and replayed after a full reconnect. Each delivery runs the
// handler with a bounded per-message context.
func (c *Client) Subscribe(ctx context.Context, subject string, handler Handler) error {
	if c.closed.Load() {
		return errors.ErrShuttingDown
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.subscribeLocked(ctx, subject, handler)
	if err != nil {
		return err
	}

	c.subs = append(c.subs, &subscription{subject: subject, handler: handler, sub: sub})
	return nil
}

func (c *Client) subscribeLocked(ctx context.Context, subject string, handler Handler) (*nats.Subscription, error) {
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Subject, msg.Data)
	})
}

// Publish publishes a message to a subject. The call is asynchronous: data
// is handed to the client's send buffer and never blocks beyond the
// connection's pending limits.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// Flush forces buffered publishes onto the wire, bounded by the configured
// publish timeout. Used by callers that need delivery confirmation, such as
// the audit scheduler's scan broadcast.
func (c *Client) Flush() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	if err := conn.FlushTimeout(c.publishTimeout); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush publishes")
	}
	return nil
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}

	return conn.RTT()
}

// Close drains and closes the connection, unsubscribing all tracked
// subscriptions. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	for _, s := range c.subs {
		if s.sub == nil || !s.sub.IsValid() {
			continue
		}
		if err := s.sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", fmt.Sprintf("unsubscribe %s", s.subject)))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled"))
		}

		c.conn.Close()
		c.conn = nil
	}

	// Clear credentials from memory
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// WaitForConnection blocks until the connection is healthy or ctx expires
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}
