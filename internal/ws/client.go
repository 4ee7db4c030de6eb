package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chat-core/internal/models"
	"chat-core/internal/presence"
	"chat-core/internal/repositories"
)

// ErrClientClosed is returned by Push once the connection left the Open state.
var ErrClientClosed = errors.New("websocket client closed")

// Close reasons set by the multiplexer itself.
const (
	CloseShutdown   = "shutdown"
	ClosePingFailed = "ping failed"
)

// CloseSupersededCode is the close code sent to a connection replaced by a
// newer one of the same user, so clients can tell it from a network drop.
const CloseSupersededCode = 4001

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config tunes every connection of a Handler.
type Config struct {
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// RateLimit is the sustained inbound envelopes per second; zero disables it.
	RateLimit float64
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:    25 * time.Second,
		IdleTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 << 10,
		RateLimit:       20,
		RateBurst:       40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// Sender accepts messages read from a connection.
type Sender interface {
	Send(ctx context.Context, senderID, recipientID, content string) (models.Message, error)
}

// Client is one user's websocket connection. It is the presence.Channel the
// registry hands to the delivery path.
type Client struct {
	info    ConnInfo
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	conn    *websocket.Conn
	state   atomic.Int32
	writeMu sync.Mutex

	closeOnce   sync.Once
	closeReason atomic.Value
	done        chan struct{}
}

var _ presence.Channel = (*Client)(nil)

func newClient(info ConnInfo, cfg Config, logger *zap.Logger) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		info:    info,
		cfg:     cfg,
		logger:  logger.With(zap.String("conn_id", info.ConnID)),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.info.ConnID }

func (c *Client) State() State { return State(c.state.Load()) }

// advance moves the client forward to s; a closed client never reopens.
func (c *Client) advance(s State) bool {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.conn = conn
}

// Push writes env to the connection. It fails once the client is closing.
func (c *Client) Push(ctx context.Context, env models.OutboundEnvelope) error {
	if c.State() != StateOpen {
		return ErrClientClosed
	}
	return c.writeJSON(ctx, env)
}

func (c *Client) writeJSON(ctx context.Context, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close moves the client to Closed, sends a close frame and drops the
// socket, which ends the read loop. Only the first call has an effect.
// Close never touches the presence registry.
func (c *Client) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeReason.Store(reason)
		close(c.done)
		if c.conn == nil {
			return
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode(reason), reason),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) reason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return ""
}

func closeCode(reason string) int {
	switch reason {
	case presence.CloseSuperseded:
		return CloseSupersededCode
	case CloseShutdown:
		return websocket.CloseGoingAway
	case "":
		return websocket.CloseNormalClosure
	}
	return websocket.CloseInternalServerErr
}

// pingLoop keeps intermediaries from dropping an idle but healthy socket.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				_ = c.Close(ClosePingFailed)
				return
			}
		}
	}
}

// readLoop processes inbound envelopes one at a time, in arrival order, until
// the socket fails, closes or stays silent past the idle timeout.
func (c *Client) readLoop(ctx context.Context, sender Sender) error {
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	if err := extend(); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}
		c.handleInbound(ctx, sender, data)
	}
}

func (c *Client) handleInbound(ctx context.Context, sender Sender, data []byte) {
	if !c.limiter.Allow() {
		c.reject(ctx, "too many messages", models.ErrorCodeRateLimited)
		return
	}

	var env models.InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.reject(ctx, "invalid json", models.ErrorCodeInvalidJSON)
		return
	}
	if err := models.ValidateNew(c.info.UserID, env.RecipientID, env.Message); err != nil {
		c.reject(ctx, err.Error(), models.ErrorCodeValidation)
		return
	}

	msg, err := sender.Send(ctx, c.info.UserID, env.RecipientID, env.Message)
	switch {
	case err == nil:
		c.logger.Debug("message accepted", zap.Int64("message_id", msg.ID), zap.String("status", string(msg.Status)))
	case models.IsValidation(err):
		c.reject(ctx, err.Error(), models.ErrorCodeValidation)
	case errors.Is(err, repositories.ErrStoreUnavailable):
		c.reject(ctx, "message could not be stored, try again", models.ErrorCodeStoreUnavailable)
	default:
		c.logger.Error("send failed", zap.String("recipient_id", env.RecipientID), zap.Error(err))
		c.reject(ctx, "internal error", models.ErrorCodeInternal)
	}
}

func (c *Client) reject(ctx context.Context, text, code string) {
	if err := c.writeJSON(ctx, models.ErrorEnvelope{Error: text, Code: code}); err != nil {
		c.logger.Debug("write error envelope", zap.String("code", code), zap.Error(err))
	}
}
