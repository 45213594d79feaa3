package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"

	"github.com/ptoivanen/ranksync/internal/order"
)

// ErrNotConnected indicates a send was attempted while the connection is
// down. The caller's intent stays queued; it is not lost.
var ErrNotConnected = errors.New("transport: not connected")

// Client maintains a websocket connection to the reconciliation server,
// reconnecting with capped exponential backoff, and re-subscribing its
// scopes after every reconnect. Incoming acks and rebalances are delivered
// through the OnAck and OnRebalance callbacks from the read loop goroutine.
type Client struct {
	url    string
	logger *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	// OnAck receives each reconciliation outcome. Set before Run.
	OnAck func(*AckPayload)
	// OnUpdate receives authoritative positions for subscribed scopes,
	// both other writers' resolved mutations and the snapshot answering a
	// subscribe. Set before Run.
	OnUpdate func(*UpdatePayload)
	// OnRebalance receives each scope re-spacing. Set before Run.
	OnRebalance func(*RebalancePayload)
	// OnConnect fires after every successful (re)connect and re-subscribe,
	// letting the owner flush its queued intents.
	OnConnect func()

	mu     sync.Mutex
	conn   *websocket.Conn
	scopes map[order.ScopeKey]struct{}

	// writeMu serializes frame writes; the websocket permits only one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewClient creates a Client for the given websocket URL.
func NewClient(url string, initialBackoff, maxBackoff time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		url:            url,
		logger:         logger,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		scopes:         make(map[order.ScopeKey]struct{}),
	}
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// Subscribe registers interest in a scope. The subscription is sent
// immediately when connected and replayed after every reconnect.
func (c *Client) Subscribe(ctx context.Context, scope order.ScopeKey) error {
	c.mu.Lock()
	c.scopes[scope] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return c.writeSubscribe(ctx, conn, scope)
}

// SendIntent submits one mutation intent. Returns ErrNotConnected while
// offline; the outcome arrives later through OnAck.
func (c *Client) SendIntent(ctx context.Context, intent *order.MutationIntent) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	env := &Envelope{Type: MessageIntent, Intent: IntentFromMutation(intent)}
	if err := c.write(ctx, conn, env); err != nil {
		return fmt.Errorf("send intent %s: %w", intent.ID, err)
	}

	return nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return wsjson.Write(ctx, conn, env)
}

// Run connects and serves the read loop, reconnecting until the context is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.conn = conn
		scopes := make([]order.ScopeKey, 0, len(c.scopes))
		for scope := range c.scopes {
			scopes = append(scopes, scope)
		}
		c.mu.Unlock()

		resubOK := true

		for _, scope := range scopes {
			if err := c.writeSubscribe(ctx, conn, scope); err != nil {
				c.logger.Warn("re-subscribe failed", "scope", scope.String(), "error", err)

				resubOK = false

				break
			}
		}

		if resubOK {
			if c.OnConnect != nil {
				c.OnConnect()
			}

			c.readLoop(ctx, conn)
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Info("connection lost, reconnecting")
	}
}

// connect dials with capped exponential backoff until it succeeds or the
// context is cancelled.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	backoff := retry.WithCappedDuration(c.maxBackoff, retry.NewExponential(c.initialBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialed, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug("dial failed, backing off", "url", c.url, "error", err)

			return retry.RetryableError(err)
		}

		conn = dialed

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.url, err)
	}

	c.logger.Info("connected", "url", c.url)

	return conn, nil
}

// readLoop dispatches incoming frames until the connection drops.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope

		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}

		switch env.Type {
		case MessageAck:
			if env.Ack != nil && c.OnAck != nil {
				c.OnAck(env.Ack)
			}

		case MessageUpdate:
			if env.Update != nil && c.OnUpdate != nil {
				c.OnUpdate(env.Update)
			}

		case MessageRebalance:
			if env.Rebalance != nil && c.OnRebalance != nil {
				c.OnRebalance(env.Rebalance)
			}

		case MessageError:
			if env.Error != nil {
				c.logger.Warn("server error",
					"intent_id", env.Error.IntentID, "message", env.Error.Message)
			}

		default:
			c.logger.Debug("unexpected message type", "type", string(env.Type))
		}
	}
}

func (c *Client) writeSubscribe(ctx context.Context, conn *websocket.Conn, scope order.ScopeKey) error {
	env := &Envelope{
		Type: MessageSubscribe,
		Subscribe: &SubscribePayload{
			ListID:   scope.ListID,
			ParentID: scope.ParentID,
		},
	}

	if err := c.write(ctx, conn, env); err != nil {
		return fmt.Errorf("subscribe %s: %w", scope, err)
	}

	return nil
}
