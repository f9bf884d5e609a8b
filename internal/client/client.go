// Package client is the device side of the signaling channel: one
// websocket per identity, envelopes in both directions.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

// Handler receives everything the server pushes. OnEnvelope gets the
// call-signaling traffic (typically fed straight into a callsess.Machine);
// OnPresence gets the full-replacement presence snapshots.
type Handler interface {
	OnPresence(users []domain.UserID)
	OnEnvelope(ctx context.Context, env domain.Envelope)
	OnDisconnect()
}

type Client struct {
	self       domain.UserID
	handler    Handler
	pingPeriod time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

func New(self domain.UserID, handler Handler, pingPeriod time.Duration) *Client {
	return &Client{
		self:       self,
		handler:    handler,
		pingPeriod: pingPeriod,
		closed:     make(chan struct{}),
	}
}

// Connect dials the signaling endpoint with the identity in the query and
// starts the read and ping loops.
func (c *Client) Connect(ctx context.Context, serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	u.Path = "/api/ws/signal"
	q := u.Query()
	q.Set("uid", string(c.self))
	u.RawQuery = q.Encode()

	log.Info().Str("module", "client").Str("url", u.String()).Msg("connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop(ctx)
	go c.pingLoop()

	return nil
}

// Close shuts the channel down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Send pushes one envelope to the server. Implements callsess.Sender.
func (c *Client) Send(env domain.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("client closed")
	default:
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.Close()
		c.handler.OnDisconnect()
	}()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Info().Err(err).Str("module", "client").Msg("read error")
			}
			return
		}

		env, err := domain.ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad envelope")
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.MsgPresenceUpdate:
		c.handler.OnPresence(env.Users)
	case domain.MsgPong:
		// keepalive reply, nothing to do
	case domain.MsgError:
		log.Warn().Str("module", "client").Str("reason", env.Reason).Msg("server error")
	default:
		c.handler.OnEnvelope(ctx, env)
	}
}

func (c *Client) pingLoop() {
	if c.pingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Send(domain.Envelope{Type: domain.MsgPing}); err != nil {
				select {
				case <-c.closed:
				default:
					log.Warn().Err(err).Str("module", "client").Msg("ping error")
				}
				return
			}
		}
	}
}
