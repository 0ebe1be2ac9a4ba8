// Package clientapp wires a DealerSocket to a display.Display: dial the
// Collector's client endpoint, say hello, and hand every decoded message to
// the UI collaborator in arrival order.
package clientapp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/display"
	"github.com/danielrobbins/hostbeacon/internal/keys"
	"github.com/danielrobbins/hostbeacon/internal/protocol"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

// Config bundles a Client's collaborators.
type Config struct {
	Log          zerolog.Logger
	CollectorURL string
	KeyProvider  keys.Provider
	Display      display.Display
}

// Client drives the viewer connection: reconnect on drop, re-send hello,
// forward everything it decodes to Display.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	recvCh chan [][]byte
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "client").Logger(),
		recvCh: make(chan [][]byte, 64),
	}
}

// Run connects and processes messages until ctx is cancelled, reconnecting
// with backoff on any drop.
func (c *Client) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 1 * time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("connect failed, retrying")
			wait := retry.NextBackOff()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retry.Reset()

		c.runConnected(ctx, conn)
	}
}

func (c *Client) connect(ctx context.Context) (*wiresocket.DealerSocket, error) {
	localPub, localSec, err := c.cfg.KeyProvider.LoadLocalKeypair(keys.RoleClient)
	if err != nil {
		return nil, fmt.Errorf("load local keypair: %w", err)
	}
	collectorPub, err := c.cfg.KeyProvider.LoadRemotePublic(keys.RoleCollector)
	if err != nil {
		return nil, fmt.Errorf("load collector public key: %w", err)
	}

	onRecv := func(frames [][]byte, _ wiresocket.PeerID) {
		select {
		case c.recvCh <- frames:
		default:
			c.log.Warn().Msg("receive queue full, dropping frame")
		}
	}

	conn := wiresocket.NewDealerSocket(c.log, c.cfg.CollectorURL, localPub, localSec, collectorPub, onRecv)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	hello, err := protocol.Encode(protocol.Control{Kind: protocol.KindHello})
	if err != nil {
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	if st := conn.Send(hello); st != wiresocket.StatusOK {
		c.log.Warn().Msg("failed to send initial hello")
	}
	return conn, nil
}

func (c *Client) runConnected(ctx context.Context, conn *wiresocket.DealerSocket) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case frames := <-c.recvCh:
			msg, err := protocol.Decode(frames)
			if err != nil {
				c.log.Info().Err(err).Msg("dropping malformed frame")
				continue
			}
			c.cfg.Display.Show(msg)
		}
	}
}
