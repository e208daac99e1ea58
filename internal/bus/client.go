// Package bus wraps the NATS connection used to fan out pipeline stage
// events to presentation layers and the journal feed.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/protocol"
)

// Client wraps a NATS connection with the stage event helpers the
// pipeline and runtime need.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("lectern-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishStageEvent broadcasts one session lifecycle event on the
// session's subject. It satisfies the pipeline's Publisher interface.
func (c *Client) PublishStageEvent(evt protocol.StageEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	if err := c.conn.Publish(protocol.SubjectStageEvent(evt.SessionID), data); err != nil {
		return fmt.Errorf("publish stage event: %w", err)
	}
	return nil
}

// SubscribeStageEvents delivers every session's stage events to
// handler. Malformed payloads are logged and dropped.
func (c *Client) SubscribeStageEvents(handler func(protocol.StageEvent)) (*nats.Subscription, error) {
	return c.conn.Subscribe(protocol.SubjectStageEventWildcard, func(msg *nats.Msg) {
		var evt protocol.StageEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			c.log.Warn("dropping malformed stage event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		handler(evt)
	})
}
