package controller

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"palisade/internal/config"
	"palisade/internal/firewall"
	"palisade/internal/logging"
	"palisade/internal/metrics"
)

const (
	handshakeTimeout = 45 * time.Second
	maxBackoff       = 30 * time.Second
)

// envelope frames every message on the controller channel.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// heartbeatMsg reports the configuration version the agent currently
// enforces; the controller answers with a config message when it differs.
type heartbeatMsg struct {
	Version string `json:"version,omitempty"`
}

// Client maintains the websocket channel to the controller: it heartbeats
// on an interval and receives configuration generations.
type Client struct {
	url      string
	insecure bool
	interval time.Duration
	log      *logging.Logger

	// version reports the currently enforced configuration version.
	version func() string
	// onConfig is invoked for every configuration the controller delivers.
	onConfig func(*firewall.FirewallConfig)

	// outbox carries agent-originated messages (device events) to the
	// active session's writer.
	outbox chan envelope
}

// New builds a client from the controller section of the agent config.
// version supplies the enforced config version for heartbeats; onConfig
// receives delivered configurations.
func New(cfg *config.ControllerConfig, version func() string, onConfig func(*firewall.FirewallConfig)) *Client {
	return &Client{
		url:      cfg.URL,
		insecure: cfg.InsecureTLS,
		interval: cfg.HeartbeatIntervalDuration(),
		log:      logging.Default().WithComponent("controller"),
		version:  version,
		onConfig: onConfig,
		outbox:   make(chan envelope, 64),
	}
}

// Publish queues an agent-originated message for the controller. Messages
// are dropped when no session can drain the queue; event reporting is best
// effort and never blocks the caller.
func (c *Client) Publish(msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Warn("cannot encode message", "type", msgType, "error", err)
		return
	}
	select {
	case c.outbox <- envelope{Type: msgType, Data: raw}:
	default:
		c.log.Warn("outbox full, dropping message", "type", msgType)
	}
}

// Run keeps a session to the controller open until ctx is cancelled,
// reconnecting with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("controller session ended", "error", err, "retry_in", backoff)
		metrics.Get().Reconnects.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials the controller, sends an immediate heartbeat and then
// alternates between interval heartbeats and the read loop until either
// side fails.
func (c *Client) session(ctx context.Context) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if c.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer conn.Close()
	c.log.Info("connected to controller", "url", c.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		// First heartbeat goes out immediately so a fresh agent gets its
		// configuration without waiting a full interval.
		if err := c.sendHeartbeat(conn); err != nil {
			conn.Close()
			return
		}
		for {
			select {
			case <-ticker.C:
				if err := c.sendHeartbeat(conn); err != nil {
					conn.Close()
					return
				}
			case env := <-c.outbox:
				if err := conn.WriteJSON(env); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read controller message: %w", err)
		}
		c.handle(env)
	}
}

func (c *Client) sendHeartbeat(conn *websocket.Conn) error {
	data, err := json.Marshal(heartbeatMsg{Version: c.version()})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(envelope{Type: "heartbeat", Data: data}); err != nil {
		return err
	}
	metrics.Get().Heartbeats.Inc()
	return nil
}

func (c *Client) handle(env envelope) {
	switch env.Type {
	case "config":
		var cfg firewall.FirewallConfig
		if err := json.Unmarshal(env.Data, &cfg); err != nil {
			c.log.Warn("malformed config message", "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			c.log.Warn("rejected config from controller", "error", err)
			return
		}
		metrics.Get().ConfigsReceived.Inc()
		c.log.Info("received configuration", "version", cfg.Version, "devices", len(cfg.Devices))
		if c.onConfig != nil {
			c.onConfig(&cfg)
		}
	case "heartbeat_ack":
		c.log.Debug("heartbeat acknowledged")
	default:
		c.log.Debug("ignoring message", "type", env.Type)
	}
}
