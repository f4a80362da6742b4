// Package ami implements the Asterisk Manager Interface transport: a TCP
// client that logs in, consumes the event stream, and sends actions.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/b24link/b24link/internal/config"
)

const (
	dialTimeout  = 10 * time.Second
	loginTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// Reconnect backoff bounds.
	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// ErrLoginRejected is returned when the manager refuses our credentials.
// It is fatal: retrying with the same secret cannot succeed.
var ErrLoginRejected = errors.New("ami: login rejected")

// Client maintains a connection to the Asterisk Manager Interface. Events
// read from the socket are delivered on the Events channel; the channel
// stays open across reconnects so call state survives a dropped link.
type Client struct {
	cfg    config.AMIConfig
	logger *slog.Logger

	events chan Event

	mu   sync.Mutex // guards conn during writes
	conn net.Conn

	connected atomic.Bool
}

// NewClient creates an AMI client for the configured endpoint.
func NewClient(cfg config.AMIConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 256),
	}
}

// Events returns the channel carrying events from the manager. It is
// closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the manager link is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects to the manager and reads events until ctx is cancelled,
// reconnecting with backoff after link failures. A rejected login is
// returned immediately as ErrLoginRejected.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	backoff := backoffMin
	for {
		err := c.connectAndRead(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrLoginRejected) {
			return err
		}

		c.logger.Error("manager link lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// connectAndRead dials, logs in, and pumps events until the link breaks or
// ctx is cancelled.
func (c *Client) connectAndRead(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Addr(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.connected.Store(false)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)

	// Banner line, e.g. "Asterisk Call Manager/5.0".
	conn.SetReadDeadline(time.Now().Add(loginTimeout))
	if _, err := reader.ReadString('\n'); err != nil {
		return fmt.Errorf("reading banner: %w", err)
	}

	if err := c.login(conn, reader); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Time{})
	c.connected.Store(true)
	c.logger.Info("manager logged in", "addr", c.cfg.Addr())

	// Close the socket when ctx is cancelled so the blocked read returns.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := c.SendAction(map[string]string{"Action": "Ping"}); err != nil {
					c.logger.Warn("manager ping failed", "error", err)
				}
			}
		}
	}()

	for {
		block, err := readBlock(reader)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		ev := parseBlock(block)
		if ev.Name == "" {
			// Action responses (Pong, Setvar acks) carry no Event header.
			continue
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event buffer full, dropping", "event", ev.Name, "uniqueid", ev.UniqueID())
		}
	}
}

// login sends the Login action and waits for the response block.
func (c *Client) login(conn net.Conn, reader *bufio.Reader) error {
	err := c.SendAction(map[string]string{
		"Action":   "Login",
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
	})
	if err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	block, err := readBlock(reader)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	resp := parseBlock(block)
	if resp.Headers["Response"] != "Success" {
		return fmt.Errorf("%w: %s", ErrLoginRejected, resp.Headers["Message"])
	}
	return nil
}

// SendAction writes an action to the manager. An ActionID is generated
// when the caller did not provide one. Responses are not awaited.
func (c *Client) SendAction(action map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("ami: not connected")
	}

	var b strings.Builder
	b.WriteString("Action: " + action["Action"] + "\r\n")
	if action["ActionID"] == "" {
		b.WriteString("ActionID: " + uuid.NewString() + "\r\n")
	}
	for key, value := range action {
		if key == "Action" {
			continue
		}
		b.WriteString(key + ": " + value + "\r\n")
	}
	b.WriteString("\r\n")

	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("writing action %s: %w", action["Action"], err)
	}
	return nil
}

// Setvar sets a channel variable on the PBX, used to rewrite the caller
// display name.
func (c *Client) Setvar(channel, variable, value string) error {
	return c.SendAction(map[string]string{
		"Action":   "Setvar",
		"Channel":  channel,
		"Variable": variable,
		"Value":    value,
	})
}

// readBlock reads header lines until the blank line terminating one AMI
// message.
func readBlock(reader *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}
