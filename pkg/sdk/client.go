// Package sdk provides the client-side library for talking to the overseer
// authority. It supports remote connections over TCP/TLS and an embedded
// standalone mode.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const (
	maxAttempts      = 3
	defaultOpTimeout = 30 * time.Second
)

// Options configures a remote Client.
type Options struct {
	Addr string
	Key  string
	// Actor is recorded in the authority's audit log.
	Actor string
	TLS   bool
	// InsecureSkipVerify accepts the authority's self-signed certificate.
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	Logger             *slog.Logger
}

// Client is a remote client for the overseer line protocol.
// It implements the Gateway interface.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex // Protects concurrent access to the connection
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient returns a Client that dials lazily on the first command.
func NewClient(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{opts: opts, logger: logger}
}

// Connect establishes and authenticates a connection to a remote overseer.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	c := NewClient(opts)
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   c.opts.DialTimeout,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.opts.TLS {
		config := &tls.Config{
			InsecureSkipVerify: c.opts.InsecureSkipVerify, // self-signed certs for internal traffic
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.opts.Addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.opts.Addr)
	}
	if err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	conn.SetDeadline(time.Now().Add(c.opts.DialTimeout))
	auth := "AUTH " + c.opts.Key
	if c.opts.Actor != "" {
		auth += " " + c.opts.Actor
	}
	if _, err := fmt.Fprint(conn, auth+"\n"); err != nil {
		conn.Close()
		return err
	}
	resp, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return err
	}
	if err := parseErr(strings.TrimSpace(resp)); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.reader = reader
	return nil
}

// sendAndReceive writes one command and returns the reply payload after the
// status word. Transport failures are retried on a fresh connection;
// replies from the authority are returned as typed errors without retry.
func (c *Client) sendAndReceive(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < maxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", apperr.FromContext(ctxErr, "overseer call")
		}

		if c.conn == nil {
			if err = c.reconnect(); err != nil {
				var typed *apperr.Error
				if errors.As(err, &typed) {
					return "", err
				}
				c.logger.Debug("overseer connect failed", "attempt", i+1, "error", err)
				if !sleep(ctx, time.Duration((i+1)*200)*time.Millisecond) {
					break
				}
				continue
			}
		}

		deadline := time.Now().Add(defaultOpTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.SetDeadline(deadline)

		var resp string
		if _, err = fmt.Fprint(c.conn, cmd+"\n"); err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				if perr := parseErr(resp); perr != nil {
					return "", perr
				}
				_, payload, _ := strings.Cut(resp, " ")
				return payload, nil
			}
		}

		c.logger.Debug("overseer call failed, reconnecting", "attempt", i+1, "error", err)
		c.conn.Close()
		c.conn = nil

		// Wait before retrying (linear backoff)
		if !sleep(ctx, time.Duration((i+1)*200)*time.Millisecond) {
			break
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", apperr.FromContext(ctxErr, "overseer call")
	}
	return "", apperr.Wrap(apperr.UpstreamUnavailable, err, "overseer unreachable after %d attempts", maxAttempts)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseErr turns an "ERR CODE {json}" reply into a typed error.
func parseErr(resp string) error {
	rest, found := strings.CutPrefix(resp, "ERR ")
	if !found {
		return nil
	}
	code, body, _ := strings.Cut(rest, " ")
	var reply struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		reply.Message = body
	}
	e := apperr.New(apperr.Code(code), "%s", reply.Message)
	if reply.Detail != nil {
		e = e.WithDetail(reply.Detail)
	}
	return e
}

func call[T any](ctx context.Context, c *Client, cmd string) (T, error) {
	var out T
	payload, err := c.sendAndReceive(ctx, cmd)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, apperr.Wrap(apperr.Internal, err, "decode reply to %s", strings.Fields(cmd)[0])
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sendAndReceive(ctx, "PING")
	return err
}

func (c *Client) Register(ctx context.Context, req schema.RegisterRequest) (schema.ServiceRegistration, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return schema.ServiceRegistration{}, err
	}
	return call[schema.ServiceRegistration](ctx, c, "REGISTER "+string(body))
}

func (c *Client) Heartbeat(ctx context.Context, service string) (bool, error) {
	_, err := c.sendAndReceive(ctx, "HEARTBEAT "+service)
	if apperr.Is(err, apperr.NotRegistered) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) Module(ctx context.Context, name string) (schema.ModuleState, error) {
	return call[schema.ModuleState](ctx, c, "MODULE "+name)
}

func (c *Client) Modules(ctx context.Context) ([]schema.ModuleState, error) {
	return call[[]schema.ModuleState](ctx, c, "MODULES")
}

func (c *Client) PutConfig(ctx context.Context, name string, patch schema.ConfigPatch) (schema.ModuleState, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return schema.ModuleState{}, err
	}
	return call[schema.ModuleState](ctx, c, fmt.Sprintf("PUT_CONFIG %s %s", name, body))
}

func (c *Client) Lock(ctx context.Context, name, reason string) (schema.ModuleState, error) {
	cmd := "LOCK " + name
	if reason = strings.Join(strings.Fields(reason), " "); reason != "" {
		cmd += " " + reason
	}
	return call[schema.ModuleState](ctx, c, cmd)
}

func (c *Client) Unlock(ctx context.Context, name string) (schema.ModuleState, error) {
	return call[schema.ModuleState](ctx, c, "UNLOCK "+name)
}

func (c *Client) Status(ctx context.Context) (schema.Status, error) {
	return call[schema.Status](ctx, c, "STATUS")
}

func (c *Client) Audit(ctx context.Context, limit int) ([]schema.AuditEntry, error) {
	return call[[]schema.AuditEntry](ctx, c, "AUDIT "+strconv.Itoa(limit))
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
