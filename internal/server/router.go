// Package server implements the internal line protocol spoken by dependent
// services and overseerctl over TCP or TLS.
//
// Every request is one line: a command word followed by arguments. Replies
// are "OK", "OK <json>", "PONG" or "ERR <CODE> <json>" where the JSON holds
// the message and optional detail. A connection must AUTH before anything
// except PING and QUIT.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/modules"
	"github.com/ismaelgtc-ship-it/relay/internal/vault"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const (
	maxConnections = 100
	connLifetime   = 5 * time.Minute
	idleTimeout    = 30 * time.Second
	maxLineBytes   = 1 << 20

	// DefaultActor is recorded in the audit log when AUTH names no actor.
	DefaultActor = "internal"
)

// ErrorReply is the JSON body of an ERR line.
type ErrorReply struct {
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

type Router struct {
	core   *core.Authority
	logger *slog.Logger
	cert   *tls.Certificate

	mu       sync.Mutex
	key      string
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewRouter(a *core.Authority, key string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		core:   a,
		logger: logger,
		key:    key,
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetKey rotates the shared secret. Connections that already
// authenticated keep their session.
func (r *Router) SetKey(key string) {
	r.mu.Lock()
	r.key = key
	r.mu.Unlock()
}

func (r *Router) checkKey(presented string) bool {
	r.mu.Lock()
	key := r.key
	r.mu.Unlock()
	return vault.SecretsEqual(presented, key)
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server on addr and blocks until Stop.
func (r *Router) Listen(addr string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()

	r.logger.Info("tcp listener started", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, maxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Debug("accept failed", "error", err)
			continue
		}

		conn.SetDeadline(time.Now().Add(connLifetime))

		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return. It is safe to call more than once.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.cancel()
	if r.listener != nil {
		r.listener.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *Router) untrack(c net.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// session is the per-connection state.
type session struct {
	authed bool
	actor  string
}

// HandleConnection serves one client until it sends QUIT, goes idle or the
// router stops.
func (r *Router) HandleConnection(conn net.Conn) {
	if !r.track(conn) {
		return
	}
	defer r.untrack(conn)

	remote := conn.RemoteAddr().String()
	reader := bufio.NewReaderSize(conn, 4096)
	w := bufio.NewWriter(conn)
	sess := &session{}

	for {
		// Set a deadline for the next command
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug("connection closed", "remote", remote, "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if quit := r.dispatch(sess, line, w); quit {
			w.Flush()
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func readLine(reader *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxLineBytes {
			return "", fmt.Errorf("line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func (r *Router) dispatch(sess *session, line string, w io.Writer) bool {
	command, rest, _ := strings.Cut(line, " ")
	command = strings.ToUpper(command)
	rest = strings.TrimSpace(rest)

	switch command {
	case "PING":
		fmt.Fprintln(w, "PONG")
		return false
	case "QUIT":
		return true
	case "AUTH":
		key, actor, _ := strings.Cut(rest, " ")
		if !r.checkKey(key) {
			writeErr(w, apperr.New(apperr.Unauthorized, "invalid key"))
			return false
		}
		sess.authed = true
		sess.actor = DefaultActor
		if actor = strings.TrimSpace(actor); actor != "" {
			sess.actor = DefaultActor + ":" + actor
		}
		fmt.Fprintln(w, "OK")
		return false
	}

	if !sess.authed {
		writeErr(w, apperr.New(apperr.Unauthorized, "AUTH required"))
		return false
	}

	ctx := r.ctx
	caller := modules.Caller{Actor: sess.actor}
	out := func(v any, err error) { r.reply(w, command, v, err) }

	switch command {
	case "REGISTER":
		var req schema.RegisterRequest
		if err := json.Unmarshal([]byte(rest), &req); err != nil {
			writeErr(w, apperr.Wrap(apperr.BadRequest, err, "invalid json value"))
			return false
		}
		out(r.core.Registry.Register(ctx, req))

	case "HEARTBEAT":
		if rest == "" {
			writeErr(w, apperr.New(apperr.BadRequest, "usage: HEARTBEAT <service>"))
			return false
		}
		ok, err := r.core.Registry.Heartbeat(ctx, rest)
		switch {
		case err != nil:
			r.writeFailure(w, command, err)
		case !ok:
			writeErr(w, apperr.New(apperr.NotRegistered, "service %q is not registered", rest))
		default:
			fmt.Fprintln(w, "OK")
		}

	case "MODULE":
		if rest == "" {
			writeErr(w, apperr.New(apperr.BadRequest, "usage: MODULE <name>"))
			return false
		}
		out(r.core.Modules.Get(ctx, rest))

	case "MODULES":
		out(r.core.Modules.List(ctx))

	case "PUT_CONFIG":
		name, body, _ := strings.Cut(rest, " ")
		if name == "" || strings.TrimSpace(body) == "" {
			writeErr(w, apperr.New(apperr.BadRequest, "usage: PUT_CONFIG <name> <json>"))
			return false
		}
		var patch schema.ConfigPatch
		if err := json.Unmarshal([]byte(body), &patch); err != nil {
			writeErr(w, apperr.Wrap(apperr.BadRequest, err, "invalid json value"))
			return false
		}
		out(r.core.Modules.PutConfig(ctx, name, patch, caller))

	case "LOCK", "UNLOCK":
		name, reason, _ := strings.Cut(rest, " ")
		if name == "" {
			writeErr(w, apperr.New(apperr.BadRequest, "usage: %s <name> [reason]", command))
			return false
		}
		req := schema.LockRequest{Locked: command == "LOCK", Reason: strings.TrimSpace(reason)}
		out(r.core.Modules.SetLock(ctx, name, req, caller))

	case "STATUS":
		out(r.core.Status(ctx, true))

	case "AUDIT":
		limit := 0
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 0 {
				writeErr(w, apperr.New(apperr.BadRequest, "limit must be a non-negative integer"))
				return false
			}
			limit = n
		}
		out(r.core.Audit.List(ctx, limit))

	default:
		writeErr(w, apperr.New(apperr.BadRequest, "unknown command %q", command))
	}
	return false
}

func (r *Router) reply(w io.Writer, command string, v any, err error) {
	if err != nil {
		r.writeFailure(w, command, err)
		return
	}
	res, err := json.Marshal(v)
	if err != nil {
		r.writeFailure(w, command, apperr.Wrap(apperr.Internal, err, "encode reply"))
		return
	}
	fmt.Fprintln(w, "OK", string(res))
}

func (r *Router) writeFailure(w io.Writer, command string, err error) {
	if apperr.CodeOf(err) == apperr.Internal {
		r.logger.Error("command failed", "command", command, "error", err)
	}
	writeErr(w, err)
}

func writeErr(w io.Writer, err error) {
	code := apperr.CodeOf(err)
	body := ErrorReply{Message: err.Error(), Detail: apperr.DetailOf(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
	}
	res, mErr := json.Marshal(body)
	if mErr != nil {
		res, _ = json.Marshal(ErrorReply{Message: err.Error()})
	}
	fmt.Fprintln(w, "ERR", string(code), string(res))
}
