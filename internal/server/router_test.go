package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/vault"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const testKey = "internal-key-0123456789"

func startRouter(t *testing.T, configure func(*Router)) (*Router, *core.Authority, string) {
	t.Helper()
	a := core.New(engine.NewMemStore(nil, nil), core.Options{}, nil)
	router := NewRouter(a, testKey, nil)
	if configure != nil {
		configure(router)
	}

	go router.Listen("127.0.0.1:0")

	// Wait a bit for listener to be set
	var port string
	for i := 0; i < 20; i++ {
		time.Sleep(25 * time.Millisecond)
		router.mu.Lock()
		if router.listener != nil {
			port = fmt.Sprintf("%d", router.listener.Addr().(*net.TCPAddr).Port)
			router.mu.Unlock()
			break
		}
		router.mu.Unlock()
	}
	if port == "" {
		t.Fatalf("Server did not start in time")
	}
	t.Cleanup(func() {
		router.Stop()
		a.Close()
	})
	return router, a, "127.0.0.1:" + port
}

type lineConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *lineConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &lineConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineConn) send(line string) string {
	c.t.Helper()
	fmt.Fprintf(c.conn, "%s\n", line)
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read reply to %q: %v", line, err)
	}
	return strings.TrimRight(resp, "\n")
}

func errCode(line string) string {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[0] != "ERR" {
		return ""
	}
	return parts[1]
}

func TestRouter_RequiresAuth(t *testing.T) {
	_, _, addr := startRouter(t, nil)
	c := dial(t, addr)

	if got := c.send("PING"); got != "PONG" {
		t.Errorf("Expected PONG, got %q", got)
	}
	if got := c.send("MODULES"); errCode(got) != "UNAUTHORIZED" {
		t.Errorf("Expected UNAUTHORIZED before AUTH, got %q", got)
	}
	if got := c.send("AUTH wrong-key-0123456789"); errCode(got) != "UNAUTHORIZED" {
		t.Errorf("Expected UNAUTHORIZED for bad key, got %q", got)
	}
	if got := c.send("AUTH " + testKey); got != "OK" {
		t.Errorf("Expected OK, got %q", got)
	}
	if got := c.send("MODULES"); !strings.HasPrefix(got, "OK [") {
		t.Errorf("Expected module list, got %q", got)
	}
}

func TestRouter_ModuleCommands(t *testing.T) {
	_, a, addr := startRouter(t, nil)
	c := dial(t, addr)
	c.send("AUTH " + testKey + " tester")

	got := c.send(`PUT_CONFIG mirror {"config":{"groups":[{"name":"g1","channels":{"10":"en","20":"es"}}]}}`)
	if !strings.HasPrefix(got, "OK ") {
		t.Fatalf("Expected OK, got %q", got)
	}
	var st schema.ModuleState
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK ")), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	groups := st.Config["groups"].([]any)
	channels := groups[0].(map[string]any)["channels"].(map[string]any)
	if channels["10"] != "EN" {
		t.Errorf("Expected normalized language EN, got %v", channels["10"])
	}

	got = c.send(`PUT_CONFIG mirror {"config":{"groups":[{"name":"a","channels":{"1":"EN"}},{"name":"b","channels":{"1":"ES"}}]}}`)
	if errCode(got) != "VALIDATION_FAILED" {
		t.Fatalf("Expected VALIDATION_FAILED, got %q", got)
	}
	var body ErrorReply
	json.Unmarshal([]byte(strings.SplitN(got, " ", 3)[2]), &body)
	detail, _ := body.Detail.(map[string]any)
	if detail["rule"] != "DUPLICATE_CHANNEL" {
		t.Errorf("Expected DUPLICATE_CHANNEL detail, got %v", body.Detail)
	}

	if got := c.send("LOCK mirror maintenance window"); !strings.HasPrefix(got, "OK ") {
		t.Fatalf("Expected OK, got %q", got)
	}
	if got := c.send(`PUT_CONFIG mirror {"active":false}`); errCode(got) != "LOCKED" {
		t.Errorf("Expected LOCKED, got %q", got)
	}

	got = c.send("MODULE mirror")
	json.Unmarshal([]byte(strings.TrimPrefix(got, "OK ")), &st)
	if !st.Locked || st.LockReason != "maintenance window" || st.LockedBy != "internal:tester" {
		t.Errorf("Unexpected lock state %+v", st)
	}
	if !st.Active {
		t.Errorf("Lock must not change the active flag")
	}

	if got := c.send("UNLOCK mirror"); !strings.HasPrefix(got, "OK ") {
		t.Fatalf("Expected OK, got %q", got)
	}
	if got := c.send("MODULE nope"); errCode(got) != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND, got %q", got)
	}

	a.Audit.Wait()
	got = c.send("AUDIT 10")
	var entries []schema.AuditEntry
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK ")), &entries); err != nil {
		t.Fatalf("decode audit: %v (%q)", err, got)
	}
	if len(entries) != 3 || entries[0].Action != schema.ActionUnlock {
		t.Errorf("Expected 3 entries newest first, got %+v", entries)
	}
}

func TestRouter_RegistryCommands(t *testing.T) {
	_, _, addr := startRouter(t, nil)
	c := dial(t, addr)
	c.send("AUTH " + testKey)

	if got := c.send("HEARTBEAT relay"); errCode(got) != "NOT_REGISTERED" {
		t.Errorf("Expected NOT_REGISTERED, got %q", got)
	}
	if got := c.send(`REGISTER {"service":"relay","version":"1.0.0"}`); !strings.HasPrefix(got, "OK ") {
		t.Fatalf("Expected OK, got %q", got)
	}
	if got := c.send("HEARTBEAT relay"); got != "OK" {
		t.Errorf("Expected OK, got %q", got)
	}
	if got := c.send(`REGISTER {"service":""}`); errCode(got) != "BAD_REQUEST" {
		t.Errorf("Expected BAD_REQUEST, got %q", got)
	}

	got := c.send("STATUS")
	var st schema.Status
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK ")), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(st.Services) != 1 || !st.Services[0].IsUp || st.Services[0].Version != "1.0.0" {
		t.Errorf("Unexpected services %+v", st.Services)
	}
	if len(st.Modules) != len(schema.Manifest) {
		t.Errorf("Expected %d modules, got %d", len(schema.Manifest), len(st.Modules))
	}
}

func TestRouter_MalformedCommands(t *testing.T) {
	_, _, addr := startRouter(t, nil)
	c := dial(t, addr)
	c.send("AUTH " + testKey)

	for _, line := range []string{
		"PUT_CONFIG mirror",
		"PUT_CONFIG mirror {invalid}",
		"REGISTER nope",
		"AUDIT -1",
		"FROB",
	} {
		if got := c.send(line); errCode(got) != "BAD_REQUEST" {
			t.Errorf("%q: expected BAD_REQUEST, got %q", line, got)
		}
	}
	if got := c.send("PING"); got != "PONG" {
		t.Error("Did not receive PONG")
	}
}

func TestRouter_KeyRotation(t *testing.T) {
	router, _, addr := startRouter(t, nil)
	c := dial(t, addr)
	c.send("AUTH " + testKey)

	router.SetKey("rotated-key-0123456789")

	if got := c.send("MODULES"); !strings.HasPrefix(got, "OK ") {
		t.Errorf("Existing session should survive rotation, got %q", got)
	}
	c2 := dial(t, addr)
	if got := c2.send("AUTH " + testKey); errCode(got) != "UNAUTHORIZED" {
		t.Errorf("Old key should be rejected, got %q", got)
	}
	if got := c2.send("AUTH rotated-key-0123456789"); got != "OK" {
		t.Errorf("Expected OK with new key, got %q", got)
	}
}

func TestRouter_TLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	_, _, addr := startRouter(t, func(r *Router) { r.SetCertificate(cert) })

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	c := &lineConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
	if got := c.send("PING"); got != "PONG" {
		t.Errorf("Expected PONG over TLS, got %q", got)
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	_, _, addr := startRouter(t, nil)

	conns := make([]net.Conn, 0)
	for i := 0; i < 110; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	c := dial(t, addr)
	if got := c.send("PING"); got != "PONG" {
		t.Errorf("Router should keep serving after a burst, got %q", got)
	}
}

func TestRouter_StopIsIdempotent(t *testing.T) {
	router, _, addr := startRouter(t, nil)
	c := dial(t, addr)
	c.send("PING")

	router.Stop()
	router.Stop()

	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.reader.ReadString('\n'); err == nil {
		t.Error("Expected connection to be closed after Stop")
	}
}
