package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/agentrelay/internal/auth"
	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/capability"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	httpapi "github.com/nextlevelbuilder/agentrelay/internal/http"
	"github.com/nextlevelbuilder/agentrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

const testSecret = "initial-secret"

type relayFixture struct {
	srv        *Server
	ts         *httptest.Server
	cfg        *config.Config
	configPath string
	pairing    *capability.PairingCodes
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	dir := t.TempDir()
	stores, err := sqlite.NewStores(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	cfg := config.Default()
	cfg.SetToken(testSecret)
	configPath := filepath.Join(dir, "config.json")
	if err := config.Save(configPath, cfg); err != nil {
		t.Fatal(err)
	}

	guard := auth.NewGuard(testSecret)
	pairing := capability.NewPairingCodes(time.Minute)
	s := NewServer(cfg, configPath, guard, pairing, stores.Events, bus.New())
	s.SetEventsHandler(httpapi.NewEventsHandler(guard, stores.Events, 0))
	s.SetAdminHandler(httpapi.NewAdminHandler(guard, nil, s, s, stores.Events, nil, 30))

	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(func() {
		s.Registry().CloseAll(int(websocket.StatusGoingAway), "test done")
		ts.Close()
	})
	return &relayFixture{srv: s, ts: ts, cfg: cfg, configPath: configPath, pairing: pairing}
}

func (f *relayFixture) wsURL(path, token string) string {
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
	if token != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + "token=" + token
	}
	return u
}

func (f *relayFixture) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, f.wsURL(path, token), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (f *relayFixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("GET", f.ts.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until match returns true, failing after a timeout.
func readUntil(t *testing.T, c *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("frame %s: %v", data, err)
		}
		if match(m) {
			return m
		}
	}
}

func frameType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func TestUpgradeRequiresSecret(t *testing.T) {
	f := newRelayFixture(t)
	for _, tok := range []string{"", "wrong", testSecret + "x"} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, resp, err := websocket.Dial(ctx, f.wsURL("/ws", tok), nil)
		cancel()
		if err == nil {
			t.Fatalf("token %q: dial succeeded", tok)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: resp = %v", tok, resp)
		}
	}

	// Bearer header works as well as the query parameter.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, f.wsURL("/ws/bridge", ""), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testSecret}},
	})
	if err != nil {
		t.Fatalf("bearer dial: %v", err)
	}
	c.CloseNow()
}

func TestHelloAndPeerNotifications(t *testing.T) {
	f := newRelayFixture(t)
	client := f.dial(t, "/ws", testSecret)
	hello := readUntil(t, client, frameType(protocol.FrameHello))
	if hello["role"] != string(RoleClient) || hello["connectionId"] == "" {
		t.Errorf("hello = %v", hello)
	}
	readUntil(t, client, frameType(protocol.FramePeers))

	bridge := f.dial(t, "/ws/bridge?peerId=mac-1&host=studio&platform=darwin", testSecret)
	bhello := readUntil(t, bridge, frameType(protocol.FrameHello))
	if peer, _ := bhello["peer"].(map[string]any); peer["id"] != "mac-1" || peer["platform"] != "darwin" {
		t.Errorf("bridge hello = %v", bhello)
	}
	added := readUntil(t, client, frameType(protocol.FramePeerAdded))
	if peer, _ := added["peer"].(map[string]any); peer["host"] != "studio" {
		t.Errorf("peer.added = %v", added)
	}

	bridge.Close(websocket.StatusNormalClosure, "bye")
	removed := readUntil(t, client, frameType(protocol.FramePeerRemoved))
	if peer, _ := removed["peer"].(map[string]any); peer["id"] != "mac-1" {
		t.Errorf("peer.removed = %v", removed)
	}
}

func TestScenarioSubscribeRouteReplay(t *testing.T) {
	f := newRelayFixture(t)

	client := f.dial(t, "/ws", testSecret)
	send(t, client, map[string]any{"type": protocol.FrameSubscribe, "threadId": "abc"})
	readUntil(t, client, frameType(protocol.FrameSubscribed))

	bridge := f.dial(t, "/ws/bridge?peerId=mac", testSecret)
	send(t, bridge, map[string]any{"type": protocol.FrameSubscribe, "threadId": "abc"})
	readUntil(t, bridge, frameType(protocol.FrameSubscribed))

	send(t, client, map[string]any{"method": "turn/start", "id": 1, "threadId": "abc"})
	got := readUntil(t, bridge, func(m map[string]any) bool { return m["method"] == "turn/start" })
	if got["threadId"] != "abc" {
		t.Errorf("bridge got %v", got)
	}

	send(t, bridge, map[string]any{"id": 1, "result": map[string]any{"turn": map[string]any{"id": "t1"}}, "threadId": "abc"})
	reply := readUntil(t, client, func(m map[string]any) bool { return m["result"] != nil })
	if reply["threadId"] != "abc" {
		t.Errorf("client got %v", reply)
	}

	resp := f.get(t, "/api/threads/abc/events?order=asc", testSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	var lines []protocol.StoredEnvelope
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var env protocol.StoredEnvelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, env)
	}
	if len(lines) != 2 {
		t.Fatalf("replay has %d records, want 2", len(lines))
	}
	if lines[0].Direction != protocol.DirectionClientToBridge || lines[1].Direction != protocol.DirectionBridgeToClient {
		t.Errorf("directions = %s, %s", lines[0].Direction, lines[1].Direction)
	}
	if lines[1].TurnID != "t1" {
		t.Errorf("turn id = %q", lines[1].TurnID)
	}
}

func TestRotationInvalidatesSessions(t *testing.T) {
	f := newRelayFixture(t)
	client := f.dial(t, "/ws", testSecret)
	readUntil(t, client, frameType(protocol.FrameHello))
	if _, _, err := f.pairing.Mint(testSecret); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest("POST", f.ts.URL+"/api/secret/rotate", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if !body.OK || body.Token == "" || body.Token == testSecret {
		t.Fatalf("rotate body = %+v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := client.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		if !errors.As(err, &ce) || int(ce.Code) != CloseSecretRotated {
			t.Fatalf("close err = %v, want code %d", err, CloseSecretRotated)
		}
		break
	}

	if resp := f.get(t, "/api/peers", testSecret); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("old secret REST = %d, want 401", resp.StatusCode)
	}
	if resp := f.get(t, "/api/peers", body.Token); resp.StatusCode != http.StatusOK {
		t.Errorf("new secret REST = %d, want 200", resp.StatusCode)
	}
	if f.pairing.Len() != 0 {
		t.Error("pairing codes survived rotation")
	}

	saved, err := config.Load(f.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Token() != body.Token {
		t.Error("rotated secret not persisted")
	}

	// External edits with the same value are ignored.
	if f.srv.ApplySecret(context.Background(), body.Token, RotationFile) {
		t.Error("unchanged secret applied")
	}
	f.dial(t, "/ws", body.Token)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h map[string]any
	json.NewDecoder(resp.Body).Decode(&h)
	if h["ok"] != true || h["protocol"] != float64(protocol.ProtocolVersion) {
		t.Errorf("health = %v", h)
	}

	if resp := f.get(t, "/metrics", "nope"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("metrics without auth = %d", resp.StatusCode)
	}
	resp = f.get(t, "/metrics", testSecret)
	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "# HELP agentrelay_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("no agentrelay_ metrics exposed")
	}
}

func TestAdmitClosesSocketAuthedWithRotatedSecret(t *testing.T) {
	tests := []struct {
		name   string
		rotate bool
		admit  bool
	}{
		{"secret unchanged", false, true},
		{"rotated after upgrade", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t)
			req := httptest.NewRequest(http.MethodGet, "/ws?token="+testSecret, nil)
			if !f.srv.guard.Authorize(req) {
				t.Fatal("request not authorized before upgrade")
			}
			if tt.rotate {
				f.srv.guard.SetSecret("rotated-secret")
			}

			c := testConn(RoleClient)
			if got := f.srv.admit(req, c); got != tt.admit {
				t.Fatalf("admit = %v, want %v", got, tt.admit)
			}
			if tt.admit {
				if n := f.srv.Registry().Count(RoleClient); n != 1 {
					t.Errorf("registered clients = %d, want 1", n)
				}
				return
			}
			if c.closeCode != CloseSecretRotated {
				t.Errorf("close code = %d, want %d", c.closeCode, CloseSecretRotated)
			}
			if n := f.srv.Registry().Count(RoleClient); n != 0 {
				t.Errorf("stale socket still registered (%d)", n)
			}
		})
	}
}
