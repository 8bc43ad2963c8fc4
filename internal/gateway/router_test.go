package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

type routerFixture struct {
	reg    *Registry
	router *Router
	events store.EventStore
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	stores, err := sqlite.NewStores(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })
	reg := NewRegistry(nil)
	return &routerFixture{reg: reg, router: NewRouter(reg, stores.Events, NewMetrics()), events: stores.Events}
}

func (f *routerFixture) conn(role Role) *Conn {
	c := testConn(role)
	f.reg.Register(c)
	return c
}

func (f *routerFixture) count(t *testing.T, thread string) int {
	t.Helper()
	recs, err := f.events.ReplayEvents(context.Background(), thread, store.ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return len(recs)
}

func drainAll(conns ...*Conn) {
	for _, c := range conns {
		pending(c)
	}
}

func TestRouteDropsNonObjects(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	bridge := f.conn(RoleBridge)
	drainAll(client, bridge)

	for _, raw := range []string{"", "  ", "[1,2]", `"hi"`, "42", "{not json", "null"} {
		if res := f.router.Route(context.Background(), client, []byte(raw)); res.Mode != ModeDropped {
			t.Errorf("Route(%q) mode = %s, want dropped", raw, res.Mode)
		}
	}
	if n := len(pending(bridge)); n != 0 {
		t.Errorf("bridge received %d frames from garbage", n)
	}
}

func TestRoutingCompleteness(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	subscribed1, subscribed2 := f.conn(RoleBridge), f.conn(RoleBridge)
	other := f.conn(RoleBridge)
	f.reg.Subscribe(subscribed1, "T")
	f.reg.Subscribe(subscribed2, "T")
	f.reg.Subscribe(other, "U")
	drainAll(client, subscribed1, subscribed2, other)

	msg := `{"method":"turn/start","params":{"threadId":"T"}}`
	res := f.router.Route(context.Background(), client, []byte(msg))
	if res.Mode != ModeThread || res.Targets != 2 || res.Queued != 2 || !res.Persisted {
		t.Fatalf("result = %+v", res)
	}
	for _, b := range []*Conn{subscribed1, subscribed2} {
		if got := pending(b); len(got) != 1 || string(got[0]) != msg {
			t.Errorf("subscriber got %q", got)
		}
	}
	if n := len(pending(other)); n != 0 {
		t.Errorf("non-subscriber got %d frames", n)
	}
}

func TestDiscoveryFallback(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	b1, b2 := f.conn(RoleBridge), f.conn(RoleBridge)
	drainAll(client, b1, b2)

	res := f.router.Route(context.Background(), client, []byte(`{"method":"thread/start","threadId":"new"}`))
	if res.Mode != ModeFallback || res.Targets != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, b := range []*Conn{b1, b2} {
		if n := len(pending(b)); n != 1 {
			t.Errorf("bridge got %d frames, want 1", n)
		}
	}

	// Bridge to an unwatched thread has no fallback.
	res = f.router.Route(context.Background(), b1, []byte(`{"result":{},"threadId":"lonely"}`))
	if res.Mode != ModeThread || res.Targets != 0 {
		t.Errorf("bridge result = %+v", res)
	}
	if n := len(pending(client)); n != 0 {
		t.Errorf("client got %d frames", n)
	}
}

func TestPersistenceGating(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	bridge := f.conn(RoleBridge)
	drainAll(client, bridge)

	res := f.router.Route(context.Background(), bridge, []byte(`{"method":"account/list","result":{"accounts":[]}}`))
	if res.Mode != ModeBroadcast || res.Persisted || res.Targets != 1 {
		t.Fatalf("unthreaded result = %+v", res)
	}
	threads, err := f.events.ListThreads(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 0 {
		t.Errorf("unthreaded envelope was logged: %+v", threads)
	}

	res = f.router.Route(context.Background(), bridge, []byte(`{"method":"item/completed","params":{"item":{"threadId":"abc","turnId":"t1"}}}`))
	if !res.Persisted {
		t.Fatalf("threaded result = %+v", res)
	}
	recs, _ := f.events.ReplayEvents(context.Background(), "abc", store.ReplayOptions{})
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	r := recs[0]
	if r.Direction != protocol.DirectionBridgeToClient || r.Role != string(RoleBridge) || r.Method != "item/completed" || r.TurnID != "t1" {
		t.Errorf("record = %+v", r)
	}
	var wrapped protocol.StoredEnvelope
	if err := json.Unmarshal([]byte(r.Payload), &wrapped); err != nil {
		t.Fatal(err)
	}
	if wrapped.TS == 0 || wrapped.Direction != protocol.DirectionBridgeToClient || wrapped.ThreadID != "abc" {
		t.Errorf("wrapper = %+v", wrapped)
	}
	var inner map[string]any
	if err := json.Unmarshal(wrapped.Message, &inner); err != nil || inner["method"] != "item/completed" {
		t.Errorf("wrapped message = %s", wrapped.Message)
	}
}

func TestUnthreadedBroadcastsToOppositeRole(t *testing.T) {
	f := newRouterFixture(t)
	c1, c2 := f.conn(RoleClient), f.conn(RoleClient)
	b := f.conn(RoleBridge)
	drainAll(c1, c2, b)

	f.router.Route(context.Background(), c1, []byte(`{"method":"model/list","id":3}`))
	if n := len(pending(b)); n != 1 {
		t.Errorf("bridge got %d", n)
	}
	if n := len(pending(c2)); n != 0 {
		t.Errorf("same-role socket got %d", n)
	}
}

func TestDeliveryIsBestEffort(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	dead, alive := f.conn(RoleBridge), f.conn(RoleBridge)
	f.reg.Subscribe(dead, "T")
	f.reg.Subscribe(alive, "T")
	drainAll(client, dead, alive)
	dead.Close(CloseReplaced, "gone")

	res := f.router.Route(context.Background(), client, []byte(`{"threadId":"T"}`))
	if res.Targets != 2 || res.Queued != 1 {
		t.Fatalf("result = %+v", res)
	}
	if n := len(pending(alive)); n != 1 {
		t.Errorf("alive got %d", n)
	}
}

func TestControlFrames(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	bridge := f.conn(RoleBridge)
	drainAll(client, bridge)
	ctx := context.Background()

	if res := f.router.Route(ctx, client, []byte(`{"type":"relay.subscribe","threadId":"abc"}`)); res.Mode != ModeControl {
		t.Fatalf("mode = %s", res.Mode)
	}
	if got := frameTypes(t, pending(client)); len(got) != 1 || got[0] != protocol.FrameSubscribed {
		t.Errorf("subscribe reply = %v", got)
	}
	if len(f.reg.PeersOf("abc", RoleClient)) != 1 {
		t.Error("client not subscribed")
	}

	f.router.Route(ctx, client, []byte(`{"type":"relay.ping"}`))
	f.router.Route(ctx, client, []byte(`{"type":"relay.peers.list"}`))
	if got := frameTypes(t, pending(client)); len(got) != 2 || got[0] != protocol.FramePong || got[1] != protocol.FramePeers {
		t.Errorf("replies = %v", got)
	}

	f.router.Route(ctx, client, []byte(`{"type":"relay.unsubscribe","threadId":"abc"}`))
	if len(f.reg.PeersOf("abc", RoleClient)) != 0 {
		t.Error("client still subscribed")
	}

	// Unknown relay.* frames are swallowed, never forwarded.
	f.router.Route(ctx, client, []byte(`{"type":"relay.bogus","threadId":"abc"}`))
	if n := len(pending(bridge)); n != 0 {
		t.Errorf("bridge got %d frames", n)
	}
	if f.count(t, "abc") != 0 {
		t.Error("control frame was persisted")
	}

	// A non-relay "type" is an ordinary envelope.
	res := f.router.Route(ctx, client, []byte(`{"type":"message","threadId":"abc"}`))
	if res.Mode != ModeFallback {
		t.Errorf("mode = %s, want fallback", res.Mode)
	}
}

func TestPeersListAlwaysCarriesArray(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	drainAll(client)
	ctx := context.Background()

	peersOf := func() json.RawMessage {
		t.Helper()
		f.router.Route(ctx, client, []byte(`{"type":"relay.peers.list"}`))
		msgs := pending(client)
		if len(msgs) != 1 {
			t.Fatalf("got %d replies", len(msgs))
		}
		var frame map[string]json.RawMessage
		if err := json.Unmarshal(msgs[0], &frame); err != nil {
			t.Fatal(err)
		}
		raw, ok := frame["peers"]
		if !ok {
			t.Fatalf("peers key missing: %s", msgs[0])
		}
		return raw
	}

	if got := string(peersOf()); got != "[]" {
		t.Errorf("peers with no bridge = %s, want []", got)
	}

	bridge := f.conn(RoleBridge)
	drainAll(client, bridge)
	var peers []protocol.PeerInfo
	if err := json.Unmarshal(peersOf(), &peers); err != nil || len(peers) != 1 {
		t.Errorf("peers with one bridge = %v (err %v)", peers, err)
	}
}

func TestPerSenderOrdering(t *testing.T) {
	f := newRouterFixture(t)
	client := f.conn(RoleClient)
	bridge := f.conn(RoleBridge)
	f.reg.Subscribe(bridge, "T")
	drainAll(client, bridge)

	for i := 0; i < 10; i++ {
		f.router.Route(context.Background(), client, []byte(`{"threadId":"T","seq":`+string(rune('0'+i))+`}`))
	}
	got := pending(bridge)
	if len(got) != 10 {
		t.Fatalf("got %d frames", len(got))
	}
	for i, m := range got {
		var v struct{ Seq int }
		json.Unmarshal(m, &v)
		if v.Seq != i {
			t.Fatalf("frame %d has seq %d", i, v.Seq)
		}
	}
}
