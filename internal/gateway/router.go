package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Fan-out modes reported in RouteResult and metrics.
const (
	ModeDropped   = "dropped"
	ModeControl   = "control"
	ModeThread    = "thread"
	ModeFallback  = "fallback"
	ModeBroadcast = "broadcast"
)

// RouteResult summarizes one Route call.
type RouteResult struct {
	Mode      string
	ThreadID  string
	Targets   int
	Queued    int
	Persisted bool
}

// Router decides where each inbound envelope goes. It is called from a
// socket's read loop, so a sender's envelopes are handled in order.
type Router struct {
	reg     *Registry
	events  store.EventStore // nil disables persistence
	metrics *Metrics
	now     func() time.Time
}

func NewRouter(reg *Registry, events store.EventStore, m *Metrics) *Router {
	return &Router{reg: reg, events: events, metrics: m, now: time.Now}
}

// Route handles one raw frame from from. Anything that is not a JSON
// object is dropped without complaint.
func (rt *Router) Route(ctx context.Context, from *Conn, raw []byte) RouteResult {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return RouteResult{Mode: ModeDropped}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("relay.envelope_dropped", "conn", from.id, "error", err)
		return RouteResult{Mode: ModeDropped}
	}

	if typ, _ := env["type"].(string); strings.HasPrefix(typ, protocol.ControlPrefix) {
		rt.handleControl(from, typ, env)
		return RouteResult{Mode: ModeControl}
	}

	res := RouteResult{ThreadID: ExtractThreadID(env)}
	opposite := from.role.Opposite()
	var targets []*Conn
	switch {
	case res.ThreadID == "":
		res.Mode = ModeBroadcast
		targets = rt.reg.ByRole(opposite)
	default:
		res.Mode = ModeThread
		targets = rt.reg.PeersOf(res.ThreadID, opposite)
		if len(targets) == 0 && from.role == RoleClient {
			// New threads must reach a bridge before it has subscribed.
			res.Mode = ModeFallback
			targets = rt.reg.ByRole(RoleBridge)
		}
		res.Persisted = rt.persist(ctx, from, env, raw, res.ThreadID)
	}

	res.Targets = len(targets)
	for _, c := range targets {
		r := c.Send(raw)
		rt.metrics.delivered(r)
		if r == SendQueued {
			res.Queued++
		}
	}
	rt.metrics.routed(from.role.Direction(), res.Mode)
	return res
}

// persist appends a thread-scoped envelope. Failures are logged and
// never block delivery.
func (rt *Router) persist(ctx context.Context, from *Conn, env envelope, raw []byte, threadID string) bool {
	if rt.events == nil {
		return false
	}
	now := rt.now()
	turnID := ExtractTurnID(env)
	wrapper, err := json.Marshal(protocol.StoredEnvelope{
		TS:        now.UnixMilli(),
		Direction: from.role.Direction(),
		Role:      string(from.role),
		ThreadID:  threadID,
		TurnID:    turnID,
		Message:   json.RawMessage(raw),
	})
	if err != nil {
		return false
	}
	_, err = rt.events.AppendEvent(ctx, &store.EventRecord{
		ThreadID:  threadID,
		TurnID:    turnID,
		Direction: from.role.Direction(),
		Role:      string(from.role),
		Method:    ExtractMethod(env),
		Payload:   string(wrapper),
		CreatedAt: now.Unix(),
	})
	rt.metrics.appendResult(err)
	if err != nil {
		slog.Warn("relay.event_append_failed", "thread", threadID, "error", err)
		return false
	}
	return true
}

func (rt *Router) handleControl(from *Conn, typ string, env envelope) {
	thread := idString(env["threadId"])
	switch typ {
	case protocol.FrameSubscribe:
		rt.metrics.control(typ)
		if thread == "" {
			return
		}
		rt.reg.Subscribe(from, thread)
		from.SendFrame(protocol.ControlFrame{Type: protocol.FrameSubscribed, ThreadID: thread})
	case protocol.FrameUnsubscribe:
		rt.metrics.control(typ)
		if thread != "" {
			rt.reg.Unsubscribe(from, thread)
		}
	case protocol.FramePeersList:
		rt.metrics.control(typ)
		from.SendFrame(protocol.NewPeersFrame(rt.reg.Peers()))
	case protocol.FramePing:
		rt.metrics.control(typ)
		from.SendFrame(protocol.ControlFrame{Type: protocol.FramePong})
	default:
		rt.metrics.control("unknown")
		slog.Debug("relay.control_unknown", "conn", from.id, "type", typ)
	}
}
