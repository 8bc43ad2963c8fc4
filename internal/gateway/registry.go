package gateway

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Registry tracks live sockets by role and the thread subscriptions of
// each, with a reverse index thread -> sockets per role. All mutation goes
// through its methods. Notifications are sent after the lock is released.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	subs    map[string]map[string]struct{}      // conn id -> thread ids
	threads map[Role]map[string]map[string]*Conn // role -> thread -> conn id -> conn
	peers   map[string]*Conn                     // stable bridge id -> conn
	metrics *Metrics
}

func NewRegistry(m *Metrics) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		subs:  make(map[string]map[string]struct{}),
		threads: map[Role]map[string]map[string]*Conn{
			RoleClient: make(map[string]map[string]*Conn),
			RoleBridge: make(map[string]map[string]*Conn),
		},
		peers:   make(map[string]*Conn),
		metrics: m,
	}
}

// Register adds c. A bridge reusing a live stable id replaces the prior
// socket: the old one is closed and dropped from every index before c is
// added. Clients are told about the new bridge.
func (r *Registry) Register(c *Conn) (replaced *Conn) {
	r.mu.Lock()
	if c.role == RoleBridge {
		if old := r.peers[c.PeerID()]; old != nil && old != c {
			replaced = old
			r.removeLocked(old)
			old.Close(CloseReplaced, "replaced by newer connection")
		}
		r.peers[c.PeerID()] = c
	}
	r.conns[c.id] = c
	r.subs[c.id] = make(map[string]struct{})
	clients := r.byRoleLocked(RoleClient)
	r.mu.Unlock()

	r.metrics.connOpened(c.role)
	if replaced != nil {
		r.metrics.connClosed(replaced.role)
		slog.Info("relay.bridge.replaced", "peer", c.PeerID(), "old", replaced.id, "new", c.id)
	}
	if c.role == RoleBridge && c.peer != nil {
		frame := protocol.ControlFrame{Type: protocol.FramePeerAdded, Peer: c.peer}
		for _, cl := range clients {
			cl.SendFrame(frame)
		}
	}
	return replaced
}

// Unregister drops c and all of its subscriptions in one step. A bridge
// that was the current holder of its stable id is announced as removed to
// every client. Unregistering an unknown or already replaced conn is a
// no-op.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	wasPeer := c.role == RoleBridge && r.peers[c.PeerID()] == c
	r.removeLocked(c)
	clients := r.byRoleLocked(RoleClient)
	r.mu.Unlock()

	r.metrics.connClosed(c.role)
	if wasPeer {
		frame := protocol.ControlFrame{Type: protocol.FramePeerRemoved, ConnectionID: c.id, Peer: c.peer}
		if c.peer == nil {
			frame.Peer = &protocol.PeerInfo{ID: c.PeerID()}
		}
		for _, cl := range clients {
			cl.SendFrame(frame)
		}
	}
}

func (r *Registry) removeLocked(c *Conn) {
	for thread := range r.subs[c.id] {
		r.dropIndexLocked(c, thread)
	}
	delete(r.subs, c.id)
	delete(r.conns, c.id)
	if c.role == RoleBridge && r.peers[c.PeerID()] == c {
		delete(r.peers, c.PeerID())
	}
}

func (r *Registry) dropIndexLocked(c *Conn, thread string) {
	set := r.threads[c.role][thread]
	delete(set, c.id)
	if len(set) == 0 {
		delete(r.threads[c.role], thread)
	}
}

// Subscribe adds thread to c's subscriptions. It reports false when c was
// already subscribed or is not registered. A new client subscription sends
// a client-watching signal to the bridges already on that thread.
func (r *Registry) Subscribe(c *Conn, thread string) bool {
	if thread == "" {
		return false
	}
	r.mu.Lock()
	own, ok := r.subs[c.id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, dup := own[thread]; dup {
		r.mu.Unlock()
		return false
	}
	own[thread] = struct{}{}
	set := r.threads[c.role][thread]
	if set == nil {
		set = make(map[string]*Conn)
		r.threads[c.role][thread] = set
	}
	set[c.id] = c
	var watchers []*Conn
	if c.role == RoleClient {
		watchers = mapValues(r.threads[RoleBridge][thread])
	}
	r.mu.Unlock()

	if len(watchers) > 0 {
		frame := protocol.ControlFrame{Type: protocol.FrameClientWatching, ThreadID: thread, ConnectionID: c.id}
		for _, b := range watchers {
			b.SendFrame(frame)
		}
	}
	return true
}

// Unsubscribe removes one thread from c. It reports whether c was subscribed.
func (r *Registry) Unsubscribe(c *Conn, thread string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.subs[c.id]
	if _, ok := own[thread]; !ok {
		return false
	}
	delete(own, thread)
	r.dropIndexLocked(c, thread)
	return true
}

// Subscriptions returns c's thread ids, sorted.
func (r *Registry) Subscriptions(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs[c.id]))
	for t := range r.subs[c.id] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PeersOf returns the sockets of role subscribed to thread.
func (r *Registry) PeersOf(thread string, role Role) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return mapValues(r.threads[role][thread])
}

// ByRole returns every registered socket of role.
func (r *Registry) ByRole(role Role) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRoleLocked(role)
}

func (r *Registry) byRoleLocked(role Role) []*Conn {
	var out []*Conn
	for _, c := range r.conns {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of registered sockets of role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.role == role {
			n++
		}
	}
	return n
}

// Peers lists connected bridges, oldest first.
func (r *Registry) Peers() []protocol.PeerInfo {
	r.mu.RLock()
	out := make([]protocol.PeerInfo, 0, len(r.peers))
	for _, c := range r.peers {
		if c.peer != nil {
			out = append(out, *c.peer)
		} else {
			out = append(out, protocol.PeerInfo{ID: c.PeerID(), ConnectedAt: c.connectedAt})
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CloseAll closes every socket with code and reason and returns how many
// were closed. Sockets unregister themselves as their read loops end.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	all := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.Close(code, reason)
	}
	return len(all)
}

func mapValues(m map[string]*Conn) []*Conn {
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
