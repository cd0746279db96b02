// Package manager implements the ConnectionManager facade: connection
// pooling, find-or-create resolution, service-group routing, identity
// broadcast, and lifecycle cleanup.
package manager

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/internal/idgen"
	"github.com/nodelink/linkmesh/pkg/conn"
	"github.com/nodelink/linkmesh/pkg/lerrors"
	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
	"golang.org/x/sync/singleflight"
)

// Handlers are the notifications the Manager sends up to L3.
type Handlers struct {
	OnMessage    func(connectionID string, msg *wire.Message)
	OnDisconnect func(connectionID string, identity wire.Metadata, hadIdentity bool)
}

// Config supplies everything a Manager needs at construction.
type Config struct {
	Transport     transport.Transport
	LocalMetadata wire.Metadata
	// Verify is the passive-side admission policy forwarded to every
	// LogicalConnection this Manager owns.
	Verify conn.VerifyFunc
	Handlers Handlers
	// PreWarm lists descriptors to eagerly dial once Initialize succeeds.
	PreWarm []wire.Metadata
}

// Manager is the ConnectionManager facade.
type Manager struct {
	transport transport.Transport
	verify    conn.VerifyFunc
	handlers  Handlers
	preWarm   []wire.Metadata

	connIDCounter idgen.Counter
	msgIDCounter  idgen.Counter
	creations     singleflight.Group

	mu            sync.Mutex
	initialized   bool
	localMeta     wire.Metadata
	connections   map[string]*conn.LogicalConnection
	order         []string
	serviceGroups map[string]map[string]struct{}
	waiters       map[string]chan error
}

// New constructs a Manager. Initialize must be called before any other
// public operation.
func New(cfg Config) *Manager {
	return &Manager{
		transport:     cfg.Transport,
		verify:        cfg.Verify,
		handlers:      cfg.Handlers,
		preWarm:       cfg.PreWarm,
		localMeta:     cfg.LocalMetadata.Clone(),
		connections:   make(map[string]*conn.LogicalConnection),
		serviceGroups: make(map[string]map[string]struct{}),
		waiters:       make(map[string]chan error),
	}
}

// Initialize activates listening and starts pre-warm dials. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.transport != nil {
		if err := m.transport.Listen(m.onAccept); err != nil {
			return lerrors.New(lerrors.EndpointCode("LISTEN_FAILED"), "listen failed", err)
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	klog.V(2).InfoS("Manager initialized")

	for _, d := range m.preWarm {
		descriptor := d
		go func() {
			if _, err := m.Resolve(ctx, ResolveOptions{Descriptor: descriptor}); err != nil {
				klog.ErrorS(err, "Pre-warm dial failed", "descriptor", descriptor)
			}
		}()
	}
	return nil
}

// Shutdown closes every owned connection and the underlying transport.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		if c := m.getConnection(id); c != nil {
			c.Close()
		}
	}
	if m.transport == nil {
		return nil
	}
	return m.transport.Close()
}

func (m *Manager) requireInitialized() error {
	m.mu.Lock()
	ok := m.initialized
	m.mu.Unlock()
	if !ok {
		return lerrors.New(lerrors.CodeUsageInvalid, "manager not initialized", nil)
	}
	return nil
}

// onAccept is the Transport.Listen callback. Every accepted channel
// becomes a passive-role LogicalConnection.
func (m *Manager) onAccept(createProcessor transport.CreateProcessor, platform wire.Metadata) {
	id := m.connIDCounter.NextID("conn")
	buf := newPreInstallBuffer()

	port := createProcessor(buf.handlers())

	localMeta := m.localMetadataSnapshot()
	c := m.newLogicalConnection(id, platform, localMeta, port)
	m.insertConnection(c)

	if err := buf.flush(c); err != nil {
		klog.V(4).ErrorS(err, "Pre-install protocol error, closing", "connection_id", id)
		c.Close()
	}
}

// newLogicalConnection wires a fresh LogicalConnection's notifications back
// into the Manager's group index, waiter table, and L3 handlers.
func (m *Manager) newLogicalConnection(id string, platform, localMeta wire.Metadata, port transport.PortProcessor) *conn.LogicalConnection {
	return conn.New(conn.Config{
		ID:            id,
		Platform:      platform,
		LocalMetadata: localMeta,
		Port:          port,
		Verify:        m.verify,
		NextMessageID: m.msgIDCounter.Next,
		Handlers: conn.Handlers{
			OnVerified:        m.onVerified,
			OnIdentityUpdated: m.onIdentityUpdated,
			OnClosed:          m.onClosed,
			OnMessage:         m.onMessage,
		},
	})
}

func (m *Manager) insertConnection(c *conn.LogicalConnection) {
	m.mu.Lock()
	m.connections[c.ID()] = c
	m.order = append(m.order, c.ID())
	m.mu.Unlock()
}

func (m *Manager) getConnection(id string) *conn.LogicalConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[id]
}

func (m *Manager) localMetadataSnapshot() wire.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localMeta.Clone()
}

func (m *Manager) groupMembers(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.serviceGroups[name]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func toSet(groups []string) map[string]struct{} {
	out := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		out[g] = struct{}{}
	}
	return out
}

// onVerified indexes the connection under every service group its remote
// identity names, and settles any resolve waiting on this connection_id.
func (m *Manager) onVerified(cid string, remote wire.Metadata) {
	m.mu.Lock()
	for _, g := range remote.Groups() {
		set, ok := m.serviceGroups[g]
		if !ok {
			set = make(map[string]struct{})
			m.serviceGroups[g] = set
		}
		set[cid] = struct{}{}
	}
	m.mu.Unlock()
	m.settleWaiter(cid, nil)
}

// onIdentityUpdated reindexes the connection as its group membership
// changes: added groups gain the connection_id, dropped groups lose it.
func (m *Manager) onIdentityUpdated(cid string, newIdentity, oldIdentity wire.Metadata) {
	oldGroups := toSet(oldIdentity.Groups())
	newGroups := toSet(newIdentity.Groups())

	m.mu.Lock()
	for g := range oldGroups {
		if _, keep := newGroups[g]; !keep {
			if set, ok := m.serviceGroups[g]; ok {
				delete(set, cid)
			}
		}
	}
	for g := range newGroups {
		if _, had := oldGroups[g]; !had {
			set, ok := m.serviceGroups[g]
			if !ok {
				set = make(map[string]struct{})
				m.serviceGroups[g] = set
			}
			set[cid] = struct{}{}
		}
	}
	m.mu.Unlock()
}

// onClosed always removes cid from connections and every group, settles a
// pending resolve if this connection never verified, and notifies L3
// exactly once via onDisconnect.
func (m *Manager) onClosed(cid string, identity wire.Metadata, hadIdentity bool) {
	m.mu.Lock()
	if hadIdentity {
		for _, g := range identity.Groups() {
			if set, ok := m.serviceGroups[g]; ok {
				delete(set, cid)
			}
		}
	}
	delete(m.connections, cid)
	m.mu.Unlock()

	m.settleWaiter(cid, lerrors.New(lerrors.CodeHandshakeFailed, "connection closed before verification", nil, "connection_id", cid))

	if m.handlers.OnDisconnect != nil {
		m.handlers.OnDisconnect(cid, identity, hadIdentity)
	}
}

func (m *Manager) onMessage(cid string, msg *wire.Message) {
	if m.handlers.OnMessage != nil {
		m.handlers.OnMessage(cid, msg)
	}
}

func (m *Manager) registerWaiter(id string) chan error {
	ch := make(chan error, 1)
	m.mu.Lock()
	m.waiters[id] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) settleWaiter(id string, err error) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()
	if ok {
		ch <- err
		close(ch)
	}
}
