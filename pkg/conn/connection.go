// Package conn implements the LogicalConnection state machine and its
// three-message handshake protocol (HANDSHAKE_REQ, then HANDSHAKE_ACK or
// HANDSHAKE_REJECT).
package conn

import (
	"context"
	"sync"

	"dario.cat/mergo"
	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/lerrors"
	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// Context is the immutable-after-construction identity of a connection:
// its platform metadata (transport-discovered, never forgeable by the
// remote) paired with its connection_id.
type Context struct {
	ConnectionID string
	Platform     wire.Metadata
}

// VerifyFunc is the caller-supplied admission policy run by the passive
// (listening) side only; the active side never re-verifies. It may block —
// HandleMessage awaits it before sending ACK/REJECT, so the owning port's
// message loop stalls on the caller's verify for as long as it takes.
type VerifyFunc func(ctx context.Context, remoteIdentity wire.Metadata, connCtx Context) (bool, error)

// Handlers are the notifications a LogicalConnection sends to its owner
// (pkg/manager) as the state machine advances.
type Handlers struct {
	OnVerified        func(connectionID string, remoteIdentity wire.Metadata)
	OnIdentityUpdated func(connectionID string, newIdentity, oldIdentity wire.Metadata)
	OnClosed          func(connectionID string, identity wire.Metadata, hadIdentity bool)
	OnMessage         func(connectionID string, msg *wire.Message)
}

// Config supplies everything LogicalConnection needs at construction time.
type Config struct {
	ID            string
	Platform      wire.Metadata
	LocalMetadata wire.Metadata
	Port          transport.PortProcessor
	Verify        VerifyFunc
	Handlers      Handlers
	// NextMessageID allocates the next message id from the owning
	// Manager's monotonic counter; the counter is Manager-owned, not
	// per-connection, so ids stay unique across every connection it owns.
	NextMessageID func() int64
}

// LogicalConnection owns a single point-to-point channel: it drives the
// handshake, guards the state machine, and shuttles application messages
// between its PortProcessor and its owning Manager.
type LogicalConnection struct {
	id      string
	context Context

	nextMessageID func() int64
	verify        VerifyFunc
	handlers      Handlers

	mu             sync.Mutex
	status         Status
	localMeta      wire.Metadata
	remoteIdentity wire.Metadata
	hasRemote      bool
	wasEstablished bool
	port           transport.PortProcessor
}

// New constructs a LogicalConnection in Status Initializing.
func New(cfg Config) *LogicalConnection {
	return &LogicalConnection{
		id: cfg.ID,
		context: Context{
			ConnectionID: cfg.ID,
			Platform:     cfg.Platform,
		},
		nextMessageID: cfg.NextMessageID,
		verify:        cfg.Verify,
		handlers:      cfg.Handlers,
		status:        StatusInitializing,
		localMeta:     cfg.LocalMetadata,
		port:          cfg.Port,
	}
}

// ID returns the connection_id assigned at construction.
func (c *LogicalConnection) ID() string { return c.id }

// Status returns the current state machine position.
func (c *LogicalConnection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsReady reports true iff status = Connected.
func (c *LogicalConnection) IsReady() bool {
	return c.Status() == StatusConnected
}

// PlatformMetadata returns the immutable transport-discovered side channel.
func (c *LogicalConnection) PlatformMetadata() wire.Metadata { return c.context.Platform }

// LocalMetadata returns the connection's current local identity, which may
// have been overwritten exactly once by christening.
func (c *LogicalConnection) LocalMetadata() wire.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMeta
}

// RemoteIdentity returns the remote identity and whether it is currently
// defined: true iff Connected or Closing, or Closed after having reached
// Connected at least once.
func (c *LogicalConnection) RemoteIdentity() (wire.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defined := c.hasRemote &&
		(c.status == StatusConnected || c.status == StatusClosing || c.wasEstablished)
	return c.remoteIdentity, defined
}

// WasEstablished reports whether Connected was ever reached.
func (c *LogicalConnection) WasEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasEstablished
}

// InitiateHandshake is the active side of the handshake: it sends
// HANDSHAKE_REQ carrying local's identity and, optionally, an identity to
// assign to the passive peer.
func (c *LogicalConnection) InitiateHandshake(local wire.Metadata, assign wire.Metadata) error {
	c.mu.Lock()
	if c.status != StatusInitializing {
		c.mu.Unlock()
		return lerrors.New(lerrors.CodeUsageInvalid, "initiate_handshake called outside Initializing", nil,
			"connection_id", c.id, "status", c.status.String())
	}
	c.status = StatusHandshaking
	c.localMeta = local
	c.mu.Unlock()

	msg := &wire.Message{
		ID:       c.allocID(),
		Type:     wire.TypeHandshakeReq,
		Metadata: local,
		Assigns:  assign,
	}
	if err := c.Send(msg); err != nil {
		return lerrors.New(lerrors.CodeHandshakeFailed, "failed to send HANDSHAKE_REQ", err,
			"connection_id", c.id)
	}
	return nil
}

// Send forwards msg to the PortProcessor. On failure it closes the
// connection and returns the transport error.
func (c *LogicalConnection) Send(msg *wire.Message) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return lerrors.New(lerrors.CodeUsageInvalid, "send on a connection with no port", nil, "connection_id", c.id)
	}
	if err := port.Send(msg); err != nil {
		klog.V(4).ErrorS(err, "Send failed, closing connection", "connection_id", c.id)
		c.Close()
		return err
	}
	return nil
}

// Close transitions to Closing and closes the PortProcessor. Idempotent.
// It also drives HandleDisconnect itself rather than waiting on the port to
// loop the notification back, so exactly one onClosed is observed even when
// Close is caller-initiated.
func (c *LogicalConnection) Close() error {
	c.mu.Lock()
	if c.status == StatusClosing || c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosing
	port := c.port
	c.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	c.HandleDisconnect()
	return err
}

// HandleMessage drives the state machine for one inbound message. It
// blocks for the duration of Verify when a HANDSHAKE_REQ triggers one; the
// caller (the transport's per-port message loop) must not deliver the next
// message on this port until HandleMessage returns, so messages on one
// connection are always processed one at a time, in arrival order.
func (c *LogicalConnection) HandleMessage(ctx context.Context, msg *wire.Message) error {
	if msg == nil || msg.Type == "" {
		return lerrors.New(lerrors.CodeProtocolError, "empty or untyped message", nil, "connection_id", c.id)
	}

	switch msg.Type {
	case wire.TypeHandshakeReq:
		return c.handleReq(ctx, msg)
	case wire.TypeHandshakeAck:
		return c.handleAck(msg)
	case wire.TypeHandshakeReject:
		return c.handleReject(msg)
	case wire.TypeIdentityUpdate:
		return c.handleIdentityUpdate(msg)
	default:
		return c.handleApplication(msg)
	}
}

// handleReq is the passive side of the handshake: it records the remote's
// identity, optionally adopts a delegated local identity, runs Verify, and
// replies with HANDSHAKE_ACK or HANDSHAKE_REJECT.
func (c *LogicalConnection) handleReq(ctx context.Context, msg *wire.Message) error {
	c.mu.Lock()
	if c.status != StatusInitializing {
		c.mu.Unlock()
		klog.V(4).InfoS("Ignoring HANDSHAKE_REQ outside Initializing", "connection_id", c.id, "status", c.status.String())
		return nil
	}
	c.status = StatusHandshaking
	c.remoteIdentity = msg.Metadata
	c.hasRemote = true
	if len(msg.Assigns) > 0 {
		// Christening: adopt the identity delegated by the active peer.
		c.localMeta = msg.Assigns
	}
	local := c.localMeta
	remote := c.remoteIdentity
	connCtx := c.context
	c.mu.Unlock()

	ok, err := c.runVerify(ctx, remote, connCtx)
	if err != nil {
		return lerrors.New(lerrors.CodeHandshakeFailed, "verify failed", err, "connection_id", c.id)
	}
	if !ok {
		rejectErr := lerrors.New(lerrors.CodeHandshakeRejected, "rejected by verifier", nil, "connection_id", c.id)
		_ = c.Send(&wire.Message{
			ID:    c.allocID(),
			Type:  wire.TypeHandshakeReject,
			Error: rejectErr.ToWire(),
		})
		c.Close()
		return nil
	}

	ack := &wire.Message{ID: c.allocID(), Type: wire.TypeHandshakeAck, Metadata: local}
	if err := c.Send(ack); err != nil {
		return lerrors.New(lerrors.CodeHandshakeFailed, "failed to send HANDSHAKE_ACK", err, "connection_id", c.id)
	}

	// Notify before flipping status so that any external observer seeing
	// Connected also sees a Manager already caught up on this connection's
	// group membership.
	if c.handlers.OnVerified != nil {
		c.handlers.OnVerified(c.id, remote)
	}

	c.mu.Lock()
	c.status = StatusConnected
	c.wasEstablished = true
	c.mu.Unlock()
	return nil
}

func (c *LogicalConnection) runVerify(ctx context.Context, remote wire.Metadata, connCtx Context) (bool, error) {
	if c.verify == nil {
		return true, nil
	}
	return c.verify(ctx, remote, connCtx)
}

// handleAck is the active side of the handshake: it records the remote's
// identity and moves straight to Connected. The active side never
// re-verifies.
func (c *LogicalConnection) handleAck(msg *wire.Message) error {
	c.mu.Lock()
	if c.status != StatusHandshaking {
		c.mu.Unlock()
		klog.V(4).InfoS("Ignoring HANDSHAKE_ACK outside Handshaking", "connection_id", c.id, "status", c.status.String())
		return nil
	}
	c.remoteIdentity = msg.Metadata
	c.hasRemote = true
	remote := c.remoteIdentity
	c.mu.Unlock()

	if c.handlers.OnVerified != nil {
		c.handlers.OnVerified(c.id, remote)
	}

	c.mu.Lock()
	c.status = StatusConnected
	c.wasEstablished = true
	c.mu.Unlock()
	return nil
}

// handleReject closes the connection when the remote refuses the handshake.
func (c *LogicalConnection) handleReject(msg *wire.Message) error {
	c.mu.Lock()
	handshaking := c.status == StatusHandshaking
	c.mu.Unlock()
	if !handshaking {
		return nil
	}
	klog.V(4).InfoS("Handshake rejected by remote", "connection_id", c.id)
	c.Close()
	return nil
}

// handleIdentityUpdate merges an incremental identity change into the
// remote's identity. Only valid while Connected; silently dropped
// otherwise.
func (c *LogicalConnection) handleIdentityUpdate(msg *wire.Message) error {
	c.mu.Lock()
	if c.status != StatusConnected || !c.hasRemote {
		c.mu.Unlock()
		return nil
	}
	oldIdentity := c.remoteIdentity.Clone()
	newIdentity := oldIdentity.Clone()
	if newIdentity == nil {
		newIdentity = wire.Metadata{}
	}
	dst := map[string]any(newIdentity)
	if err := mergo.Merge(&dst, map[string]any(msg.Updates), mergo.WithOverride); err != nil {
		c.mu.Unlock()
		return lerrors.New(lerrors.CodeProtocolError, "failed to merge identity update", err, "connection_id", c.id)
	}
	newIdentity = wire.Metadata(dst)
	c.remoteIdentity = newIdentity
	c.mu.Unlock()

	if c.handlers.OnIdentityUpdated != nil {
		c.handlers.OnIdentityUpdated(c.id, newIdentity, oldIdentity)
	}
	return nil
}

// handleApplication forwards an application-defined message to L3, opaque
// to this layer.
func (c *LogicalConnection) handleApplication(msg *wire.Message) error {
	if c.Status() != StatusConnected {
		klog.V(4).InfoS("Dropping application message outside Connected", "connection_id", c.id, "type", msg.Type)
		return nil
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(c.id, msg)
	}
	return nil
}

// HandleDisconnect tears down the connection and notifies its owner.
// Idempotent: the identity is omitted from the notification unless the
// connection was ever verified.
func (c *LogicalConnection) HandleDisconnect() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	hadIdentity := c.wasEstablished
	identity := c.remoteIdentity
	c.mu.Unlock()

	if !hadIdentity {
		identity = nil
	}
	if c.handlers.OnClosed != nil {
		c.handlers.OnClosed(c.id, identity, hadIdentity)
	}
}

func (c *LogicalConnection) allocID() *int64 {
	if c.nextMessageID == nil {
		return nil
	}
	v := c.nextMessageID()
	return &v
}
