package manager

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/internal/descriptor"
	"github.com/nodelink/linkmesh/pkg/conn"
	"github.com/nodelink/linkmesh/pkg/lerrors"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// ResolveOptions carries the find-or-create parameters for Resolve.
type ResolveOptions struct {
	Matcher            wire.Matcher
	Descriptor         wire.Metadata
	AssignmentMetadata wire.Metadata
}

// Resolve finds an existing Ready connection matching options, or creates
// one if a Descriptor is given. Concurrent calls sharing the same
// descriptor's canonical key coalesce onto a single outgoing dial.
func (m *Manager) Resolve(ctx context.Context, opts ResolveOptions) (*conn.LogicalConnection, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	if c := m.find(opts); c != nil {
		return c, nil
	}

	if opts.Matcher != nil && opts.Descriptor == nil {
		return nil, nil
	}
	if opts.Descriptor == nil {
		return nil, nil
	}

	key, err := descriptor.Canonical(opts.Descriptor)
	if err != nil {
		return nil, lerrors.New(lerrors.CodeUsageInvalid, "descriptor is not canonicalizable", err)
	}

	v, err, _ := m.creations.Do(key, func() (any, error) {
		return m.createOutgoing(ctx, opts.Descriptor, opts.AssignmentMetadata)
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn.LogicalConnection), nil
}

// find implements the "Find" half of the resolution algorithm: the first
// Ready connection, in insertion order, whose remote identity matches.
func (m *Manager) find(opts ResolveOptions) *conn.LogicalConnection {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		c := m.getConnection(id)
		if c == nil || !c.IsReady() {
			continue
		}
		remote, ok := c.RemoteIdentity()
		if !ok {
			continue
		}
		if opts.Matcher != nil {
			if opts.Matcher(remote) {
				return c
			}
			continue
		}
		if opts.Descriptor != nil && descriptor.DeepPartialMatch(remote, opts.Descriptor) {
			return c
		}
	}
	return nil
}

// createOutgoing dials desc, builds a new active-role LogicalConnection for
// it, and waits for the handshake to settle.
func (m *Manager) createOutgoing(ctx context.Context, desc, assign wire.Metadata) (*conn.LogicalConnection, error) {
	id := m.connIDCounter.NextID("conn")
	buf := newPreInstallBuffer()

	port, platform, err := m.transport.Connect(ctx, desc, buf.handlers())
	if err != nil {
		return nil, lerrors.New(lerrors.CodeHandshakeFailed, "transport connect failed", err,
			"connection_id", id, "descriptor", desc)
	}

	localMeta := m.localMetadataSnapshot()
	c := m.newLogicalConnection(id, platform, localMeta, port)
	waiter := m.registerWaiter(id)
	m.insertConnection(c)

	if err := buf.flush(c); err != nil {
		klog.V(4).ErrorS(err, "Pre-install protocol error, closing", "connection_id", id)
		c.Close()
		m.settleWaiter(id, err)
		return nil, lerrors.New(lerrors.CodeProtocolError, "protocol error before install", err, "connection_id", id)
	}

	if !buf.sawHandshakeReq() {
		if err := c.InitiateHandshake(localMeta, assign); err != nil {
			return nil, err
		}
	}

	select {
	case err := <-waiter:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		// Cancellation of a resolve call does not cancel the underlying
		// handshake: the connection continues to completion in the
		// background and will still be pooled, or discarded on failure.
		return nil, ctx.Err()
	}
}
