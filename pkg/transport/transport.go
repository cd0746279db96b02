// Package transport defines the channel contract consumed by pkg/manager.
// This layer is an external collaborator: the port, its serialization, and
// endpoint-platform adapters are out of this module's core scope — only
// the interface surface lives here. Concrete implementations live in
// sibling packages (grpctransport, memtransport).
package transport

import (
	"context"

	"github.com/nodelink/linkmesh/pkg/wire"
)

// PortProcessor is the handle a LogicalConnection owns for a single
// physical channel.
type PortProcessor interface {
	// Send forwards msg to the remote peer.
	Send(msg *wire.Message) error
	// Close closes the underlying channel. Idempotent.
	Close() error
}

// PortHandlers are the callbacks a Transport invokes as events occur on a
// port. They are supplied by the caller (pkg/manager) when creating or
// connecting a port, and must be invoked in FIFO arrival order per port.
type PortHandlers struct {
	OnMessage       func(msg *wire.Message)
	OnDisconnect    func()
	OnProtocolError func(err error)
}

// CreateProcessor installs handlers on a newly accepted physical channel
// and returns the PortProcessor used to drive it. It is supplied to
// Transport.Listen's accept callback so the caller controls exactly when a
// channel starts delivering events.
type CreateProcessor func(handlers PortHandlers) PortProcessor

// OnAccept is invoked once per incoming physical channel. platform is the
// transport-discovered side channel metadata for that channel (never
// forgeable by the remote).
type OnAccept func(createProcessor CreateProcessor, platform wire.Metadata)

// Transport is the pluggable L1 abstraction: byte-oriented ports exposing
// listen/connect primitives.
type Transport interface {
	// Listen begins accepting incoming channels, invoking onAccept once per
	// accepted channel until the Transport is stopped.
	Listen(onAccept OnAccept) error

	// Connect dials descriptor and installs handlers on the resulting
	// channel before returning. It is asynchronous and fallible.
	Connect(ctx context.Context, descriptor wire.Metadata, handlers PortHandlers) (PortProcessor, wire.Metadata, error)

	// Close stops listening and releases any resources Listen acquired.
	Close() error
}
