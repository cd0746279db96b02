// Package memtransport is an in-process Transport implementation: a
// registry of named endpoints wired together by buffered pipes, with no
// network or serialization involved. It exists for tests and for
// single-process demos of pkg/manager, grounded on the same
// transport.Transport contract a real grpctransport would implement.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// Network is the shared registry a set of in-process Transports dial
// through. Tests typically construct one Network and one Transport per
// simulated peer.
type Network struct {
	mu        sync.Mutex
	listeners map[string]transport.OnAccept
}

// NewNetwork returns an empty registry.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]transport.OnAccept)}
}

// Transport is a named endpoint on a Network.
type Transport struct {
	net      *Network
	name     string
	platform wire.Metadata
}

// New returns a Transport registered under name on net. platform is the
// value other peers observe as this side's platform metadata when they
// dial it.
func New(net *Network, name string, platform wire.Metadata) *Transport {
	return &Transport{net: net, name: name, platform: platform}
}

// Listen registers onAccept under t's name.
func (t *Transport) Listen(onAccept transport.OnAccept) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.listeners[t.name] = onAccept
	return nil
}

// Connect dials the peer named by descriptor["peer"]. It is synchronous:
// the peer's onAccept runs before Connect returns, matching a loopback
// transport's natural behavior.
func (t *Transport) Connect(ctx context.Context, descriptor wire.Metadata, handlers transport.PortHandlers) (transport.PortProcessor, wire.Metadata, error) {
	peerName, _ := descriptor["peer"].(string)
	if peerName == "" {
		return nil, nil, fmt.Errorf("memtransport: descriptor missing string field %q", "peer")
	}

	t.net.mu.Lock()
	onAccept, ok := t.net.listeners[peerName]
	t.net.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("memtransport: no listener registered for peer %q", peerName)
	}

	local, remote := newPipePair()
	onAccept(func(acceptHandlers transport.PortHandlers) transport.PortProcessor {
		remote.setHandlers(acceptHandlers)
		return remote
	}, wire.Metadata{"peer": t.name})

	local.setHandlers(handlers)
	return local, wire.Metadata{"peer": peerName}, nil
}

// Close unregisters t's listener, if any. Established pipes are
// unaffected; they are closed individually via PortProcessor.Close.
func (t *Transport) Close() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	delete(t.net.listeners, t.name)
	return nil
}
