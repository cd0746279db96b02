package manager

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/conn"
	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// preInstallBuffer is a small FIFO: the transport may deliver messages on a
// port before its LogicalConnection has been constructed, so port handlers
// are wired through this buffer first and drained into the connection
// immediately after insertion.
type preInstallBuffer struct {
	mu            sync.Mutex
	installed     *conn.LogicalConnection
	messages      []*wire.Message
	protoErr      error
	sawDisconnect bool
	sawReq        bool
}

func newPreInstallBuffer() *preInstallBuffer {
	return &preInstallBuffer{}
}

func (b *preInstallBuffer) handlers() transport.PortHandlers {
	return transport.PortHandlers{
		OnMessage: func(msg *wire.Message) {
			b.mu.Lock()
			if b.installed == nil {
				b.messages = append(b.messages, msg)
				b.mu.Unlock()
				return
			}
			c := b.installed
			b.mu.Unlock()
			if err := c.HandleMessage(context.Background(), msg); err != nil {
				klog.V(4).ErrorS(err, "handle_message failed, closing", "connection_id", c.ID())
				c.Close()
			}
		},
		OnDisconnect: func() {
			b.mu.Lock()
			if b.installed == nil {
				b.sawDisconnect = true
				b.mu.Unlock()
				return
			}
			c := b.installed
			b.mu.Unlock()
			c.HandleDisconnect()
		},
		OnProtocolError: func(err error) {
			b.mu.Lock()
			if b.installed == nil {
				b.protoErr = err
				b.mu.Unlock()
				return
			}
			c := b.installed
			b.mu.Unlock()
			c.Close()
		},
	}
}

// flush installs c as the buffer's target and replays every message
// buffered before installation, in arrival order. A buffered
// HANDSHAKE_REQ implicitly switches an outgoing connection to the passive
// role; callers check sawHandshakeReq before initiating their own
// handshake. A disconnect signal that arrived before installation is
// replayed last, after c is fully caught up on buffered messages.
func (b *preInstallBuffer) flush(c *conn.LogicalConnection) error {
	b.mu.Lock()
	buffered := b.messages
	b.messages = nil
	protoErr := b.protoErr
	disconnected := b.sawDisconnect
	b.installed = c
	b.mu.Unlock()

	if protoErr != nil {
		return protoErr
	}
	for _, msg := range buffered {
		if msg.Type == wire.TypeHandshakeReq {
			b.sawReq = true
		}
		if err := c.HandleMessage(context.Background(), msg); err != nil {
			return err
		}
	}
	if disconnected {
		c.HandleDisconnect()
	}
	return nil
}

func (b *preInstallBuffer) sawHandshakeReq() bool {
	return b.sawReq
}
