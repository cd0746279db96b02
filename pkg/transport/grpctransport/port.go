package grpctransport

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// frameStream is the subset of grpc.ClientStream and grpc.ServerStream that
// port needs. Both satisfy it structurally, so one port implementation
// drives either side of the bidi stream.
type frameStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

var errPortClosed = errors.New("grpctransport: send on a closed port")

// port adapts one gRPC bidi stream to transport.PortProcessor. It owns a
// dedicated goroutine draining the stream so message delivery to handlers
// always happens in arrival order.
type port struct {
	stream   frameStream
	handlers transport.PortHandlers
	closeFn  func()

	mu     sync.Mutex
	closed bool
}

// newPort wraps stream and immediately starts its receive loop. closeFn
// releases whatever resource the caller used to set up stream (a
// grpc.ClientConn on the dialing side, a signal unblocking the server's
// stream handler on the accepting side) and runs exactly once.
func newPort(stream frameStream, handlers transport.PortHandlers, closeFn func()) *port {
	p := &port{stream: stream, handlers: handlers, closeFn: closeFn}
	go p.recvLoop()
	return p
}

func (p *port) Send(msg *wire.Message) error {
	frame, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPortClosed
	}
	return p.stream.SendMsg(frame)
}

func (p *port) recvLoop() {
	for {
		frame := new(wrapperspb.BytesValue)
		if err := p.stream.RecvMsg(frame); err != nil {
			p.onStreamEnded(err)
			return
		}

		msg, err := decodeMessage(frame)
		if err != nil {
			if p.handlers.OnProtocolError != nil {
				p.handlers.OnProtocolError(err)
			}
			continue
		}
		if p.handlers.OnMessage != nil {
			p.handlers.OnMessage(msg)
		}
	}
}

// onStreamEnded fires when Recv fails: the remote closed its send side, or
// the network failed. This is the transport discovering a disconnect on
// its own, distinct from Close, which is the local LogicalConnection
// choosing to tear the port down (and which notifies its own handlers
// itself, so it must not also trigger OnDisconnect here).
func (p *port) onStreamEnded(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if err != nil && !errors.Is(err, io.EOF) {
		klog.V(4).InfoS("grpctransport: stream ended", "error", err)
	}
	if p.handlers.OnDisconnect != nil {
		p.handlers.OnDisconnect()
	}
	if p.closeFn != nil {
		p.closeFn()
	}
}

// Close is idempotent and never itself invokes OnDisconnect.
func (p *port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}
