package memtransport

import (
	"errors"
	"sync"

	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// pipeEnd is one side of an in-process, buffered, FIFO-ordered channel. A
// dedicated goroutine drains its inbox so message delivery to handlers
// always happens in arrival order, independent of the sending goroutine.
type pipeEnd struct {
	mu       sync.Mutex
	peer     *pipeEnd
	handlers transport.PortHandlers
	closed   bool
	inbox    chan *wire.Message
}

func newPipePair() (*pipeEnd, *pipeEnd) {
	a := &pipeEnd{inbox: make(chan *wire.Message, 256)}
	b := &pipeEnd{inbox: make(chan *wire.Message, 256)}
	a.peer = b
	b.peer = a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func (e *pipeEnd) setHandlers(h transport.PortHandlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

func (e *pipeEnd) deliverLoop() {
	for msg := range e.inbox {
		e.mu.Lock()
		h := e.handlers.OnMessage
		e.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (e *pipeEnd) Send(msg *wire.Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("memtransport: send on a closed port")
	}
	peer := e.peer
	e.mu.Unlock()

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return nil
	}
	peer.inbox <- msg
	return nil
}

func (e *pipeEnd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.inbox)
	e.mu.Unlock()

	peer := e.peer
	peer.mu.Lock()
	alreadyClosed := peer.closed
	onDisconnect := peer.handlers.OnDisconnect
	peer.mu.Unlock()
	if !alreadyClosed && onDisconnect != nil {
		go onDisconnect()
	}
	return nil
}
