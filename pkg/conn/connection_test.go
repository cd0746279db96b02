package conn_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nodelink/linkmesh/pkg/conn"
	"github.com/nodelink/linkmesh/pkg/wire"
)

func TestConn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "conn suite")
}

// fakePort is a transport.PortProcessor test double that records every sent
// message and never touches a real channel.
type fakePort struct {
	sent   []*wire.Message
	closed bool
	sendErr error
}

func (p *fakePort) Send(msg *wire.Message) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func idAllocator() func() int64 {
	var n int64
	return func() int64 {
		n++
		return n
	}
}

var _ = Describe("LogicalConnection", func() {
	var port *fakePort

	BeforeEach(func() {
		port = &fakePort{}
	})

	Describe("active side", func() {
		It("sends HANDSHAKE_REQ and moves to Handshaking", func() {
			c := conn.New(conn.Config{ID: "c1", Port: port, NextMessageID: idAllocator()})

			err := c.InitiateHandshake(wire.Metadata{"role": "host"}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status()).To(Equal(conn.StatusHandshaking))
			Expect(port.sent).To(HaveLen(1))
			Expect(port.sent[0].Type).To(Equal(wire.TypeHandshakeReq))
			Expect(port.sent[0].Metadata).To(Equal(wire.Metadata{"role": "host"}))
		})

		It("reaches Connected on HANDSHAKE_ACK without re-verifying", func() {
			verified := false
			c := conn.New(conn.Config{
				ID: "c1", Port: port, NextMessageID: idAllocator(),
				Handlers: conn.Handlers{OnVerified: func(string, wire.Metadata) { verified = true }},
			})
			Expect(c.InitiateHandshake(wire.Metadata{"role": "host"}, nil)).To(Succeed())

			err := c.HandleMessage(context.Background(), &wire.Message{
				Type: wire.TypeHandshakeAck, Metadata: wire.Metadata{"role": "client"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status()).To(Equal(conn.StatusConnected))
			Expect(c.WasEstablished()).To(BeTrue())
			Expect(verified).To(BeTrue())

			remote, ok := c.RemoteIdentity()
			Expect(ok).To(BeTrue())
			Expect(remote).To(Equal(wire.Metadata{"role": "client"}))
		})

		It("closes on HANDSHAKE_REJECT", func() {
			closed := false
			c := conn.New(conn.Config{
				ID: "c1", Port: port, NextMessageID: idAllocator(),
				Handlers: conn.Handlers{OnClosed: func(string, wire.Metadata, bool) { closed = true }},
			})
			Expect(c.InitiateHandshake(wire.Metadata{}, nil)).To(Succeed())

			Expect(c.HandleMessage(context.Background(), &wire.Message{Type: wire.TypeHandshakeReject})).To(Succeed())
			Expect(c.Status()).To(Equal(conn.StatusClosed))
			Expect(closed).To(BeTrue())
			Expect(port.closed).To(BeTrue())
		})
	})

	Describe("passive side", func() {
		It("christens via Assigns, verifies, and sends HANDSHAKE_ACK", func() {
			var seenRemote wire.Metadata
			c := conn.New(conn.Config{
				ID: "c2", Port: port, NextMessageID: idAllocator(),
				Verify: func(_ context.Context, remote wire.Metadata, _ conn.Context) (bool, error) {
					seenRemote = remote
					return true, nil
				},
				Handlers: conn.Handlers{OnVerified: func(string, wire.Metadata) {}},
			})

			err := c.HandleMessage(context.Background(), &wire.Message{
				Type:     wire.TypeHandshakeReq,
				Metadata: wire.Metadata{"role": "client"},
				Assigns:  wire.Metadata{"id": "assigned-1"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status()).To(Equal(conn.StatusConnected))
			Expect(c.WasEstablished()).To(BeTrue())
			Expect(c.LocalMetadata()).To(Equal(wire.Metadata{"id": "assigned-1"}))
			Expect(seenRemote).To(Equal(wire.Metadata{"role": "client"}))

			Expect(port.sent).To(HaveLen(1))
			Expect(port.sent[0].Type).To(Equal(wire.TypeHandshakeAck))
			Expect(port.sent[0].Metadata).To(Equal(wire.Metadata{"id": "assigned-1"}))
		})

		It("sends HANDSHAKE_REJECT and closes when verify returns false", func() {
			var hadIdentity *bool
			c := conn.New(conn.Config{
				ID: "c2", Port: port, NextMessageID: idAllocator(),
				Verify: func(context.Context, wire.Metadata, conn.Context) (bool, error) { return false, nil },
				Handlers: conn.Handlers{OnClosed: func(_ string, _ wire.Metadata, had bool) { hadIdentity = &had }},
			})

			err := c.HandleMessage(context.Background(), &wire.Message{
				Type: wire.TypeHandshakeReq, Metadata: wire.Metadata{"role": "client"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status()).To(Equal(conn.StatusClosed))
			Expect(port.sent).To(HaveLen(1))
			Expect(port.sent[0].Type).To(Equal(wire.TypeHandshakeReject))
			Expect(*hadIdentity).To(BeFalse())
		})

		It("propagates an error when the verifier itself fails, without closing", func() {
			c := conn.New(conn.Config{
				ID: "c2", Port: port, NextMessageID: idAllocator(),
				Verify: func(context.Context, wire.Metadata, conn.Context) (bool, error) {
					return false, errors.New("policy backend unreachable")
				},
			})

			err := c.HandleMessage(context.Background(), &wire.Message{
				Type: wire.TypeHandshakeReq, Metadata: wire.Metadata{},
			})
			Expect(err).To(HaveOccurred())
			Expect(c.Status()).To(Equal(conn.StatusHandshaking))
			Expect(port.closed).To(BeFalse())
		})
	})

	Describe("identity updates", func() {
		It("shallow-merges Updates into the remote identity once Connected", func() {
			var newIdentity, oldIdentity wire.Metadata
			c := conn.New(conn.Config{
				ID: "c3", Port: port, NextMessageID: idAllocator(),
				Handlers: conn.Handlers{OnIdentityUpdated: func(_ string, n, o wire.Metadata) {
					newIdentity, oldIdentity = n, o
				}},
			})
			Expect(c.InitiateHandshake(wire.Metadata{}, nil)).To(Succeed())
			Expect(c.HandleMessage(context.Background(), &wire.Message{
				Type: wire.TypeHandshakeAck, Metadata: wire.Metadata{"role": "client", "zone": "us"},
			})).To(Succeed())

			err := c.HandleMessage(context.Background(), &wire.Message{
				Type: wire.TypeIdentityUpdate, Updates: wire.Metadata{"zone": "eu"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(oldIdentity).To(Equal(wire.Metadata{"role": "client", "zone": "us"}))
			Expect(newIdentity).To(Equal(wire.Metadata{"role": "client", "zone": "eu"}))

			remote, _ := c.RemoteIdentity()
			Expect(remote).To(Equal(wire.Metadata{"role": "client", "zone": "eu"}))
		})

		It("is silently dropped before Connected", func() {
			called := false
			c := conn.New(conn.Config{
				ID: "c3", Port: port, NextMessageID: idAllocator(),
				Handlers: conn.Handlers{OnIdentityUpdated: func(string, wire.Metadata, wire.Metadata) { called = true }},
			})
			Expect(c.HandleMessage(context.Background(), &wire.Message{
				Type: wire.TypeIdentityUpdate, Updates: wire.Metadata{"zone": "eu"},
			})).To(Succeed())
			Expect(called).To(BeFalse())
		})
	})

	Describe("Close and disconnect", func() {
		It("invokes onClosed exactly once even when called twice", func() {
			count := 0
			c := conn.New(conn.Config{
				ID: "c4", Port: port, NextMessageID: idAllocator(),
				Handlers: conn.Handlers{OnClosed: func(string, wire.Metadata, bool) { count++ }},
			})
			Expect(c.Close()).To(Succeed())
			c.HandleDisconnect()
			Expect(count).To(Equal(1))
			Expect(c.Status()).To(Equal(conn.StatusClosed))
		})

		It("omits the identity when the connection never reached Connected", func() {
			var identity wire.Metadata
			identity = wire.Metadata{"sentinel": true}
			c := conn.New(conn.Config{
				ID: "c4", Port: port, NextMessageID: idAllocator(),
				Handlers: conn.Handlers{OnClosed: func(_ string, got wire.Metadata, _ bool) { identity = got }},
			})
			Expect(c.Close()).To(Succeed())
			Expect(identity).To(BeNil())
		})
	})
})
