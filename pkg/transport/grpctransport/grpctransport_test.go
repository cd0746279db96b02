package grpctransport_test

import (
	"context"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/transport/grpctransport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

func TestGrpctransport(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "grpctransport suite")
}

func freeAddress() string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

var _ = Describe("Server and Client over real TCP", func() {
	It("delivers messages in both directions over one bidi stream", func() {
		addr := freeAddress()

		serverConfig := grpctransport.DefaultServerConfig()
		serverConfig.ListenAddress = addr
		server := grpctransport.NewServer(serverConfig)

		accepted := make(chan transport.PortProcessor, 1)
		acceptedPlatform := make(chan wire.Metadata, 1)
		serverGot := make(chan *wire.Message, 8)

		err := server.Listen(func(createProcessor transport.CreateProcessor, platform wire.Metadata) {
			port := createProcessor(transport.PortHandlers{
				OnMessage: func(msg *wire.Message) { serverGot <- msg },
			})
			acceptedPlatform <- platform
			accepted <- port
		})
		Expect(err).NotTo(HaveOccurred())
		defer server.Close()

		client := grpctransport.NewClient(addr, grpctransport.DefaultClientConfig())
		clientGot := make(chan *wire.Message, 8)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		clientPort, platform, err := client.Connect(ctx, wire.Metadata{}, transport.PortHandlers{
			OnMessage: func(msg *wire.Message) { clientGot <- msg },
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(platform).To(HaveKeyWithValue("remote_addr", addr))

		var serverPort transport.PortProcessor
		Eventually(accepted).Should(Receive(&serverPort))
		var serverPlatform wire.Metadata
		Eventually(acceptedPlatform).Should(Receive(&serverPlatform))
		Expect(serverPlatform).To(HaveKey("remote_addr"))

		id := int64(1)
		Expect(clientPort.Send(&wire.Message{ID: &id, Type: wire.TypeHandshakeReq, Metadata: wire.Metadata{"context": "client"}})).To(Succeed())

		var got *wire.Message
		Eventually(serverGot).Should(Receive(&got))
		Expect(got.Type).To(Equal(wire.TypeHandshakeReq))
		Expect(got.Metadata).To(HaveKeyWithValue("context", "client"))

		ackID := int64(2)
		Expect(serverPort.Send(&wire.Message{ID: &ackID, Type: wire.TypeHandshakeAck, Metadata: wire.Metadata{"context": "host"}})).To(Succeed())

		Eventually(clientGot).Should(Receive(&got))
		Expect(got.Type).To(Equal(wire.TypeHandshakeAck))

		Expect(clientPort.Close()).To(Succeed())
	})

	It("reports E_ENDPOINT_DIAL_FAILED quickly when nothing is listening", func() {
		client := grpctransport.NewClient(freeAddress(), grpctransport.DefaultClientConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		_, _, err := client.Connect(ctx, wire.Metadata{}, transport.PortHandlers{})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("E_ENDPOINT_DIAL_FAILED"))
	})

	It("rejects Listen on a Client", func() {
		client := grpctransport.NewClient(freeAddress(), grpctransport.DefaultClientConfig())
		err := client.Listen(func(transport.CreateProcessor, wire.Metadata) {})
		Expect(err).To(HaveOccurred())
	})

	It("honors a descriptor address override", func() {
		addr := freeAddress()
		serverConfig := grpctransport.DefaultServerConfig()
		serverConfig.ListenAddress = addr
		server := grpctransport.NewServer(serverConfig)
		accepted := make(chan struct{}, 1)
		Expect(server.Listen(func(createProcessor transport.CreateProcessor, _ wire.Metadata) {
			createProcessor(transport.PortHandlers{})
			accepted <- struct{}{}
		})).To(Succeed())
		defer server.Close()

		// Bound to a bogus default address; the descriptor override must win.
		client := grpctransport.NewClient("127.0.0.1:1", grpctransport.DefaultClientConfig())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := client.Connect(ctx, wire.Metadata{"address": addr}, transport.PortHandlers{})
		Expect(err).NotTo(HaveOccurred())
		Eventually(accepted).Should(Receive())
	})
})
