package grpctransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// ServerConfig is a plain struct with a Default constructor, no flag/viper
// layer at this level — only the cmd/ binaries parse flags.
type ServerConfig struct {
	ListenAddress   string
	ServerOptions   []grpc.ServerOption
	KeepAliveParams *keepalive.ServerParameters
	TLSConfig       *tls.Config
}

// DefaultServerConfig uses a keepalive schedule tighter than grpc's own
// default, tuned for detecting a dead peer quickly rather than an
// internet-facing service with many idle clients.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress: ":7443",
		KeepAliveParams: &keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Second,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  5 * time.Second,
			Timeout:               1 * time.Second,
		},
	}
}

// Server is a transport.Transport backed by a gRPC server accepting
// bidirectional streams, one per incoming LogicalConnection.
type Server struct {
	config   *ServerConfig
	grpc     *grpc.Server
	listener net.Listener

	mu       sync.Mutex
	onAccept transport.OnAccept
}

// NewServer builds a Server. Registration against the hand-built
// serviceDesc happens here so Listen only needs to start accepting.
func NewServer(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.KeepAliveParams == nil {
		config.KeepAliveParams = DefaultServerConfig().KeepAliveParams
	}

	opts := append([]grpc.ServerOption{}, config.ServerOptions...)
	opts = append(opts, grpc.KeepaliveParams(*config.KeepAliveParams))
	if config.TLSConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(config.TLSConfig)))
		klog.InfoS("TLS enabled for grpctransport server")
	} else {
		klog.InfoS("TLS not configured for grpctransport server - using insecure connection")
	}

	s := &Server{config: config, grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Stream implements tunnelServer. It is invoked once per incoming stream by
// the grpc runtime, and blocks for the connection's whole lifetime: gRPC
// tears the stream down when this method returns.
func (s *Server) Stream(stream grpc.ServerStream) error {
	s.mu.Lock()
	onAccept := s.onAccept
	s.mu.Unlock()
	if onAccept == nil {
		return fmt.Errorf("grpctransport: stream accepted before Listen")
	}

	done := make(chan struct{})
	platform := platformFromContext(stream.Context())
	onAccept(func(handlers transport.PortHandlers) transport.PortProcessor {
		return newPort(stream, handlers, func() {
			select {
			case <-done:
			default:
				close(done)
			}
		})
	}, platform)

	<-done
	return nil
}

// Listen starts the gRPC server and begins accepting streams. onAccept is
// invoked once per accepted stream for as long as the server runs.
func (s *Server) Listen(onAccept transport.OnAccept) error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("grpctransport: listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = lis

	s.mu.Lock()
	s.onAccept = onAccept
	s.mu.Unlock()

	klog.InfoS("grpctransport server listening", "address", lis.Addr().String())
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			klog.ErrorS(err, "grpctransport server stopped serving")
		}
	}()
	return nil
}

// Close gracefully stops the gRPC server, waiting for in-flight streams to
// finish on their own terms.
func (s *Server) Close() error {
	s.grpc.GracefulStop()
	return nil
}

// platformFromContext builds the transport-discovered platform metadata for
// an accepted stream: the dialing peer's network address, and, when mutual
// TLS is configured, the CommonName of its leaf certificate. Neither is
// something the remote side can misstate to this process.
func platformFromContext(ctx context.Context) wire.Metadata {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return wire.Metadata{}
	}
	m := wire.Metadata{"remote_addr": p.Addr.String()}
	if tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo); ok && len(tlsInfo.State.PeerCertificates) > 0 {
		m["tls_common_name"] = tlsInfo.State.PeerCertificates[0].Subject.CommonName
	}
	return m
}
