// Command demo-host runs a ConnectionManager that only ever accepts
// incoming connections: a minimal L3 that logs every application message
// and disconnect, and echoes each application message back to its sender.
// It exists to exercise pkg/manager and pkg/transport/grpctransport
// end-to-end without any business logic of its own.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/conn"
	"github.com/nodelink/linkmesh/pkg/manager"
	"github.com/nodelink/linkmesh/pkg/transport/grpctransport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

func main() {
	var (
		listenAddr = flag.String("listen-address", ":7443", "gRPC listen address for incoming connections")
		context_   = flag.String("context", "host", "local UserMetadata 'context' value advertised to peers")
		groups     = flag.String("groups", "", "comma-separated service groups this host belongs to")
		certFile   = flag.String("cert-file", "", "path to TLS certificate (optional)")
		keyFile    = flag.String("key-file", "", "path to TLS private key (optional)")
	)

	klog.InitFlags(nil)
	flag.Parse()

	serverConfig := grpctransport.DefaultServerConfig()
	serverConfig.ListenAddress = *listenAddr
	if *certFile != "" && *keyFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			klog.ErrorS(err, "Failed to load TLS certificate")
			os.Exit(1)
		}
		serverConfig.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		klog.InfoS("TLS enabled", "cert_file", *certFile)
	}

	localMeta := wire.Metadata{"context": *context_}
	if *groups != "" {
		localMeta["groups"] = strings.Split(*groups, ",")
	}

	var mgr *manager.Manager
	mgr = manager.New(manager.Config{
		Transport:     grpctransport.NewServer(serverConfig),
		LocalMetadata: localMeta,
		Verify: func(_ context.Context, remote wire.Metadata, connCtx conn.Context) (bool, error) {
			klog.InfoS("Handshake request", "connection_id", connCtx.ConnectionID, "remote", remote)
			return true, nil
		},
		Handlers: manager.Handlers{
			OnMessage: func(connectionID string, msg *wire.Message) {
				klog.InfoS("Received application message", "connection_id", connectionID, "payload", msg.Payload)
				if _, err := mgr.Send(manager.ByConnectionID(connectionID), msg); err != nil {
					klog.ErrorS(err, "Echo failed", "connection_id", connectionID)
				}
			},
			OnDisconnect: func(connectionID string, identity wire.Metadata, hadIdentity bool) {
				klog.InfoS("Peer disconnected", "connection_id", connectionID, "had_identity", hadIdentity, "identity", identity)
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		klog.ErrorS(err, "Failed to initialize manager")
		os.Exit(1)
	}
	klog.InfoS("demo-host listening", "address", *listenAddr, "context", *context_)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	klog.InfoS("Shutting down demo-host")
	if err := mgr.Shutdown(); err != nil {
		klog.ErrorS(err, "Shutdown error")
	}
}
