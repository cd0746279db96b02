// Command demo-client dials a demo-host, resolves one outgoing connection
// to it, and then sends a payload on every tick, printing whatever comes
// back. It exists to exercise the active side of the handshake and
// pkg/manager's resolve/send path over a real grpctransport dial.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/conn"
	"github.com/nodelink/linkmesh/pkg/manager"
	"github.com/nodelink/linkmesh/pkg/transport/grpctransport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

func main() {
	var (
		hubAddress = flag.String("hub-address", "localhost:7443", "address of the demo-host to dial")
		context_   = flag.String("context", "client", "local UserMetadata 'context' value advertised to the host")
		groups     = flag.String("groups", "", "comma-separated service groups this client belongs to")
		interval   = flag.Duration("send-interval", 5*time.Second, "how often to send a demo payload")
		insecure   = flag.Bool("insecure-skip-verify", false, "skip TLS certificate verification (testing only)")
	)

	klog.InitFlags(nil)
	flag.Parse()

	clientConfig := grpctransport.DefaultClientConfig()
	if *insecure {
		clientConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	localMeta := wire.Metadata{"context": *context_}
	if *groups != "" {
		localMeta["groups"] = strings.Split(*groups, ",")
	}

	mgr := manager.New(manager.Config{
		Transport:     grpctransport.NewClient(*hubAddress, clientConfig),
		LocalMetadata: localMeta,
		Verify: func(_ context.Context, _ wire.Metadata, _ conn.Context) (bool, error) {
			return true, nil
		},
		Handlers: manager.Handlers{
			OnMessage: func(connectionID string, msg *wire.Message) {
				klog.InfoS("Received application message", "connection_id", connectionID, "payload", msg.Payload)
			},
			OnDisconnect: func(connectionID string, identity wire.Metadata, hadIdentity bool) {
				klog.InfoS("Host disconnected", "connection_id", connectionID, "had_identity", hadIdentity)
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		klog.ErrorS(err, "Failed to initialize manager")
		os.Exit(1)
	}

	host, err := mgr.Resolve(ctx, manager.ResolveOptions{Descriptor: wire.Metadata{}})
	if err != nil {
		klog.ErrorS(err, "Failed to resolve host connection")
		os.Exit(1)
	}
	klog.InfoS("Connected to demo-host", "connection_id", host.ID(), "hub_address", *hubAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg := &wire.Message{Type: "DEMO_PING", Payload: map[string]any{"sent_at": time.Now().Format(time.RFC3339)}}
			if err := host.Send(msg); err != nil {
				klog.ErrorS(err, "Send failed")
			}
		case <-sigCh:
			klog.InfoS("Shutting down demo-client")
			_ = mgr.Shutdown()
			return
		}
	}
}
