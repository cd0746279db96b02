package grpctransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"k8s.io/klog/v2"

	"github.com/nodelink/linkmesh/pkg/lerrors"
	"github.com/nodelink/linkmesh/pkg/transport"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// ClientConfig holds the gRPC dial knobs a Client uses to reach its hub.
type ClientConfig struct {
	DialOptions     []grpc.DialOption
	KeepAliveParams *keepalive.ClientParameters
	TLSConfig       *tls.Config
	// BackoffFactory governs the bounded dial-retry loop inside Connect.
	// This is retry of a dial, not of an established LogicalConnection:
	// the manager never retries a connection on the caller's behalf, so
	// once Connect succeeds and a connection later drops, a fresh
	// resolve() dials again from scratch through a new BackOff instance.
	BackoffFactory func() backoff.BackOff
}

// DefaultClientConfig pings every 10s and considers the peer dead if a
// pong doesn't arrive within 5s, even with no active RPC in flight.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		KeepAliveParams: &keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		},
		BackoffFactory: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// maxDialAttempts bounds Connect's internal retry loop. Connect must return
// in finite time so a resolve() caller gets a definite answer; unbounded
// retry here would silently turn a bounded "am I connected" call into a
// hang instead of surfacing E_ENDPOINT_DIAL_FAILED to the caller.
const maxDialAttempts = 4

// Client is a transport.Transport that dials a single hub address. Each
// Connect call opens its own grpc.ClientConn and bidi stream; Listen is
// unsupported (a Client never accepts incoming channels).
type Client struct {
	address string
	config  *ClientConfig
}

// NewClient builds a Client bound to address. A per-call descriptor may
// still override the address, for the rare case of resolving multiple
// distinct hosts through one logical Client.
func NewClient(address string, config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.KeepAliveParams == nil {
		config.KeepAliveParams = DefaultClientConfig().KeepAliveParams
	}
	if config.BackoffFactory == nil {
		config.BackoffFactory = DefaultClientConfig().BackoffFactory
	}
	return &Client{address: address, config: config}
}

func (c *Client) Listen(onAccept transport.OnAccept) error {
	return fmt.Errorf("grpctransport: Client does not accept incoming channels; use Server")
}

// Connect dials descriptor's target (or c.address if the descriptor does
// not name one), opens the bidi stream, and installs handlers before
// returning, per the transport.Transport contract.
func (c *Client) Connect(ctx context.Context, descriptor wire.Metadata, handlers transport.PortHandlers) (transport.PortProcessor, wire.Metadata, error) {
	addr := c.address
	if override, ok := descriptor["address"].(string); ok && override != "" {
		addr = override
	}

	dialOpts := append([]grpc.DialOption{}, c.config.DialOptions...)
	dialOpts = append(dialOpts, grpc.WithKeepaliveParams(*c.config.KeepAliveParams))
	if c.config.TLSConfig != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(c.config.TLSConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	b := c.config.BackoffFactory()
	var lastErr error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		stream, cc, err := c.dialAndOpenStream(ctx, addr, dialOpts)
		if err == nil {
			p := newPort(stream, handlers, func() { cc.Close() })
			platform := wire.Metadata{"remote_addr": addr}
			return p, platform, nil
		}

		lastErr = err
		klog.V(4).InfoS("grpctransport: dial attempt failed", "address", addr, "attempt", attempt, "error", err)

		if attempt == maxDialAttempts {
			break
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, nil, lerrors.New(lerrors.EndpointCode("DIAL_FAILED"), "failed to establish grpc stream", lastErr, "address", addr)
}

func (c *Client) dialAndOpenStream(ctx context.Context, addr string, dialOpts []grpc.DialOption) (grpc.ClientStream, *grpc.ClientConn, error) {
	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	stream, err := openClientStream(ctx, cc)
	if err != nil {
		cc.Close()
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	return stream, cc, nil
}

// Close is a no-op: a Client owns no shared listener, only the per-Connect
// ClientConns it dials, each released via its port's Close.
func (c *Client) Close() error {
	return nil
}
