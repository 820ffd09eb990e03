package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/pkg/schema"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCallTimeout    = 10 * time.Second
)

// Dialer opens an unstarted client for host.
type Dialer func(ctx context.Context, host string) (*client.Client, error)

// SSEDialer dials http://<host>/sse.
func SSEDialer(ctx context.Context, host string) (*client.Client, error) {
	return client.NewSSEMCPClient("http://" + host + "/sse")
}

// Option configures a Registry.
type Option func(*Registry)

func WithDialer(d Dialer) Option { return func(r *Registry) { r.dial = d } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithConnectTimeout(d time.Duration) Option { return func(r *Registry) { r.connectTimeout = d } }

// WithCallTimeout bounds every proxied call.
func WithCallTimeout(d time.Duration) Option { return func(r *Registry) { r.callTimeout = d } }

// WithClientInfo sets the implementation name sent on initialize.
func WithClientInfo(name, version string) Option {
	return func(r *Registry) { r.info = mcp.Implementation{Name: name, Version: version} }
}

type proxyKey struct {
	host    string
	service string
}

// Registry keeps one initialized client per host and the typed proxies built
// on top of them. Concurrent first use of a host connects once.
type Registry struct {
	dial           Dialer
	logger         *slog.Logger
	info           mcp.Implementation
	connectTimeout time.Duration
	callTimeout    time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	clients map[string]*client.Client
	proxies map[proxyKey]any
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		dial:           SSEDialer,
		info:           mcp.Implementation{Name: "flowmaster", Version: "1.0.0"},
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    DefaultCallTimeout,
		clients:        make(map[string]*client.Client),
		proxies:        make(map[proxyKey]any),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

// Client returns the initialized client of host, connecting on first use.
func (r *Registry) Client(ctx context.Context, host string) (*client.Client, error) {
	r.mu.RLock()
	c, ok := r.clients[host]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, schema.NewError(schema.ErrCodeRPC, "client registry is closed")
	}
	if ok {
		return c, nil
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		r.mu.RLock()
		c, ok := r.clients[host]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}

		c, err := r.connect(ctx, host)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = c.Close()
			return nil, schema.NewError(schema.ErrCodeRPC, "client registry is closed")
		}
		r.clients[host] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*client.Client), nil
}

func (r *Registry) connect(ctx context.Context, host string) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	c, err := r.dial(ctx, host)
	if err != nil {
		return nil, rpcError(host, "dial", err)
	}
	// The SSE stream lives on the start context; only Close may end it.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, rpcError(host, "start", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ClientInfo = r.info
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, rpcError(host, "initialize", err)
	}

	r.logger.Info("rpc client connected", slog.String("host", host))
	return c, nil
}

// Evict closes and forgets the client of host together with its proxies.
func (r *Registry) Evict(host string) {
	r.mu.Lock()
	c, ok := r.clients[host]
	delete(r.clients, host)
	for k := range r.proxies {
		if k.host == host {
			delete(r.proxies, k)
		}
	}
	r.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			r.logger.Debug("close evicted client", slog.String("host", host), slog.String("error", err.Error()))
		}
		r.logger.Info("rpc client evicted", slog.String("host", host))
	}
}

// Hosts returns the hosts with a live client.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for h := range r.clients {
		out = append(out, h)
	}
	return out
}

// Close closes every client. Later calls fail with RPC_ERROR.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*client.Client)
	r.proxies = make(map[proxyKey]any)
	r.closed = true
	r.mu.Unlock()

	var first error
	for host, c := range clients {
		if err := c.Close(); err != nil && first == nil {
			first = rpcError(host, "close", err)
		}
	}
	return first
}

// TaskOperator returns the cached worker proxy of host.
func (r *Registry) TaskOperator(host string) TaskOperator {
	return proxy(r, host, "task_operator", func() TaskOperator { return &taskOperatorProxy{r: r, host: host} })
}

// MasterService returns the cached master proxy of host.
func (r *Registry) MasterService(host string) MasterService {
	return proxy(r, host, "master", func() MasterService { return &masterProxy{r: r, host: host} })
}

func proxy[T any](r *Registry, host, service string, build func() T) T {
	key := proxyKey{host: host, service: service}
	r.mu.RLock()
	p, ok := r.proxies[key]
	r.mu.RUnlock()
	if ok {
		return p.(T)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.proxies[key]; ok {
		return p.(T)
	}
	t := build()
	r.proxies[key] = t
	return t
}

func rpcError(host, op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeRPC, "rpc %s %s: %s", op, host, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"host": host})
}
