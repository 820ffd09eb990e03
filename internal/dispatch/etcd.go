package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rendis/flowmaster/internal/logging"
)

// EtcdConfig configures the etcd connection of the worker registry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewEtcdClient connects to etcd and checks the first endpoint.
func NewEtcdClient(ctx context.Context, cfg EtcdConfig) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}
	return cli, nil
}

// EtcdClient is the part of *clientv3.Client the registry uses.
type EtcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// workerValue is the JSON stored under a worker key.
type workerValue struct {
	Weight int `json:"weight"`
}

// EtcdRegistry mirrors worker keys <prefix>/workers/<group>/<host> into
// memory and keeps them current with a watch.
type EtcdRegistry struct {
	client EtcdClient
	prefix string
	logger *slog.Logger
	resync time.Duration

	mu     sync.RWMutex
	groups map[string]map[string]Worker

	cancel context.CancelFunc
	done   chan struct{}
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

func WithEtcdLogger(l *slog.Logger) EtcdOption { return func(r *EtcdRegistry) { r.logger = l } }

// WithResyncDelay sets the pause before reloading after a broken watch.
func WithResyncDelay(d time.Duration) EtcdOption { return func(r *EtcdRegistry) { r.resync = d } }

const maxResyncDelay = 30 * time.Second

// NewEtcdRegistry creates a registry rooted at prefix. Call Start to load it.
func NewEtcdRegistry(client EtcdClient, prefix string, opts ...EtcdOption) *EtcdRegistry {
	if prefix == "" {
		prefix = "/flowmaster"
	}
	r := &EtcdRegistry{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		resync: time.Second,
		groups: make(map[string]map[string]Worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

func (r *EtcdRegistry) workersPrefix() string { return r.prefix + "/workers/" }

// Start loads the current workers and watches for changes until Close.
func (r *EtcdRegistry) Start(ctx context.Context) error {
	rev, err := r.load(ctx)
	if err != nil {
		return err
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, rev)
	return nil
}

// Close stops the watch.
func (r *EtcdRegistry) Close() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *EtcdRegistry) Workers(group string) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.groups[group]))
	for _, w := range r.groups[group] {
		out = append(out, w)
	}
	sortWorkers(out)
	return out
}

func (r *EtcdRegistry) load(ctx context.Context) (int64, error) {
	resp, err := r.client.Get(ctx, r.workersPrefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}

	groups := make(map[string]map[string]Worker)
	for _, kv := range resp.Kvs {
		if w, ok := r.parse(kv.Key, kv.Value); ok {
			if groups[w.Group] == nil {
				groups[w.Group] = make(map[string]Worker)
			}
			groups[w.Group][w.Host] = w
		}
	}

	r.mu.Lock()
	r.groups = groups
	r.mu.Unlock()

	var rev int64
	if resp.Header != nil {
		rev = resp.Header.Revision
	}
	r.logger.Info("worker registry loaded", slog.Int("workers", len(resp.Kvs)), slog.Int64("revision", rev))
	return rev, nil
}

// run watches from rev and reloads after every broken watch. Consecutive
// reload failures back off up to maxResyncDelay.
func (r *EtcdRegistry) run(ctx context.Context, rev int64) {
	defer close(r.done)
	backoff := RetryPolicy{BaseDelay: r.resync, Growth: GrowthExponential, MaxDelay: maxResyncDelay}
	failures := 0
	for {
		if failures == 0 {
			r.watch(ctx, rev)
		}
		if ctx.Err() != nil {
			return
		}
		if err := backoff.Wait(ctx, failures+1); err != nil {
			return
		}
		next, err := r.load(ctx)
		if err != nil {
			failures++
			r.logger.Warn("worker registry reload failed", slog.String("error", err.Error()), slog.Int("failures", failures))
			continue
		}
		rev, failures = next, 0
	}
}

// watch applies events after rev until the channel closes or reports an error.
func (r *EtcdRegistry) watch(ctx context.Context, rev int64) {
	ch := r.client.Watch(ctx, r.workersPrefix(), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range ch {
		if err := resp.Err(); err != nil {
			r.logger.Warn("worker watch broken", slog.String("error", err.Error()))
			return
		}
		for _, ev := range resp.Events {
			r.apply(ev)
		}
	}
}

func (r *EtcdRegistry) apply(ev *clientv3.Event) {
	switch ev.Type {
	case clientv3.EventTypePut:
		w, ok := r.parse(ev.Kv.Key, ev.Kv.Value)
		if !ok {
			return
		}
		r.mu.Lock()
		if r.groups[w.Group] == nil {
			r.groups[w.Group] = make(map[string]Worker)
		}
		r.groups[w.Group][w.Host] = w
		r.mu.Unlock()
		r.logger.Info("worker registered", slog.String("group", w.Group), slog.String("host", w.Host), slog.Int("weight", w.Weight))
	case clientv3.EventTypeDelete:
		group, host, ok := r.splitKey(ev.Kv.Key)
		if !ok {
			return
		}
		r.mu.Lock()
		delete(r.groups[group], host)
		if len(r.groups[group]) == 0 {
			delete(r.groups, group)
		}
		r.mu.Unlock()
		r.logger.Info("worker removed", slog.String("group", group), slog.String("host", host))
	}
}

func (r *EtcdRegistry) splitKey(key []byte) (group, host string, ok bool) {
	rest, found := strings.CutPrefix(string(key), r.workersPrefix())
	if !found {
		return "", "", false
	}
	group, host, ok = strings.Cut(rest, "/")
	if !ok || group == "" || host == "" || strings.Contains(host, "/") {
		return "", "", false
	}
	return group, host, true
}

func (r *EtcdRegistry) parse(key, value []byte) (Worker, bool) {
	group, host, ok := r.splitKey(key)
	if !ok {
		r.logger.Debug("ignoring worker key", slog.String("key", string(key)))
		return Worker{}, false
	}
	w := Worker{Host: host, Group: group, Weight: DefaultWeight}
	if len(value) > 0 {
		var v workerValue
		if err := json.Unmarshal(value, &v); err != nil {
			r.logger.Warn("invalid worker value, using default weight",
				slog.String("key", string(key)), slog.String("error", err.Error()))
		} else if v.Weight > 0 {
			w.Weight = v.Weight
		}
	}
	return w, true
}
