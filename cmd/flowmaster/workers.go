package main

import (
	"context"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rendis/flowmaster/internal/dispatch"
)

// workerSource is the worker registry picked by configuration: etcd when
// endpoints are set, the static list otherwise.
type workerSource struct {
	dispatch.WorkerRegistry
	static *dispatch.StaticRegistry
	etcd   *dispatch.EtcdRegistry
	client *clientv3.Client
}

func newWorkerSource(ctx context.Context, cfg Config, logger *slog.Logger) (*workerSource, error) {
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := dispatch.NewEtcdClient(ctx, dispatch.EtcdConfig{Endpoints: cfg.EtcdEndpoints, Prefix: cfg.EtcdPrefix})
		if err != nil {
			return nil, err
		}
		reg := dispatch.NewEtcdRegistry(cli, cfg.EtcdPrefix, dispatch.WithEtcdLogger(logger))
		if err := reg.Start(ctx); err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("load workers from etcd: %w", err)
		}
		logger.Info("worker registry: etcd", slog.Any("endpoints", cfg.EtcdEndpoints), slog.String("prefix", cfg.EtcdPrefix))
		return &workerSource{WorkerRegistry: reg, etcd: reg, client: cli}, nil
	}

	ws, err := dispatch.ParseWorkers(cfg.Workers)
	if err != nil {
		return nil, err
	}
	reg := dispatch.NewStaticRegistry(ws...)
	logger.Info("worker registry: static", slog.Int("workers", len(ws)))
	return &workerSource{WorkerRegistry: reg, static: reg}, nil
}

// Replace swaps the static worker list. Etcd-backed sources ignore it.
func (s *workerSource) Replace(workers string) error {
	if s.static == nil {
		return nil
	}
	ws, err := dispatch.ParseWorkers(workers)
	if err != nil {
		return err
	}
	s.static.Replace(ws)
	return nil
}

func (s *workerSource) Close() {
	if s.etcd != nil {
		s.etcd.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
}
