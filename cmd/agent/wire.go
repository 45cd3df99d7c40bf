package main

import (
	"context"
	"errors"
	"fmt"

	"c2dagent/internal/adapters/identity"
	"c2dagent/internal/adapters/ipfs"
	"c2dagent/internal/adapters/kube"
	"c2dagent/internal/adapters/wasm"
	"c2dagent/internal/attestation"
	"c2dagent/internal/compute"
	"c2dagent/internal/config"
	"c2dagent/internal/coordinator"
	"c2dagent/internal/logging"
	"c2dagent/internal/observability"
	"c2dagent/internal/recorder"
	"c2dagent/internal/timeout"
)

// agent 聚合一次进程内需要的全部组件。
type agent struct {
	cfg         config.Config
	coordinator *coordinator.Coordinator
	recorder    *recorder.Recorder
	compute     *compute.Client
	local       *wasm.LocalMarketplace
	closers     []func(context.Context) error
}

// Close 按注册的逆序释放资源。
func (a *agent) Close(ctx context.Context) error {
	if a.local != nil {
		a.local.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore 按配置选择记录后端。
func openStore(ctx context.Context, cfg config.RecorderConfig) (recorder.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return recorder.NewSQLiteStore(cfg.SQLitePath)
	case "minio":
		return recorder.NewMinIOStore(ctx, recorder.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Prefix:    cfg.MinIO.Prefix,
		})
	default:
		return recorder.NewMemoryStore(), nil
	}
}

func newRecorder(ctx context.Context, cfg config.Config, log logging.Logger) (*recorder.Recorder, error) {
	store, err := openStore(ctx, cfg.Recorder)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Recorder.Backend, err)
	}
	return recorder.New(recorder.Config{
		Store:        store,
		HistoryLimit: cfg.Recorder.HistoryLimit,
		Verbose:      cfg.Verbose,
		Log:          log,
	}), nil
}

// newAttestationService 有 endpoint 时使用 HTTP 网关，否则读取本地声明文件。
func newAttestationService(cfg config.AttestationConfig, log logging.Logger) (attestation.Service, error) {
	if cfg.Endpoint != "" {
		return identity.NewGatewayService(cfg.Endpoint, cfg.Credential, log)
	}
	if cfg.ClaimsFile != "" {
		log.Infof("using static identity claims from %s", cfg.ClaimsFile)
		return identity.LoadStaticService(cfg.ClaimsFile)
	}
	return nil, errors.New("attestation.endpoint or attestation.claimsFile is required")
}

// newFetcher 有网关时走 IPFS 网关，否则读取本地镜像目录。
func newFetcher(cfg config.ComputeConfig, log logging.Logger) (wasm.Fetcher, error) {
	if cfg.AssetGateway != "" {
		log.Infof("using ipfs gateway %s", cfg.AssetGateway)
		return ipfs.NewGatewayClient(cfg.AssetGateway, log)
	}
	log.Infof("using local asset mirror %s", cfg.AssetMirror)
	return ipfs.NewMirrorClient(cfg.AssetMirror, log), nil
}

// newComputeClient 以 Kubernetes 为主市场；允许离线回退时以本地 wazero 市场兜底。
func newComputeClient(ctx context.Context, cfg config.ComputeConfig, log logging.Logger) (*compute.Client, *wasm.LocalMarketplace, error) {
	fetcher, err := newFetcher(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	var local *wasm.LocalMarketplace
	if cfg.AllowOfflineFallback {
		runner := wasm.NewRunner(wasm.RunnerConfig{CallLimit: cfg.CallLimit, Timeout: cfg.MaxDuration, Log: log})
		local = wasm.NewLocalMarketplace(runner, fetcher, log)
		local.Register(compute.Asset{ID: cfg.DatasetID, Name: "dataset", Kind: "dataset", URI: cfg.DatasetURI})
		local.Register(compute.Asset{ID: cfg.AlgorithmID, Name: "algorithm", Kind: "algorithm", URI: cfg.AlgorithmURI})
	}

	var primary compute.Marketplace
	clientset, err := kube.NewClientset()
	if err == nil {
		primary, err = kube.NewMarketplace(clientset, kube.Config{
			Namespace:     cfg.Namespace,
			ExecutorImage: cfg.ExecutorImage,
			JobTemplate:   cfg.JobTemplate,
			Log:           log,
		}, fetcher)
	}
	if err != nil {
		if local == nil {
			return nil, nil, fmt.Errorf("kubernetes marketplace: %w", err)
		}
		log.Warnf("kubernetes marketplace unavailable, running locally: %v", err)
		primary, local = local, nil
	}

	var fallback compute.Marketplace
	if local != nil {
		fallback = local
	}
	client, err := compute.NewClient(compute.Config{
		DatasetID:    cfg.DatasetID,
		AlgorithmID:  cfg.AlgorithmID,
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.Timeout,
		Resources: compute.Resources{
			CPU:         cfg.CPU,
			MemoryMB:    cfg.MemoryMB,
			MaxDuration: cfg.MaxDuration,
		},
		AllowOfflineFallback: cfg.AllowOfflineFallback,
		Log:                  log,
	}, primary, fallback)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	if lm, ok := primary.(*wasm.LocalMarketplace); ok {
		local = lm
	}
	return client, local, nil
}

// buildAgent 按配置装配追踪、身份核验、计算市场、超时管理器、记录器与编排器。
func buildAgent(ctx context.Context, cfg config.Config, log logging.Logger) (*agent, error) {
	a := &agent{cfg: cfg}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
		ServiceName: "c2dagent",
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	rec, err := newRecorder(ctx, cfg, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.recorder = rec
	a.closers = append(a.closers, func(context.Context) error { return rec.Store().Close() })

	svc, err := newAttestationService(cfg.Attestation, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	client, local, err := newComputeClient(ctx, cfg.Compute, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.compute = client
	a.local = local
	if client.Offline() {
		log.Warnf("compute running in offline mode on the local wasm runner")
	}

	tcfg := cfg.TimeoutConfig()
	tcfg.Log = log
	// 配置中的 0 表示不重试，编排器用负数表达这一点。
	maxRetries := cfg.Retry.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	coord, err := coordinator.NewCoordinator(coordinator.Config{
		MaxRetries: maxRetries,
		RetryDelay: cfg.Retry.Delay,
		Log:        log,
	}, timeout.NewManager(tcfg), attestation.NewClient(svc, log), client, rec)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.coordinator = coord
	return a, nil
}
