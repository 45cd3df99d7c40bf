package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
)

// Fetcher 按引用拉取算法模块与数据集输入。
type Fetcher interface {
	FetchModule(ctx context.Context, ref string) ([]byte, error)
	FetchInput(ctx context.Context, ref string) ([]byte, error)
}

// LocalMarketplace 是离线回退市场：资产来自进程内登记，作业在本地 Runner 上执行。
type LocalMarketplace struct {
	runner  *Runner
	fetcher Fetcher
	log     logging.Logger

	mu     sync.Mutex
	assets map[string]compute.Asset
	jobs   map[string]*compute.Status
	wg     sync.WaitGroup
}

// NewLocalMarketplace 创建本地市场。
func NewLocalMarketplace(runner *Runner, fetcher Fetcher, log logging.Logger) *LocalMarketplace {
	return &LocalMarketplace{
		runner:  runner,
		fetcher: fetcher,
		log:     logging.Default(log),
		assets:  make(map[string]compute.Asset),
		jobs:    make(map[string]*compute.Status),
	}
}

// Register 登记或替换一个资产。
func (l *LocalMarketplace) Register(a compute.Asset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets[a.ID] = a
}

// Health 检查执行器与拉取器是否就绪。
func (l *LocalMarketplace) Health(context.Context) error {
	if l.runner == nil || l.fetcher == nil {
		return errors.New("local marketplace is not configured")
	}
	return nil
}

// ResolveAsset 按 ID 查找已登记的资产。
func (l *LocalMarketplace) ResolveAsset(_ context.Context, id string) (compute.Asset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.assets[id]
	if !ok {
		return compute.Asset{}, fmt.Errorf("asset %s is not registered locally", id)
	}
	return a, nil
}

// OrderAsset 本地资产免费，直接返回收据。
func (l *LocalMarketplace) OrderAsset(_ context.Context, a compute.Asset) (compute.Receipt, error) {
	return compute.Receipt{AssetID: a.ID, TxID: "local-" + uuid.NewString()}, nil
}

// SubmitJob 登记作业并在后台执行，立即返回作业 ID。
func (l *LocalMarketplace) SubmitJob(ctx context.Context, req compute.JobRequest) (string, error) {
	algorithm, err := l.ResolveAsset(ctx, req.AlgorithmID)
	if err != nil {
		return "", err
	}
	dataset, err := l.ResolveAsset(ctx, req.DatasetID)
	if err != nil {
		return "", err
	}

	jobID := "local-" + uuid.NewString()
	now := time.Now()
	l.mu.Lock()
	l.jobs[jobID] = &compute.Status{JobID: jobID, State: compute.StateQueued, StartTime: now}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.execute(jobID, algorithm, dataset, req.Resources)
	}()
	l.log.Infof("local c2d job %s queued (algorithm=%s)", jobID, algorithm.ID)
	return jobID, nil
}

// JobStatus 返回作业状态的副本。
func (l *LocalMarketplace) JobStatus(_ context.Context, jobID string) (compute.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.jobs[jobID]
	if !ok {
		return compute.Status{}, fmt.Errorf("local job %s not found", jobID)
	}
	return *st, nil
}

// Wait 阻塞到所有已提交作业结束。
func (l *LocalMarketplace) Wait() {
	l.wg.Wait()
}

// execute 脱离提交请求的上下文运行，时长受 MaxDuration 约束。
func (l *LocalMarketplace) execute(jobID string, algorithm, dataset compute.Asset, res compute.Resources) {
	ctx := context.Background()
	if res.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, res.MaxDuration)
		defer cancel()
	}
	l.update(jobID, func(st *compute.Status) {
		st.State = compute.StateRunning
		st.Progress = 10
	})

	report, err := l.run(ctx, algorithm, dataset)
	end := time.Now()
	l.update(jobID, func(st *compute.Status) {
		st.EndTime = &end
		st.Duration = end.Sub(st.StartTime)
		st.Progress = 100
		switch {
		case err == nil:
			line, _ := json.Marshal(report)
			out := report.Output([]string{string(line)})
			st.State = compute.StateCompleted
			st.Result = &out
		case ctx.Err() != nil:
			st.State = compute.StateTimeout
			st.Error = err.Error()
		default:
			st.State = compute.StateFailed
			st.Error = err.Error()
		}
	})
	if err != nil {
		l.log.Warnf("local c2d job %s failed: %v", jobID, err)
		return
	}
	l.log.Infof("local c2d job %s completed", jobID)
}

// run 拉取模块与输入并执行。
func (l *LocalMarketplace) run(ctx context.Context, algorithm, dataset compute.Asset) (Report, error) {
	module, err := l.fetcher.FetchModule(ctx, ref(algorithm))
	if err != nil {
		return Report{}, fmt.Errorf("fetch algorithm %s: %w", algorithm.ID, err)
	}
	var inv Invocation
	input, err := l.fetcher.FetchInput(ctx, ref(dataset))
	if err != nil {
		return Report{}, fmt.Errorf("fetch dataset %s: %w", dataset.ID, err)
	}
	if trimmed := strings.TrimSpace(string(input)); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &inv); err != nil {
			return Report{}, fmt.Errorf("parse dataset %s: %w", dataset.ID, err)
		}
	}
	return l.runner.Run(ctx, module, inv)
}

// update 在锁内修改作业状态。
func (l *LocalMarketplace) update(jobID string, fn func(*compute.Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.jobs[jobID]; ok {
		fn(st)
	}
}

// ref 优先使用资产 URI。
func ref(a compute.Asset) string {
	if a.URI != "" {
		return a.URI
	}
	return a.ID
}
