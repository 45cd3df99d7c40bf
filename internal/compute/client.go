package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

// Config 描述计算客户端所需的资产标识与轮询参数。
type Config struct {
	DatasetID            string
	AlgorithmID          string
	PollInterval         time.Duration
	Timeout              time.Duration
	Resources            Resources
	AllowOfflineFallback bool
	Log                  logging.Logger
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Minute
	}
	if c.Resources.CPU <= 0 {
		c.Resources.CPU = 1
	}
	if c.Resources.MemoryMB <= 0 {
		c.Resources.MemoryMB = 1024
	}
	if c.Resources.MaxDuration <= 0 {
		c.Resources.MaxDuration = 10 * time.Minute
	}
}

// Client 负责订购数据集/算法访问、提交作业并轮询到终态。
type Client struct {
	cfg      Config
	primary  Marketplace
	fallback Marketplace
	log      logging.Logger

	mu      sync.Mutex
	active  Marketplace
	offline bool
	assets  map[string]Asset
}

// NewClient 构建计算客户端；fallback 仅在 AllowOfflineFallback 为 true 时使用，可为 nil。
func NewClient(cfg Config, primary, fallback Marketplace) (*Client, error) {
	if primary == nil {
		return nil, errors.New("compute marketplace required")
	}
	if cfg.DatasetID == "" || cfg.AlgorithmID == "" {
		return nil, catalog.Build(catalog.MissingConfiguration, "dataset and algorithm identifiers are required", nil)
	}
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		log:      logging.Default(cfg.Log),
		assets:   make(map[string]Asset),
	}, nil
}

// Initialize 检查市场健康并确认资产存在；失败且允许离线回退时切换到 fallback。
func (c *Client) Initialize(ctx context.Context) error {
	err := c.probe(ctx, c.primary)
	if err == nil {
		c.mu.Lock()
		c.active, c.offline = c.primary, false
		c.mu.Unlock()
		c.log.Infof("compute marketplace ready (dataset=%s algorithm=%s)", c.cfg.DatasetID, c.cfg.AlgorithmID)
		return nil
	}
	if !c.cfg.AllowOfflineFallback || c.fallback == nil {
		c.log.Errorf("compute marketplace initialization failed: %v", err)
		return err
	}

	c.log.Warnf("compute marketplace unavailable, switching to offline fallback: %v", err)
	if ferr := c.probe(ctx, c.fallback); ferr != nil {
		return ferr
	}
	c.mu.Lock()
	c.active, c.offline = c.fallback, true
	c.mu.Unlock()
	return nil
}

// Offline 报告客户端是否运行在离线回退模式。
func (c *Client) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

func (c *Client) probe(ctx context.Context, m Marketplace) error {
	if err := m.Health(ctx); err != nil {
		return normalize(err, catalog.C2DServiceUnavailable)
	}
	for _, id := range []string{c.cfg.DatasetID, c.cfg.AlgorithmID} {
		asset, err := m.ResolveAsset(ctx, id)
		if err != nil {
			return normalize(fmt.Errorf("resolve asset %s: %w", id, err), catalog.AssetNotFound)
		}
		c.mu.Lock()
		c.assets[id] = asset
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) marketplace(ctx context.Context) (Marketplace, error) {
	c.mu.Lock()
	m := c.active
	c.mu.Unlock()
	if m != nil {
		return m, nil
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, nil
}

// StartC2DJob 依次订购数据集、订购算法、提交作业，返回作业 ID。
func (c *Client) StartC2DJob(ctx context.Context) (string, error) {
	m, err := c.marketplace(ctx)
	if err != nil {
		return "", err
	}
	dataset, err := c.order(ctx, m, c.cfg.DatasetID)
	if err != nil {
		return "", err
	}
	algorithm, err := c.order(ctx, m, c.cfg.AlgorithmID)
	if err != nil {
		return "", err
	}

	jobID, err := m.SubmitJob(ctx, JobRequest{
		DatasetID:        c.cfg.DatasetID,
		AlgorithmID:      c.cfg.AlgorithmID,
		DatasetReceipt:   dataset,
		AlgorithmReceipt: algorithm,
		Resources:        c.cfg.Resources,
	})
	if err != nil {
		return "", normalize(fmt.Errorf("submit job: %w", err), catalog.C2DSubmissionFailed)
	}
	c.log.Infof("c2d job %s submitted (dataset=%s algorithm=%s)", jobID, c.cfg.DatasetID, c.cfg.AlgorithmID)
	return jobID, nil
}

// order 获取资产访问凭据；免费资产不经过市场，付费资产调用 OrderAsset。
func (c *Client) order(ctx context.Context, m Marketplace, id string) (Receipt, error) {
	c.mu.Lock()
	asset, ok := c.assets[id]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, catalog.Build(catalog.AssetNotFound, fmt.Sprintf("asset %s was not resolved", id), nil)
	}
	if asset.Price <= 0 {
		return Receipt{AssetID: id, TxID: "free:" + id, Free: true}, nil
	}
	r, err := m.OrderAsset(ctx, asset)
	if err != nil {
		return Receipt{}, normalize(fmt.Errorf("order asset %s: %w", id, err), catalog.C2DSubmissionFailed)
	}
	return r, nil
}

// PollJobStatus 以固定间隔查询状态直到终态；超过客户端自身的上限时返回合成的 timeout 状态而非错误。
func (c *Client) PollJobStatus(ctx context.Context, jobID string) (Status, error) {
	m, err := c.marketplace(ctx)
	if err != nil {
		return Status{}, err
	}

	start := time.Now()
	last := Status{JobID: jobID, State: StateQueued, StartTime: start}
	err = wait.PollUntilContextTimeout(ctx, c.cfg.PollInterval, c.cfg.Timeout, true, func(ctx context.Context) (bool, error) {
		st, err := m.JobStatus(ctx, jobID)
		if err != nil {
			c.log.Warnf("c2d job %s: status fetch failed: %v", jobID, err)
			return false, nil
		}
		last = st
		return st.State.Terminal(), nil
	})
	switch {
	case err == nil:
		return last, nil
	case ctx.Err() != nil:
		return last, catalog.Wrap(catalog.OperationCancelled, context.Cause(ctx))
	case wait.Interrupted(err):
		now := time.Now()
		last.JobID = jobID
		last.State = StateTimeout
		last.EndTime = &now
		if last.StartTime.IsZero() {
			last.StartTime = start
		}
		last.Duration = now.Sub(last.StartTime)
		last.Error = fmt.Sprintf("job did not reach a terminal state within %s", c.cfg.Timeout)
		c.log.Warnf("c2d job %s: %s", jobID, last.Error)
		return last, nil
	default:
		return last, err
	}
}

func normalize(err error, code catalog.Code) error {
	if ce, ok := catalog.As(err); ok {
		return ce
	}
	return catalog.Wrap(code, err)
}
