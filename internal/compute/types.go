package compute

import (
	"context"
	"time"
)

// JobState 是计算作业状态机：queued -> running -> {completed|failed|cancelled}，
// timeout 只由轮询上限到期产生。
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateTimeout   JobState = "timeout"
)

// Terminal 报告状态是否为终态。
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Output 是作业完成后的产物。
type Output struct {
	Output    string             `json:"output"`
	Logs      []string           `json:"logs"`
	Artifacts []string           `json:"artifacts"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Status 描述一次计算作业的当前状态，只由轮询更新。
type Status struct {
	JobID     string        `json:"jobId"`
	State     JobState      `json:"status"`
	Progress  int           `json:"progress"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Result    *Output       `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Asset 是市场中登记的数据集或算法。
type Asset struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Kind  string  `json:"kind"`
	Price float64 `json:"price"`
	URI   string  `json:"uri,omitempty"`
}

// Receipt 是访问资产的转账凭据；免费资产由客户端本地生成。
type Receipt struct {
	AssetID string `json:"assetId"`
	TxID    string `json:"txId"`
	Free    bool   `json:"free"`
}

// Resources 描述作业的资源与时长规格。
type Resources struct {
	CPU         int           `json:"cpu"`
	MemoryMB    int           `json:"memoryMb"`
	MaxDuration time.Duration `json:"maxDuration"`
}

// JobRequest 是提交到市场的作业描述。
type JobRequest struct {
	DatasetID        string    `json:"datasetId"`
	AlgorithmID      string    `json:"algorithmId"`
	DatasetReceipt   Receipt   `json:"datasetReceipt"`
	AlgorithmReceipt Receipt   `json:"algorithmReceipt"`
	Resources        Resources `json:"resources"`
}

// Marketplace 抽象外部计算市场。
type Marketplace interface {
	Health(ctx context.Context) error
	ResolveAsset(ctx context.Context, id string) (Asset, error)
	OrderAsset(ctx context.Context, asset Asset) (Receipt, error)
	SubmitJob(ctx context.Context, req JobRequest) (string, error)
	JobStatus(ctx context.Context, jobID string) (Status, error)
}
