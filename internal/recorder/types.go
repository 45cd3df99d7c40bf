package recorder

import (
	"context"
	"errors"
	"time"

	"c2dagent/internal/catalog"
	"c2dagent/internal/coordinator"
)

// ErrNotFound 表示存储中没有该作业。
var ErrNotFound = errors.New("job record not found")

// LogEntry 是作业的一条日志。
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// TimelineEvent 标记作业生命周期中的一步。
type TimelineEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	Details   map[string]string `json:"details,omitempty"`
}

// Performance 由元数据与阶段耗时推导。
type Performance struct {
	TotalDuration       time.Duration `json:"totalDuration"`
	AttestationDuration time.Duration `json:"attestationDuration"`
	ComputeDuration     time.Duration `json:"computeDuration"`
	Attempts            int           `json:"attempts"`
	RetryCount          int           `json:"retryCount"`
}

// JobRecord 是供 UI 与 CLI 读取的单个作业合并文档。
type JobRecord struct {
	Metadata    coordinator.JobMetadata `json:"metadata"`
	Result      *coordinator.JobResult  `json:"result,omitempty"`
	Logs        []LogEntry              `json:"logs"`
	Timeline    []TimelineEvent         `json:"timeline"`
	Performance Performance             `json:"performance"`
	PersistedAt time.Time               `json:"persistedAt"`
}

// HistoryEntry 是滚动历史中的一条作业摘要。
type HistoryEntry struct {
	JobID     string                `json:"jobId"`
	Status    coordinator.JobStatus `json:"status"`
	StartTime time.Time             `json:"startTime"`
	Duration  time.Duration         `json:"duration"`
	Attempts  int                   `json:"attempts"`
	ErrorCode catalog.Code          `json:"errorCode,omitempty"`
}

// JobHistory 只保留最近的条目且新的在前，汇总值仅覆盖保留的条目。
type JobHistory struct {
	Jobs            []HistoryEntry `json:"jobs"`
	TotalJobs       int            `json:"totalJobs"`
	SuccessCount    int            `json:"successCount"`
	FailureCount    int            `json:"failureCount"`
	AverageDuration time.Duration  `json:"averageDuration"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Store 是按作业 ID 存取记录与历史索引的持久化后端。
type Store interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	SaveHistory(ctx context.Context, h JobHistory) error
	GetHistory(ctx context.Context) (JobHistory, error)
	Close() error
}
