package coordinator

import (
	"context"
	"time"

	"c2dagent/internal/attestation"
	"c2dagent/internal/catalog"
	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
)

// JobStatus 是作业整体状态：pending -> running -> {completed|failed|timeout}。
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusTimeout   JobStatus = "timeout"
	StatusCancelled JobStatus = "cancelled"
)

// JobRequest 表示一次作业请求：被核验的主体与核验条件。JobID 为空时由 Run 生成。
type JobRequest struct {
	JobID     string                    `json:"jobId,omitempty"`
	SubjectID string                    `json:"subjectId"`
	Criteria  attestation.ProofCriteria `json:"criteria"`
}

// JobMetadata 是编排层的作业记录，只由 Coordinator 修改。
// Cancelled 是 failed/timeout 的子分类，不是独立的顶层状态。
type JobMetadata struct {
	JobID      string         `json:"jobId"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
	Status     JobStatus      `json:"status"`
	RetryCount int            `json:"retryCount"`
	Attempts   int            `json:"attempts"`
	LastError  *catalog.Error `json:"lastError,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Cancelled  bool           `json:"cancelled,omitempty"`
}

// JobResult 描述作业执行结果。
type JobResult struct {
	JobID               string              `json:"jobId"`
	Success             bool                `json:"success"`
	Status              JobStatus           `json:"status"`
	TimedOut            bool                `json:"timedOut"`
	Cancelled           bool                `json:"cancelled"`
	Attestation         *attestation.Result `json:"attestation,omitempty"`
	Compute             *compute.Status     `json:"compute,omitempty"`
	Error               *catalog.Error      `json:"error,omitempty"`
	AttestationDuration time.Duration       `json:"attestationDuration"`
	ComputeDuration     time.Duration       `json:"computeDuration"`
	Metadata            JobMetadata         `json:"metadata"`
}

// Attestor 抽象证明阶段。
type Attestor interface {
	VerifyComprehensive(ctx context.Context, subjectID string, criteria attestation.ProofCriteria) (attestation.Result, error)
}

// ComputeRunner 抽象计算阶段。
type ComputeRunner interface {
	StartC2DJob(ctx context.Context) (string, error)
	PollJobStatus(ctx context.Context, jobID string) (compute.Status, error)
}

// Recorder 只观察作业生命周期，不影响控制流。
type Recorder interface {
	AddJobLog(jobID, level, message string)
	AddTimelineEvent(jobID, event string, details map[string]string)
	LogJobMetadata(meta JobMetadata, result *JobResult)
	PersistJobData(ctx context.Context, meta JobMetadata, result *JobResult) error
}

// Logger 提供基础日志输出。
type Logger = logging.Logger

type noopRecorder struct{}

func (noopRecorder) AddJobLog(string, string, string) {}

func (noopRecorder) AddTimelineEvent(string, string, map[string]string) {}

func (noopRecorder) LogJobMetadata(JobMetadata, *JobResult) {}

func (noopRecorder) PersistJobData(context.Context, JobMetadata, *JobResult) error { return nil }
