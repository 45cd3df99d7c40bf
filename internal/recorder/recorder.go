// Package recorder 按作业累积日志与时间线，落盘合并后的作业记录与滚动历史索引。
package recorder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"c2dagent/internal/coordinator"
	"c2dagent/internal/logging"
)

// defaultHistoryLimit 是历史索引保留的默认条数。
const defaultHistoryLimit = 50

// Config 是记录器的配置。
type Config struct {
	Store        Store
	HistoryLimit int
	// Verbose 打开 LogJobMetadata 的控制台跟踪。
	Verbose bool
	Log     logging.Logger
}

// Recorder 只观察作业，不影响控制流。
type Recorder struct {
	store   Store
	limit   int
	verbose bool
	log     logging.Logger

	mu        sync.Mutex
	logs      map[string][]LogEntry
	timelines map[string][]TimelineEvent
	onPersist []func(JobRecord, JobHistory)

	// 串行化历史索引的读改写
	histMu sync.Mutex
}

var _ coordinator.Recorder = (*Recorder)(nil)

// New 创建记录器，Store 为空时使用内存存储。
func New(cfg Config) *Recorder {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Recorder{
		store:     cfg.Store,
		limit:     cfg.HistoryLimit,
		verbose:   cfg.Verbose,
		log:       logging.Default(cfg.Log),
		logs:      make(map[string][]LogEntry),
		timelines: make(map[string][]TimelineEvent),
	}
}

// Store 返回底层存储，供读取使用。
func (r *Recorder) Store() Store {
	return r.store
}

// OnPersist 注册落盘成功后的回调；回调在 PersistJobData 中同步执行，不得阻塞。
func (r *Recorder) OnPersist(fn func(JobRecord, JobHistory)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPersist = append(r.onPersist, fn)
}

// AddJobLog 为作业追加一条日志。
func (r *Recorder) AddJobLog(jobID, level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[jobID] = append(r.logs[jobID], LogEntry{Timestamp: time.Now(), Level: level, Message: message})
}

// AddTimelineEvent 为作业追加一条时间线事件。
func (r *Recorder) AddTimelineEvent(jobID, event string, details map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timelines[jobID] = append(r.timelines[jobID], TimelineEvent{Timestamp: time.Now(), Event: event, Details: details})
}

// LogJobMetadata 在 verbose 模式下输出作业的可读跟踪。
func (r *Recorder) LogJobMetadata(meta coordinator.JobMetadata, result *coordinator.JobResult) {
	if !r.verbose {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job %s status=%s attempts=%d retries=%d duration=%s",
		meta.JobID, meta.Status, meta.Attempts, meta.RetryCount, meta.Duration.Round(time.Millisecond))
	if meta.Cancelled {
		b.WriteString(" cancelled=true")
	}
	if meta.LastError != nil {
		fmt.Fprintf(&b, " error=%s (%s)", meta.LastError.Code, meta.LastError.Message)
	}
	if result != nil {
		fmt.Fprintf(&b, " attestation=%s compute=%s",
			result.AttestationDuration.Round(time.Millisecond), result.ComputeDuration.Round(time.Millisecond))
		if result.Compute != nil && result.Compute.Result != nil {
			fmt.Fprintf(&b, " output=%q", result.Compute.Result.Output)
		}
	}
	r.log.Infof("%s", b.String())

	r.mu.Lock()
	events := append([]TimelineEvent(nil), r.timelines[meta.JobID]...)
	r.mu.Unlock()
	for _, ev := range events {
		r.log.Infof("  %s %s %v", ev.Timestamp.Format(time.RFC3339Nano), ev.Event, ev.Details)
	}
}

// PersistJobData 写入合并记录并更新历史索引，随后释放该作业的缓存。
func (r *Recorder) PersistJobData(ctx context.Context, meta coordinator.JobMetadata, result *coordinator.JobResult) error {
	r.mu.Lock()
	rec := JobRecord{
		Metadata:    meta,
		Result:      result,
		Logs:        append([]LogEntry{}, r.logs[meta.JobID]...),
		Timeline:    append([]TimelineEvent{}, r.timelines[meta.JobID]...),
		Performance: performance(meta, result),
		PersistedAt: time.Now(),
	}
	r.mu.Unlock()

	if err := r.store.SaveJob(ctx, rec); err != nil {
		return fmt.Errorf("save job %s: %w", meta.JobID, err)
	}

	r.histMu.Lock()
	hist, err := r.store.GetHistory(ctx)
	if err != nil {
		r.histMu.Unlock()
		return fmt.Errorf("load history: %w", err)
	}
	hist = appendHistory(hist, entryFor(meta), r.limit)
	err = r.store.SaveHistory(ctx, hist)
	r.histMu.Unlock()
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}

	r.mu.Lock()
	delete(r.logs, meta.JobID)
	delete(r.timelines, meta.JobID)
	hooks := append([]func(JobRecord, JobHistory){}, r.onPersist...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(rec, hist)
	}
	return nil
}

// GetJob 读取已落盘的记录。
func (r *Recorder) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	return r.store.GetJob(ctx, jobID)
}

// GetHistory 读取滚动历史索引。
func (r *Recorder) GetHistory(ctx context.Context) (JobHistory, error) {
	return r.store.GetHistory(ctx)
}

// performance 由元数据与阶段耗时推导性能摘要。
func performance(meta coordinator.JobMetadata, result *coordinator.JobResult) Performance {
	p := Performance{
		TotalDuration: meta.Duration,
		Attempts:      meta.Attempts,
		RetryCount:    meta.RetryCount,
	}
	if result != nil {
		p.AttestationDuration = result.AttestationDuration
		p.ComputeDuration = result.ComputeDuration
	}
	return p
}

// entryFor 生成历史条目。
func entryFor(meta coordinator.JobMetadata) HistoryEntry {
	e := HistoryEntry{
		JobID:     meta.JobID,
		Status:    meta.Status,
		StartTime: meta.StartTime,
		Duration:  meta.Duration,
		Attempts:  meta.Attempts,
	}
	if meta.LastError != nil {
		e.ErrorCode = meta.LastError.Code
	}
	return e
}

// appendHistory 把 e 放在首位并去掉同一作业的旧条目，截断后重算汇总。
func appendHistory(h JobHistory, e HistoryEntry, limit int) JobHistory {
	jobs := make([]HistoryEntry, 0, len(h.Jobs)+1)
	jobs = append(jobs, e)
	for _, old := range h.Jobs {
		if old.JobID != e.JobID {
			jobs = append(jobs, old)
		}
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	out := JobHistory{Jobs: jobs, TotalJobs: len(jobs), UpdatedAt: time.Now()}
	var total time.Duration
	for _, j := range jobs {
		if j.Status == coordinator.StatusCompleted {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
		total += j.Duration
	}
	if len(jobs) > 0 {
		out.AverageDuration = total / time.Duration(len(jobs))
	}
	return out
}
