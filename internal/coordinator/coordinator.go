package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"c2dagent/internal/attestation"
	"c2dagent/internal/catalog"
	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
	"c2dagent/internal/observability"
	"c2dagent/internal/timeout"
)

// Coordinator 串联证明阶段与计算阶段，负责重试、超时与作业记录。
type Coordinator struct {
	cfg      Config
	timeouts *timeout.Manager
	attest   Attestor
	compute  ComputeRunner
	rec      Recorder
	log      Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCoordinator 使用外部依赖构建编排器实例；rec 可为 nil。
func NewCoordinator(cfg Config, timeouts *timeout.Manager, attest Attestor, runner ComputeRunner, rec Recorder) (*Coordinator, error) {
	if timeouts == nil {
		return nil, errors.New("timeout manager required")
	}
	if attest == nil {
		return nil, errors.New("attestation client required")
	}
	if runner == nil {
		return nil, errors.New("compute client required")
	}
	if rec == nil {
		rec = noopRecorder{}
	}
	cfg.applyDefaults()
	log := logging.Default(cfg.Log)
	if err := timeouts.Config().Validate(); err != nil {
		log.Warnf("timeout budget: %v", err)
	}
	return &Coordinator{
		cfg:      cfg,
		timeouts: timeouts,
		attest:   attest,
		compute:  runner,
		rec:      rec,
		log:      log,
		active:   make(map[string]struct{}),
	}, nil
}

// NewJobID 生成作业 ID。
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// Timeouts 返回编排器使用的超时管理器。
func (c *Coordinator) Timeouts() *timeout.Manager {
	return c.timeouts
}

// claim 登记运行中的作业 ID；同一 ID 已在运行时返回 false。
func (c *Coordinator) claim(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[jobID]; ok {
		return false
	}
	c.active[jobID] = struct{}{}
	return true
}

func (c *Coordinator) release(jobID string) {
	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
}

// rejectDuplicate 为重复的作业 ID 构造失败结果，不触碰记录器与超时管理器。
func (c *Coordinator) rejectDuplicate(jobID string) JobResult {
	now := time.Now()
	err := catalog.Build(catalog.DuplicateJob, fmt.Sprintf("job %s is already running", jobID), nil)
	c.log.Warnf("job %s rejected: already running", jobID)
	meta := JobMetadata{JobID: jobID, StartTime: now, EndTime: &now, Status: StatusFailed, LastError: err}
	return JobResult{JobID: jobID, Status: StatusFailed, Error: err, Metadata: meta}
}

// awaitLoop 在作业级取消后等待尝试循环退出，最多等待清理余量。
func (c *Coordinator) awaitLoop(jobID string, done <-chan struct{}) {
	t := time.NewTimer(c.timeouts.Config().CleanupMargin)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		c.log.Warnf("job %s: attempt loop still running after cleanup margin", jobID)
	}
}

// jobEvents 把一次运行的日志与时间线事件转交记录器；封存后迟到的事件被丢弃。
type jobEvents struct {
	rec    Recorder
	jobID  string
	mu     sync.Mutex
	sealed bool
}

func (e *jobEvents) log(level, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sealed {
		e.rec.AddJobLog(e.jobID, level, msg)
	}
}

func (e *jobEvents) event(name string, data map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sealed {
		e.rec.AddTimelineEvent(e.jobID, name, data)
	}
}

// seal 返回后不会再有事件到达记录器。
func (e *jobEvents) seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// attemptState 记录尝试循环的进度；作业超时后循环可能仍在退出途中，因此加锁。
type attemptState struct {
	mu          sync.Mutex
	attempts    int
	attestDur   time.Duration
	computeDur  time.Duration
	attestation *attestation.Result
	compute     *compute.Status
}

func (s *attemptState) begin(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}

func (s *attemptState) addDurations(attest, comp time.Duration) {
	s.mu.Lock()
	s.attestDur += attest
	s.computeDur += comp
	s.mu.Unlock()
}

func (s *attemptState) snapshot() attemptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return attemptState{
		attempts:    s.attempts,
		attestDur:   s.attestDur,
		computeDur:  s.computeDur,
		attestation: s.attestation,
		compute:     s.compute,
	}
}

type phaseOutput struct {
	attestation attestation.Result
	compute     compute.Status
}

// Run 在作业级超时内执行一个作业：证明、计算，失败时按策略重试。
// Run 总是返回结果，错误以 JobResult.Error 的形式给出。
func (c *Coordinator) Run(ctx context.Context, req JobRequest) JobResult {
	jobID := req.JobID
	if jobID == "" {
		jobID = NewJobID()
	}
	if !c.claim(jobID) {
		return c.rejectDuplicate(jobID)
	}
	defer c.release(jobID)

	ctx, span := observability.StartSpan(ctx, "job.run", attribute.String("job.id", jobID))

	meta := JobMetadata{JobID: jobID, StartTime: time.Now(), Status: StatusRunning}
	c.log.Infof("job %s started (subject=%s)", jobID, req.SubjectID)
	ev := &jobEvents{rec: c.rec, jobID: jobID}
	ev.log("info", "job started")
	ev.event("job_started", map[string]string{"subject": req.SubjectID})

	st := &attemptState{}
	loopDone := make(chan struct{})
	res := timeout.ExecuteJob(ctx, c.timeouts, func(ctx context.Context) (phaseOutput, error) {
		defer close(loopDone)
		return c.attemptLoop(ctx, ev, req, st)
	}, jobID)

	// 作业结束后撤销仍登记在管理器中的子操作。
	if n := c.timeouts.CancelJob(jobID, "job finished"); n > 0 {
		c.log.Warnf("job %s: cancelled %d lingering operations", jobID, n)
	}
	c.awaitLoop(jobID, loopDone)

	snap := st.snapshot()
	result := JobResult{
		JobID:               jobID,
		AttestationDuration: snap.attestDur,
		ComputeDuration:     snap.computeDur,
	}
	meta.Attempts = snap.attempts
	if snap.attempts > 0 {
		meta.RetryCount = snap.attempts - 1
	}

	switch {
	case res.Success:
		meta.Status = StatusCompleted
		result.Success = true
		att, comp := res.Value.attestation, res.Value.compute
		result.Attestation = &att
		result.Compute = &comp
	case res.TimedOut:
		meta.Status = StatusTimeout
		meta.LastError = res.Err
		result.TimedOut = true
		result.Cancelled = true
		meta.Cancelled = true
	case res.Cancelled:
		// 外部取消按作业超时处理，Cancelled 区分来源。
		meta.Status = StatusTimeout
		meta.LastError = res.Err
		meta.Cancelled = true
		result.Cancelled = true
	case res.Err.IsTimeout():
		meta.Status = StatusTimeout
		meta.LastError = res.Err
		result.TimedOut = true
	default:
		meta.Status = StatusFailed
		meta.LastError = res.Err
	}
	if result.Attestation == nil && snap.attestation != nil {
		result.Attestation = snap.attestation
	}
	if result.Compute == nil && snap.compute != nil {
		result.Compute = snap.compute
	}

	end := time.Now()
	meta.EndTime = &end
	meta.Duration = end.Sub(meta.StartTime)
	result.Status = meta.Status
	result.Error = meta.LastError
	result.Metadata = meta

	ev.event("job_finished", map[string]string{
		"status":   string(meta.Status),
		"attempts": strconv.Itoa(meta.Attempts),
	})
	if result.Success {
		c.log.Infof("job %s completed in %s after %d attempt(s)", jobID, meta.Duration, meta.Attempts)
		ev.log("info", "job completed")
	} else {
		c.log.Errorf("job %s %s after %d attempt(s): %v", jobID, meta.Status, meta.Attempts, meta.LastError)
		ev.log("error", meta.LastError.Error())
	}
	// 封存之后才落盘，仍在退出的子操作不会再写入已清空的缓冲。
	ev.seal()

	c.rec.LogJobMetadata(meta, &result)
	if err := c.rec.PersistJobData(context.WithoutCancel(ctx), meta, &result); err != nil {
		c.log.Errorf("persist job %s: %v", jobID, err)
	}

	span.SetAttributes(
		attribute.String("job.status", string(meta.Status)),
		attribute.Int("job.attempts", meta.Attempts),
	)
	if result.Error != nil {
		observability.EndSpan(span, result.Error)
	} else {
		observability.EndSpan(span, nil)
	}
	return result
}

// attemptLoop 是显式的重试状态机：每轮依次执行两个阶段，失败时决定重试或放弃。
func (c *Coordinator) attemptLoop(ctx context.Context, ev *jobEvents, req JobRequest, st *attemptState) (phaseOutput, error) {
	jobID := ev.jobID
	maxAttempts := c.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		st.begin(attempt)
		if err := checkCancelled(ctx); err != nil {
			return phaseOutput{}, err
		}
		ev.event("attempt_started", map[string]string{"attempt": strconv.Itoa(attempt)})
		c.log.Infof("job %s: attempt %d/%d", jobID, attempt, maxAttempts)

		out, err := c.runAttempt(ctx, ev, req, st)
		if err == nil {
			return out, nil
		}

		if !c.shouldRetry(err, attempt, maxAttempts) {
			return phaseOutput{}, err
		}
		c.log.Warnf("job %s: attempt %d failed with %s, retrying in %s", jobID, attempt, err.Code, c.cfg.RetryDelay)
		ev.event("retry_scheduled", map[string]string{
			"attempt": strconv.Itoa(attempt),
			"code":    string(err.Code),
			"delay":   c.cfg.RetryDelay.String(),
		})
		if derr := timeout.Delay(ctx, c.cfg.RetryDelay); derr != nil {
			return phaseOutput{}, derr
		}
	}
}

func (c *Coordinator) runAttempt(ctx context.Context, ev *jobEvents, req JobRequest, st *attemptState) (phaseOutput, *catalog.Error) {
	att, err := c.attestationPhase(ctx, ev, req, st)
	if err != nil {
		return phaseOutput{}, err
	}
	if err := checkCancelled(ctx); err != nil {
		return phaseOutput{}, err
	}
	comp, err := c.computePhase(ctx, ev, st)
	if err != nil {
		return phaseOutput{}, err
	}
	return phaseOutput{attestation: att, compute: comp}, nil
}

// shouldRetry：超时与取消从不重试；其余按类别白名单与剩余次数判断。
func (c *Coordinator) shouldRetry(err *catalog.Error, attempt, maxAttempts int) bool {
	if err.IsTimeout() || err.Code == catalog.OperationCancelled {
		return false
	}
	if !c.cfg.retryable(err.Category) {
		return false
	}
	return attempt < maxAttempts
}

func (c *Coordinator) attestationPhase(ctx context.Context, ev *jobEvents, req JobRequest, st *attemptState) (attestation.Result, *catalog.Error) {
	jobID := ev.jobID
	ctx, span := observability.StartSpan(ctx, "job.attestation", attribute.String("job.id", jobID))
	r := timeout.ExecuteAttestation(ctx, c.timeouts, func(ctx context.Context) (attestation.Result, error) {
		res, err := c.attest.VerifyComprehensive(ctx, req.SubjectID, req.Criteria)
		if err != nil {
			return res, err
		}
		if ce := attestation.Classify(res); ce != nil {
			return res, ce
		}
		return res, nil
	}, jobID)
	st.addDurations(r.Duration, 0)

	if !r.Success {
		observability.EndSpan(span, r.Err)
		ev.event("attestation_failed", map[string]string{"code": string(r.Err.Code)})
		ev.log("warn", fmt.Sprintf("attestation failed: %v", r.Err))
		return attestation.Result{}, r.Err
	}
	observability.EndSpan(span, nil)
	st.mu.Lock()
	st.attestation = &r.Value
	st.mu.Unlock()
	ev.event("attestation_completed", map[string]string{
		"proofHash": r.Value.ProofHash,
		"duration":  r.Duration.String(),
	})
	return r.Value, nil
}

func (c *Coordinator) computePhase(ctx context.Context, ev *jobEvents, st *attemptState) (compute.Status, *catalog.Error) {
	jobID := ev.jobID
	ctx, span := observability.StartSpan(ctx, "job.compute", attribute.String("job.id", jobID))
	r := timeout.ExecuteC2D(ctx, c.timeouts, func(ctx context.Context) (compute.Status, error) {
		c2dID, err := c.compute.StartC2DJob(ctx)
		if err != nil {
			return compute.Status{}, err
		}
		if ctx.Err() != nil {
			return compute.Status{}, context.Cause(ctx)
		}
		ev.event("compute_submitted", map[string]string{"c2dJobId": c2dID})
		status, err := c.compute.PollJobStatus(ctx, c2dID)
		if err != nil {
			return status, err
		}
		st.mu.Lock()
		st.compute = &status
		st.mu.Unlock()
		return status, terminalError(status)
	}, jobID)
	st.addDurations(0, r.Duration)

	if !r.Success {
		observability.EndSpan(span, r.Err)
		ev.event("compute_failed", map[string]string{"code": string(r.Err.Code)})
		ev.log("warn", fmt.Sprintf("compute failed: %v", r.Err))
		return compute.Status{}, r.Err
	}
	observability.EndSpan(span, nil)
	ev.event("compute_completed", map[string]string{
		"c2dJobId": r.Value.JobID,
		"duration": r.Duration.String(),
	})
	return r.Value, nil
}

// terminalError 把计算作业的非成功终态映射为目录错误。
func terminalError(st compute.Status) error {
	switch st.State {
	case compute.StateCompleted:
		return nil
	case compute.StateFailed:
		return catalog.Build(catalog.C2DJobFailed, detail(st, "compute job failed"), nil)
	case compute.StateCancelled:
		return catalog.Build(catalog.C2DJobCancelled, detail(st, "compute job was cancelled"), nil)
	case compute.StateTimeout:
		return catalog.Build(catalog.C2DTimeout, detail(st, "compute job did not finish in time"), nil)
	default:
		return catalog.Build(catalog.C2DJobFailed, fmt.Sprintf("compute job ended in unexpected state %q", st.State), nil)
	}
}

func detail(st compute.Status, fallback string) string {
	if st.Error != "" {
		return fmt.Sprintf("%s: %s", fallback, st.Error)
	}
	return fallback
}

func checkCancelled(ctx context.Context) *catalog.Error {
	if ctx.Err() == nil {
		return nil
	}
	return catalog.Wrap(catalog.OperationCancelled, context.Cause(ctx))
}
