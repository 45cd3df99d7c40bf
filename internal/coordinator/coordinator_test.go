package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/attestation"
	"c2dagent/internal/catalog"
	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
	"c2dagent/internal/timeout"
)

type identityService struct {
	claims attestation.VerifiedClaims
	delay  time.Duration
}

func (s *identityService) CreateProofRequest(_ context.Context, subjectID string, criteria attestation.ProofCriteria) (attestation.ProofRequest, error) {
	return attestation.ProofRequest{ID: "req-" + subjectID, SubjectID: subjectID, Criteria: criteria}, nil
}

func (s *identityService) SubmitAttestation(ctx context.Context, _ attestation.ProofRequest, _ string) (attestation.Verification, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return attestation.Verification{}, err
	}
	return attestation.Verification{IsValid: true, Claims: s.claims}, nil
}

type stubAttestor struct {
	err   error
	calls atomic.Int32
}

func (s *stubAttestor) VerifyComprehensive(context.Context, string, attestation.ProofCriteria) (attestation.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return attestation.Result{}, s.err
	}
	return attestation.Result{IsValid: true, ProofHash: "0xabc", Timestamp: time.Now()}, nil
}

type stubCompute struct {
	state compute.JobState
	delay time.Duration
	// startDelay 模拟不理会 ctx 的远程提交。
	startDelay time.Duration
	calls      atomic.Int32
}

func (s *stubCompute) StartC2DJob(ctx context.Context) (string, error) {
	s.calls.Add(1)
	time.Sleep(s.startDelay)
	return "c2d-1", nil
}

func (s *stubCompute) PollJobStatus(ctx context.Context, jobID string) (compute.Status, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return compute.Status{}, catalog.Wrap(catalog.OperationCancelled, err)
	}
	state := s.state
	if state == "" {
		state = compute.StateCompleted
	}
	return compute.Status{JobID: jobID, State: state, Progress: 100, Result: &compute.Output{Output: "42"}}, nil
}

type memRecorder struct {
	mu        sync.Mutex
	events    []string
	persisted []JobMetadata
	results   []*JobResult
}

func (r *memRecorder) AddJobLog(string, string, string) {}

func (r *memRecorder) AddTimelineEvent(_ string, event string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *memRecorder) LogJobMetadata(JobMetadata, *JobResult) {}

func (r *memRecorder) PersistJobData(_ context.Context, meta JobMetadata, res *JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, meta)
	r.results = append(r.results, res)
	return nil
}

// bufferRecorder 与真实记录器一样按作业缓存事件，落盘时清空。
type bufferRecorder struct {
	mu        sync.Mutex
	logs      map[string][]string
	timelines map[string][]string
	persisted map[string][]string
}

func newBufferRecorder() *bufferRecorder {
	return &bufferRecorder{
		logs:      make(map[string][]string),
		timelines: make(map[string][]string),
		persisted: make(map[string][]string),
	}
}

func (r *bufferRecorder) AddJobLog(jobID, _, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[jobID] = append(r.logs[jobID], msg)
}

func (r *bufferRecorder) AddTimelineEvent(jobID, event string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timelines[jobID] = append(r.timelines[jobID], event)
}

func (r *bufferRecorder) LogJobMetadata(JobMetadata, *JobResult) {}

func (r *bufferRecorder) PersistJobData(_ context.Context, meta JobMetadata, _ *JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted[meta.JobID] = r.timelines[meta.JobID]
	delete(r.logs, meta.JobID)
	delete(r.timelines, meta.JobID)
	return nil
}

func (r *bufferRecorder) pending() (logs, timelines int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs), len(r.timelines)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func usAdultCriteria() attestation.ProofCriteria {
	return attestation.ProofCriteria{
		Age:       &attestation.AgeCriteria{MinimumAge: 18},
		Residency: &attestation.ResidencyCriteria{AllowedCountries: []string{"US"}},
	}
}

func claimsFor(country string) attestation.VerifiedClaims {
	return attestation.VerifiedClaims{
		Age:       &attestation.AgeClaims{IsOver18: true, IsOver21: true, AgeRange: "25-34"},
		Residency: &attestation.ResidencyClaims{Country: country, IsUSResident: country == "US"},
	}
}

func newTestCoordinator(t *testing.T, cfg Config, tcfg timeout.Config, attest Attestor, runner ComputeRunner, rec Recorder) *Coordinator {
	t.Helper()
	tcfg.Log = logging.Discard
	cfg.Log = logging.Discard
	c, err := NewCoordinator(cfg, timeout.NewManager(tcfg), attest, runner, rec)
	require.NoError(t, err)
	return c
}

func TestRunCompletesForAllowedSubject(t *testing.T) {
	require := require.New(t)
	rec := &memRecorder{}
	attest := attestation.NewClient(&identityService{claims: claimsFor("US")}, logging.Discard)
	c := newTestCoordinator(t, Config{}, timeout.Config{}, attest, &stubCompute{}, rec)

	res := c.Run(context.Background(), JobRequest{SubjectID: "user-1", Criteria: usAdultCriteria()})
	require.True(res.Success)
	require.Equal(StatusCompleted, res.Metadata.Status)
	require.Equal(1, res.Metadata.Attempts)
	require.Zero(res.Metadata.RetryCount)
	require.Nil(res.Error)
	require.NotNil(res.Attestation)
	require.True(res.Attestation.IsValid)
	require.NotNil(res.Compute)
	require.Equal("42", res.Compute.Result.Output)
	require.NotNil(res.Metadata.EndTime)

	require.Len(rec.persisted, 1)
	require.Equal(StatusCompleted, rec.persisted[0].Status)
	require.Equal([]string{
		"job_started", "attempt_started", "attestation_completed",
		"compute_submitted", "compute_completed", "job_finished",
	}, rec.events)
}

func TestRunStopsOnBlockedCountry(t *testing.T) {
	require := require.New(t)
	rec := &memRecorder{}
	runner := &stubCompute{}
	attest := attestation.NewClient(&identityService{claims: claimsFor("KP")}, logging.Discard)
	c := newTestCoordinator(t, Config{RetryDelay: 200 * time.Millisecond}, timeout.Config{}, attest, runner, rec)

	start := time.Now()
	res := c.Run(context.Background(), JobRequest{SubjectID: "user-1", Criteria: usAdultCriteria()})
	require.False(res.Success)
	require.Less(time.Since(start), 200*time.Millisecond)
	require.Equal(StatusFailed, res.Metadata.Status)
	require.Equal(1, res.Metadata.Attempts)
	require.Equal(catalog.CountryBlocked, res.Error.Code)
	require.Equal(catalog.CategoryAuthorization, res.Error.Category)
	require.Zero(runner.calls.Load())

	require.Len(rec.persisted, 1)
	require.Equal(catalog.CountryBlocked, rec.persisted[0].LastError.Code)
}

func TestRunTimesOutWhenPhasesExceedJobBudget(t *testing.T) {
	require := require.New(t)
	attest := attestation.NewClient(&identityService{claims: claimsFor("US"), delay: 50 * time.Millisecond}, logging.Discard)
	runner := &stubCompute{delay: 50 * time.Millisecond}
	tcfg := timeout.Config{Job: 70 * time.Millisecond, Attestation: time.Second, C2D: time.Second}
	c := newTestCoordinator(t, Config{}, tcfg, attest, runner, nil)

	res := c.Run(context.Background(), JobRequest{SubjectID: "user-1", Criteria: usAdultCriteria()})
	require.False(res.Success)
	require.True(res.TimedOut)
	require.Equal(StatusTimeout, res.Status)
	require.Equal(StatusTimeout, res.Metadata.Status)
	require.Equal(catalog.JobTimeout, res.Error.Code)
	require.Eventually(func() bool { return len(c.Timeouts().Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunRetriesRetryableFailuresUpToLimit(t *testing.T) {
	require := require.New(t)
	attest := &stubAttestor{err: catalog.Build(catalog.VerificationFailed, "", nil)}
	delay := 20 * time.Millisecond
	c := newTestCoordinator(t, Config{MaxRetries: 3, RetryDelay: delay}, timeout.Config{}, attest, &stubCompute{}, nil)

	start := time.Now()
	res := c.Run(context.Background(), JobRequest{SubjectID: "user-1"})
	require.False(res.Success)
	require.EqualValues(4, attest.calls.Load())
	require.Equal(4, res.Metadata.Attempts)
	require.Equal(3, res.Metadata.RetryCount)
	require.GreaterOrEqual(time.Since(start), 3*delay)
	require.Equal(StatusFailed, res.Metadata.Status)
	require.Equal(catalog.VerificationFailed, res.Error.Code)
}

func TestRunDoesNotRetryAuthorizationFailure(t *testing.T) {
	require := require.New(t)
	attest := &stubAttestor{err: catalog.Build(catalog.DuplicateIdentity, "", nil)}
	c := newTestCoordinator(t, Config{MaxRetries: 3, RetryDelay: 300 * time.Millisecond}, timeout.Config{}, attest, &stubCompute{}, nil)

	start := time.Now()
	res := c.Run(context.Background(), JobRequest{SubjectID: "user-1"})
	require.Less(time.Since(start), 300*time.Millisecond)
	require.EqualValues(1, attest.calls.Load())
	require.Equal(1, res.Metadata.Attempts)
	require.Equal(catalog.DuplicateIdentity, res.Error.Code)
}

func TestRunMapsComputeTerminalStates(t *testing.T) {
	cases := []struct {
		state    compute.JobState
		code     catalog.Code
		status   JobStatus
		attempts int
	}{
		{compute.StateFailed, catalog.C2DJobFailed, StatusFailed, 2},
		{compute.StateCancelled, catalog.C2DJobCancelled, StatusFailed, 2},
		{compute.StateTimeout, catalog.C2DTimeout, StatusTimeout, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			require := require.New(t)
			runner := &stubCompute{state: tc.state}
			c := newTestCoordinator(t, Config{MaxRetries: 1, RetryDelay: time.Millisecond}, timeout.Config{}, &stubAttestor{}, runner, nil)

			res := c.Run(context.Background(), JobRequest{SubjectID: "user-1"})
			require.False(res.Success)
			require.Equal(tc.code, res.Error.Code)
			require.Equal(tc.status, res.Metadata.Status)
			require.Equal(tc.attempts, res.Metadata.Attempts)
			require.NotNil(res.Compute)
			require.Equal(tc.state, res.Compute.State)
		})
	}
}

func TestRunComputePhaseTimeoutIsTerminal(t *testing.T) {
	require := require.New(t)
	runner := &stubCompute{delay: time.Second}
	tcfg := timeout.Config{Job: 5 * time.Second, Attestation: time.Second, C2D: 40 * time.Millisecond}
	c := newTestCoordinator(t, Config{MaxRetries: 3, RetryDelay: time.Millisecond}, tcfg, &stubAttestor{}, runner, nil)

	res := c.Run(context.Background(), JobRequest{SubjectID: "user-1"})
	require.False(res.Success)
	require.True(res.TimedOut)
	require.Equal(catalog.C2DTimeout, res.Error.Code)
	require.Equal(1, res.Metadata.Attempts)
	require.EqualValues(1, runner.calls.Load())
}

func TestRunHonoursCallerCancellation(t *testing.T) {
	require := require.New(t)
	runner := &stubCompute{delay: time.Second}
	c := newTestCoordinator(t, Config{}, timeout.Config{}, &stubAttestor{}, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := c.Run(ctx, JobRequest{SubjectID: "user-1"})
	require.False(res.Success)
	require.True(res.Cancelled)
	require.True(res.Metadata.Cancelled)
	require.Equal(StatusTimeout, res.Metadata.Status)
	require.Equal(catalog.OperationCancelled, res.Error.Code)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 2*time.Second, cfg.RetryDelay)
	require.True(t, cfg.retryable(catalog.CategoryVerification))
	require.True(t, cfg.retryable(catalog.CategoryAuthentication))
	require.False(t, cfg.retryable(catalog.CategoryAuthorization))

	none := Config{MaxRetries: -1}
	none.applyDefaults()
	require.Zero(t, none.MaxRetries)
}

func TestRunKeepsCallerJobID(t *testing.T) {
	rec := &memRecorder{}
	attest := attestation.NewClient(&identityService{claims: claimsFor("US")}, logging.Discard)
	c := newTestCoordinator(t, Config{}, timeout.Config{}, attest, &stubCompute{}, rec)

	res := c.Run(context.Background(), JobRequest{JobID: "job-fixed", SubjectID: "user-1", Criteria: usAdultCriteria()})
	require.Equal(t, "job-fixed", res.JobID)
	require.Equal(t, "job-fixed", res.Metadata.JobID)
	require.Len(t, rec.persisted, 1)
	require.Equal(t, "job-fixed", rec.persisted[0].JobID)
}

func TestRunRejectsDuplicateJobIDWhileRunning(t *testing.T) {
	require := require.New(t)
	rec := &memRecorder{}
	runner := &stubCompute{delay: 200 * time.Millisecond}
	c := newTestCoordinator(t, Config{}, timeout.Config{}, &stubAttestor{}, runner, rec)
	ctx := context.Background()

	done := make(chan JobResult, 1)
	go func() {
		done <- c.Run(ctx, JobRequest{JobID: "job-dup", SubjectID: "user-1"})
	}()
	require.Eventually(func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	dup := c.Run(ctx, JobRequest{JobID: "job-dup", SubjectID: "bad subject!"})
	require.False(dup.Success)
	require.Equal(StatusFailed, dup.Status)
	require.Equal(catalog.DuplicateJob, dup.Error.Code)

	first := <-done
	require.True(first.Success)
	require.Equal(StatusCompleted, first.Status)
	require.Len(rec.persisted, 1)
	require.Equal(StatusCompleted, rec.persisted[0].Status)

	again := c.Run(ctx, JobRequest{JobID: "job-dup", SubjectID: "user-1"})
	require.True(again.Success)
}

func TestRunLeavesNoBufferedEventsAfterJobTimeout(t *testing.T) {
	require := require.New(t)
	rec := newBufferRecorder()
	runner := &stubCompute{startDelay: 150 * time.Millisecond}
	tcfg := timeout.Config{Job: 50 * time.Millisecond, Attestation: time.Second, C2D: time.Second}
	c := newTestCoordinator(t, Config{}, tcfg, &stubAttestor{}, runner, rec)

	res := c.Run(context.Background(), JobRequest{JobID: "job-slow", SubjectID: "user-1"})
	require.True(res.TimedOut)
	require.Equal(StatusTimeout, res.Status)

	time.Sleep(300 * time.Millisecond)
	logs, timelines := rec.pending()
	require.Zero(logs)
	require.Zero(timelines)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Contains(rec.persisted["job-slow"], "compute_failed")
	require.Contains(rec.persisted["job-slow"], "job_finished")
	require.NotContains(rec.persisted["job-slow"], "compute_submitted")
}
