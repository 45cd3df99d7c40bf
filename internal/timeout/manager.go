package timeout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

// OperationType 区分被保护操作的种类，决定默认超时与超时错误码。
type OperationType string

const (
	OpJob         OperationType = "job"
	OpAttestation OperationType = "attestation"
	OpC2D         OperationType = "c2d"
	OpGeneric     OperationType = "operation"
)

var (
	// ErrTimedOut 作为取消原因写入被超时终止的操作上下文。
	ErrTimedOut = errors.New("operation timed out")
	// ErrCancelled 作为主动取消的原因。
	ErrCancelled = errors.New("operation cancelled")
)

var timeoutCodes = map[OperationType]catalog.Code{
	OpJob:         catalog.JobTimeout,
	OpAttestation: catalog.AttestationTimeout,
	OpC2D:         catalog.C2DTimeout,
}

// Result 是所有受超时保护调用的统一返回信封。
// Success 为 true 时 Value 有效，否则 Err 非空。
type Result[T any] struct {
	Success   bool
	Value     T
	Err       *catalog.Error
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
}

// OperationInfo 描述注册表中的活动操作。
type OperationInfo struct {
	ID        string
	Type      OperationType
	JobID     string
	StartedAt time.Time
	Timeout   time.Duration
}

type operation struct {
	info   OperationInfo
	cancel context.CancelCauseFunc
}

// Manager 在截止时间内执行任意操作，并维护活动操作注册表以支持外部取消。
type Manager struct {
	cfg Config
	log logging.Logger

	mu     sync.Mutex
	active map[string]*operation
}

// NewManager 构建超时管理器。
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		log:    logging.Default(cfg.Log),
		active: make(map[string]*operation),
	}
}

// Config 返回生效的配置副本。
func (m *Manager) Config() Config {
	return m.cfg
}

// TimeoutFor 返回某类操作的默认超时。
func (m *Manager) TimeoutFor(typ OperationType) time.Duration {
	switch typ {
	case OpJob:
		return m.cfg.Job
	case OpAttestation:
		return m.cfg.Attestation
	case OpC2D:
		return m.cfg.C2D
	default:
		return m.cfg.Default
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// Execute 在超时内运行 op。op 收到的上下文即取消令牌：超时、祖先取消或
// CancelOperation 都会使其 Done。timeout <= 0 时使用该类型的默认值。
func Execute[T any](ctx context.Context, m *Manager, op func(context.Context) (T, error), typ OperationType, timeout time.Duration, jobID string) Result[T] {
	if timeout <= 0 {
		timeout = m.TimeoutFor(typ)
	}
	start := time.Now()
	opCtx, cancel := context.WithCancelCause(ctx)
	id := m.register(OperationInfo{
		ID:        uuid.NewString(),
		Type:      typ,
		JobID:     jobID,
		StartedAt: start,
		Timeout:   timeout,
	}, cancel)
	defer func() {
		m.unregister(id)
		cancel(nil)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, err := op(opCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	var res Result[T]
	select {
	case out := <-done:
		res.Duration = time.Since(start)
		switch {
		case out.err == nil:
			res.Success = true
			res.Value = out.value
		case opCtx.Err() != nil:
			res.Cancelled = true
			res.Err = catalog.Wrap(catalog.OperationCancelled, context.Cause(opCtx))
		default:
			if ce, ok := catalog.As(out.err); ok {
				res.Err = ce
			} else {
				res.Err = catalog.Wrap(catalog.OperationFailed, out.err)
			}
		}
	case <-timer.C:
		cancel(ErrTimedOut)
		res.Duration = time.Since(start)
		res.TimedOut = true
		res.Cancelled = true
		res.Err = timeoutError(typ, timeout)
		if m.cfg.LogTimeouts {
			m.log.Warnf("%s operation %s timed out after %s (job=%s)", typ, id, timeout, jobID)
		}
	case <-opCtx.Done():
		res.Duration = time.Since(start)
		res.Cancelled = true
		res.Err = catalog.Wrap(catalog.OperationCancelled, context.Cause(opCtx))
	}
	return res
}

// ExecuteJob 以作业级默认超时运行 op。
func ExecuteJob[T any](ctx context.Context, m *Manager, op func(context.Context) (T, error), jobID string) Result[T] {
	return Execute(ctx, m, op, OpJob, 0, jobID)
}

// ExecuteAttestation 以证明阶段默认超时运行 op。
func ExecuteAttestation[T any](ctx context.Context, m *Manager, op func(context.Context) (T, error), jobID string) Result[T] {
	return Execute(ctx, m, op, OpAttestation, 0, jobID)
}

// ExecuteC2D 以计算阶段默认超时运行 op。
func ExecuteC2D[T any](ctx context.Context, m *Manager, op func(context.Context) (T, error), jobID string) Result[T] {
	return Execute(ctx, m, op, OpC2D, 0, jobID)
}

func timeoutError(typ OperationType, d time.Duration) *catalog.Error {
	code, ok := timeoutCodes[typ]
	if !ok {
		code = catalog.OperationTimeout
	}
	e := catalog.Build(code, "", nil)
	e.Message = fmt.Sprintf("%s after %s", e.Message, d)
	return e
}

func (m *Manager) register(info OperationInfo, cancel context.CancelCauseFunc) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[info.ID] = &operation{info: info, cancel: cancel}
	return info.ID
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// CancelOperation 取消单个活动操作，返回是否找到该操作。
func (m *Manager) CancelOperation(id, reason string) bool {
	m.mu.Lock()
	op, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
	return true
}

// CancelJob 取消属于 jobID 的全部活动操作。
func (m *Manager) CancelJob(jobID, reason string) int {
	return m.cancelWhere(func(info OperationInfo) bool { return info.JobID == jobID }, reason)
}

// CancelAll 取消全部活动操作；没有活动操作时什么也不做。
func (m *Manager) CancelAll(reason string) int {
	return m.cancelWhere(func(OperationInfo) bool { return true }, reason)
}

func (m *Manager) cancelWhere(match func(OperationInfo) bool, reason string) int {
	m.mu.Lock()
	var targets []*operation
	for _, op := range m.active {
		if match(op.info) {
			targets = append(targets, op)
		}
	}
	m.mu.Unlock()

	cause := fmt.Errorf("%w: %s", ErrCancelled, reason)
	for _, op := range targets {
		op.cancel(cause)
	}
	if len(targets) > 0 && m.cfg.LogTimeouts {
		m.log.Infof("cancelled %d active operations: %s", len(targets), reason)
	}
	return len(targets)
}

// Active 返回当前注册的操作，按开始时间排序。
func (m *Manager) Active() []OperationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OperationInfo, 0, len(m.active))
	for _, op := range m.active {
		out = append(out, op.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Delay 是可取消的休眠，用于重试退避；令牌已取消或在等待期间取消时返回取消错误。
func Delay(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return catalog.Wrap(catalog.OperationCancelled, context.Cause(ctx))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return catalog.Wrap(catalog.OperationCancelled, context.Cause(ctx))
	}
}
