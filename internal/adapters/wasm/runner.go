// Package wasm 在 wazero 中执行计算到数据的算法模块，并提供离线计算市场。
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
)

const (
	defaultCallLimit   = 1_000_000
	defaultExecTimeout = time.Minute
)

// ErrCallLimit 表示模块超出函数调用预算。
var ErrCallLimit = errors.New("call limit exceeded")

// Invocation 指定要调用的导出函数及其参数。
type Invocation struct {
	Entry string   `json:"entry"`
	Args  []uint64 `json:"args"`
}

// Report 是一次成功执行输出的单行 JSON。
type Report struct {
	Entry   string   `json:"entry"`
	Args    []uint64 `json:"args"`
	Results []uint64 `json:"results"`
	Calls   uint64   `json:"calls"`
}

// Output 把报告转换为计算结果结构。
func (r Report) Output(logs []string) compute.Output {
	parts := make([]string, len(r.Results))
	for i, v := range r.Results {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return compute.Output{
		Output:    strings.Join(parts, ","),
		Logs:      logs,
		Artifacts: []string{},
		Metrics:   map[string]float64{"calls": float64(r.Calls)},
	}
}

// ParseReport 在执行器日志中查找最后一行报告。
func ParseReport(logs string) (Report, bool) {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r Report
		if err := json.Unmarshal([]byte(line), &r); err == nil && r.Entry != "" {
			return r, true
		}
	}
	return Report{}, false
}

// RunnerConfig 约束单次模块执行的调用次数与时长。
type RunnerConfig struct {
	CallLimit uint64
	Timeout   time.Duration
	Log       logging.Logger
}

// applyDefaults 填充缺省的调用上限与执行超时。
func (c *RunnerConfig) applyDefaults() {
	if c.CallLimit == 0 {
		c.CallLimit = defaultCallLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultExecTimeout
	}
}

// Runner 以 WASI 与调用计数器执行 wasm 模块。
type Runner struct {
	cfg RunnerConfig
	log logging.Logger
}

// NewRunner 创建执行器。
func NewRunner(cfg RunnerConfig) *Runner {
	cfg.applyDefaults()
	return &Runner{cfg: cfg, log: logging.Default(cfg.Log)}
}

// Run 实例化模块并调用 inv.Entry；入口为空时依次尝试 _start 与 run。
func (r *Runner) Run(ctx context.Context, module []byte, inv Invocation) (Report, error) {
	if len(module) == 0 {
		return Report{}, errors.New("empty wasm module")
	}
	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	meter := &callMeter{limit: r.cfg.CallLimit, stop: cancel}
	execCtx = experimental.WithFunctionListenerFactory(execCtx, meter)

	rt := wazero.NewRuntimeWithConfig(execCtx, wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true))
	defer rt.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(execCtx, rt); err != nil {
		return Report{}, fmt.Errorf("init wasi: %w", err)
	}

	mod, err := rt.InstantiateWithConfig(execCtx, module, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		return Report{}, meter.wrap(fmt.Errorf("instantiate wasm: %w", err))
	}
	defer mod.Close(context.Background())

	// TinyGo reactor 模块需要先执行 _initialize。
	if fn := mod.ExportedFunction("_initialize"); fn != nil {
		if _, err := fn.Call(execCtx); err != nil {
			return Report{}, meter.wrap(fmt.Errorf("execute _initialize: %w", err))
		}
	}

	entry := inv.Entry
	if entry == "" {
		for _, name := range []string{"_start", "run"} {
			if mod.ExportedFunction(name) != nil {
				entry = name
				break
			}
		}
	}
	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return Report{}, fmt.Errorf("exported function %q not found", entry)
	}

	results, err := fn.Call(execCtx, inv.Args...)
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 0 && !meter.exceeded.Load() {
		err = nil
	}
	if err != nil {
		return Report{}, meter.wrap(fmt.Errorf("call %s: %w", entry, err))
	}
	report := Report{
		Entry:   entry,
		Args:    cloneSlice(inv.Args),
		Results: cloneSlice(results),
		Calls:   meter.count.Load(),
	}
	r.log.Infof("wasm entry=%s args=%v results=%v calls=%d", entry, inv.Args, results, report.Calls)
	return report, nil
}

// callMeter 统计函数调用次数，超出预算即中止执行。
type callMeter struct {
	limit    uint64
	count    atomic.Uint64
	exceeded atomic.Bool
	stop     context.CancelFunc
}

// NewFunctionListener 对所有函数复用同一个计数器。
func (m *callMeter) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return m
}

// Before 在每次函数进入时计数。
func (m *callMeter) Before(context.Context, api.Module, api.FunctionDefinition, []uint64, experimental.StackIterator) {
	if m.count.Add(1) > m.limit && !m.exceeded.Swap(true) {
		m.stop()
	}
}

// After 无需处理。
func (*callMeter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// Abort 无需处理。
func (*callMeter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}

// wrap 在超出预算时把错误标记为 ErrCallLimit。
func (m *callMeter) wrap(err error) error {
	if m.exceeded.Load() {
		return fmt.Errorf("%w (limit %d): %v", ErrCallLimit, m.limit, err)
	}
	return err
}

// cloneSlice 复制切片，空输入返回非 nil 的空切片。
func cloneSlice(src []uint64) []uint64 {
	if len(src) == 0 {
		return []uint64{}
	}
	dup := make([]uint64, len(src))
	copy(dup, src)
	return dup
}
