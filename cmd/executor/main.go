package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"c2dagent/internal/adapters/wasm"
	"c2dagent/internal/logging"
)

// executorConfig 来自计算作业 Pod 注入的环境变量。
type executorConfig struct {
	wasmPath    string
	outputPath  string
	inputPath   string
	entry       string
	argsJSON    string
	datasetID   string
	algorithmID string
	callLimit   uint64
	timeout     time.Duration
}

func getenvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// main 在 Pod 内执行算法模块，并向 stdout 打印一行 JSON 报告供协调端解析。
func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	wasmBin, err := os.ReadFile(cfg.wasmPath)
	if err != nil {
		log.Fatalf("read wasm from %s: %v", cfg.wasmPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	inv, err := resolveInvocation(cfg)
	if err != nil {
		log.Fatalf("resolve invocation: %v", err)
	}
	log.Printf("dataset=%s algorithm=%s entry=%s", cfg.datasetID, cfg.algorithmID, inv.Entry)

	runner := wasm.NewRunner(wasm.RunnerConfig{
		CallLimit: cfg.callLimit,
		Timeout:   cfg.timeout,
		Log:       logging.New(log.Default()),
	})
	report, err := runner.Run(ctx, wasmBin, inv)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}
	if err := writeOutput(cfg.outputPath, report); err != nil {
		log.Fatalf("write output: %v", err)
	}
}

func loadConfig() (executorConfig, error) {
	cfg := executorConfig{
		wasmPath:    getenvOr("WASM_PATH", "/mnt/wasm/module.wasm"),
		outputPath:  getenvOr("OUTPUT_PATH", "/mnt/shared/result.json"),
		inputPath:   getenvOr("INPUT_PATH", "/mnt/input/input.json"),
		entry:       getenvOr("ENTRY", ""),
		argsJSON:    strings.TrimSpace(os.Getenv("ARGS_JSON")),
		datasetID:   os.Getenv("DATASET_ID"),
		algorithmID: os.Getenv("ALGORITHM_ID"),
	}
	if v := getenvOr("CALL_LIMIT", ""); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid CALL_LIMIT=%q: %w", v, err)
		}
		cfg.callLimit = n
	}
	if v := getenvOr("EXEC_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid EXEC_TIMEOUT=%q: %w", v, err)
		}
		cfg.timeout = d
	}
	return cfg, nil
}

// resolveInvocation 以输入文件为准，ENTRY 与 ARGS_JSON 只补齐缺失的部分。
func resolveInvocation(cfg executorConfig) (wasm.Invocation, error) {
	inv, err := readInvocation(cfg.inputPath)
	if err != nil {
		return inv, err
	}
	if inv.Entry == "" {
		inv.Entry = cfg.entry
	}
	if len(inv.Args) == 0 && cfg.argsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.argsJSON), &inv.Args); err != nil {
			return inv, fmt.Errorf("parse ARGS_JSON: %w", err)
		}
	}
	return inv, nil
}

func readInvocation(path string) (wasm.Invocation, error) {
	var inv wasm.Invocation
	if path == "" {
		return inv, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inv, nil
		}
		return inv, fmt.Errorf("read %s: %w", path, err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return inv, nil
	}
	if err := json.Unmarshal([]byte(content), &inv); err != nil {
		return inv, fmt.Errorf("parse %s: %w", path, err)
	}
	return inv, nil
}

// writeOutput 写结果文件并把同一行 JSON 打到 stdout。
func writeOutput(path string, report wasm.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}
