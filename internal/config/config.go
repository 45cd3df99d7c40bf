// Package config 汇总代理的全部配置：内置默认值 -> YAML 文件 -> AGENT_* 环境变量。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"c2dagent/internal/catalog"
	"c2dagent/internal/timeout"
)

// AttestationConfig 描述身份核验服务。
type AttestationConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Credential string `yaml:"credential"`
	// ClaimsFile 指向离线演示用的主体声明文件，Endpoint 为空时使用。
	ClaimsFile string `yaml:"claimsFile"`
}

// ComputeConfig 描述计算市场与资产来源。
type ComputeConfig struct {
	Namespace            string        `yaml:"namespace"`
	ExecutorImage        string        `yaml:"executorImage"`
	JobTemplate          string        `yaml:"jobTemplate"`
	DatasetID            string        `yaml:"datasetId"`
	AlgorithmID          string        `yaml:"algorithmId"`
	DatasetURI           string        `yaml:"datasetUri"`
	AlgorithmURI         string        `yaml:"algorithmUri"`
	AssetGateway         string        `yaml:"assetGateway"`
	AssetMirror          string        `yaml:"assetMirror"`
	PollInterval         time.Duration `yaml:"pollInterval"`
	Timeout              time.Duration `yaml:"timeout"`
	AllowOfflineFallback bool          `yaml:"allowOfflineFallback"`
	CPU                  int           `yaml:"cpu"`
	MemoryMB             int           `yaml:"memoryMb"`
	MaxDuration          time.Duration `yaml:"maxDuration"`
	CallLimit            uint64        `yaml:"callLimit"`
}

// TimeoutsConfig 对应超时管理器的三层预算。
type TimeoutsConfig struct {
	Job           time.Duration `yaml:"job"`
	Attestation   time.Duration `yaml:"attestation"`
	Compute       time.Duration `yaml:"compute"`
	CleanupMargin time.Duration `yaml:"cleanupMargin"`
	LogTimeouts   bool          `yaml:"logTimeouts"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	Delay      time.Duration `yaml:"delay"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	Prefix    string `yaml:"prefix"`
}

// RecorderConfig 选择作业记录的持久化后端。
type RecorderConfig struct {
	Backend      string      `yaml:"backend"`
	SQLitePath   string      `yaml:"sqlitePath"`
	HistoryLimit int         `yaml:"historyLimit"`
	MinIO        MinIOConfig `yaml:"minio"`
}

type TracingConfig struct {
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Environment string            `yaml:"environment"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config 是代理的完整配置。
type Config struct {
	Attestation AttestationConfig `yaml:"attestation"`
	Compute     ComputeConfig     `yaml:"compute"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Retry       RetryConfig       `yaml:"retry"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Server      ServerConfig      `yaml:"server"`
	Verbose     bool              `yaml:"verbose"`
}

// Default 返回内置默认配置。
func Default() Config {
	t := timeout.DefaultConfig()
	return Config{
		Compute: ComputeConfig{
			Namespace:     "default",
			ExecutorImage: "c2dagent/executor:latest",
			AssetMirror:   "assets",
			PollInterval:  5 * time.Second,
			Timeout:       20 * time.Minute,
			CPU:           1,
			MemoryMB:      1024,
			MaxDuration:   10 * time.Minute,
			CallLimit:     1_000_000,
		},
		Timeouts: TimeoutsConfig{
			Job:           t.Job,
			Attestation:   t.Attestation,
			Compute:       t.C2D,
			CleanupMargin: t.CleanupMargin,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      2 * time.Second,
		},
		Recorder: RecorderConfig{
			Backend:      "memory",
			SQLitePath:   "c2dagent.db",
			HistoryLimit: 50,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			Environment: "dev",
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load 依次叠加默认值、可选 YAML 文件和环境变量，然后校验。path 为空时跳过文件。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TimeoutConfig 转换为超时管理器配置。
func (c Config) TimeoutConfig() timeout.Config {
	return timeout.Config{
		Job:           c.Timeouts.Job,
		Attestation:   c.Timeouts.Attestation,
		C2D:           c.Timeouts.Compute,
		CleanupMargin: c.Timeouts.CleanupMargin,
		LogTimeouts:   c.Timeouts.LogTimeouts,
	}
}

// Validate 校验嵌套预算与后端选择；预算不一致时返回 INVALID_TIMEOUT_CONFIG。
func (c Config) Validate() error {
	if err := c.TimeoutConfig().Validate(); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return catalog.Build(catalog.MissingConfiguration, "retry.maxRetries must not be negative", nil)
	}
	switch c.Recorder.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Recorder.SQLitePath) == "" {
			return catalog.Build(catalog.MissingConfiguration, "recorder.sqlitePath is required for the sqlite backend", nil)
		}
	case "minio":
		if strings.TrimSpace(c.Recorder.MinIO.Endpoint) == "" {
			return catalog.Build(catalog.MissingConfiguration, "recorder.minio.endpoint is required for the minio backend", nil)
		}
	default:
		return catalog.Build(catalog.MissingConfiguration, fmt.Sprintf("unknown recorder backend %q", c.Recorder.Backend), nil)
	}
	return nil
}

type binding struct {
	key string
	set func(string) error
}

// applyEnv 用 AGENT_* 环境变量覆盖配置。lookup 便于测试注入。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range c.bindings() {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) bindings() []binding {
	return []binding{
		{"AGENT_ATTESTATION_ENDPOINT", str(&c.Attestation.Endpoint)},
		{"AGENT_ATTESTATION_CREDENTIAL", str(&c.Attestation.Credential)},
		{"AGENT_ATTESTATION_CLAIMS_FILE", str(&c.Attestation.ClaimsFile)},
		{"AGENT_COMPUTE_NAMESPACE", str(&c.Compute.Namespace)},
		{"AGENT_COMPUTE_EXECUTOR_IMAGE", str(&c.Compute.ExecutorImage)},
		{"AGENT_COMPUTE_JOB_TEMPLATE", str(&c.Compute.JobTemplate)},
		{"AGENT_COMPUTE_DATASET_ID", str(&c.Compute.DatasetID)},
		{"AGENT_COMPUTE_ALGORITHM_ID", str(&c.Compute.AlgorithmID)},
		{"AGENT_COMPUTE_DATASET_URI", str(&c.Compute.DatasetURI)},
		{"AGENT_COMPUTE_ALGORITHM_URI", str(&c.Compute.AlgorithmURI)},
		{"AGENT_COMPUTE_ASSET_GATEWAY", str(&c.Compute.AssetGateway)},
		{"AGENT_COMPUTE_ASSET_MIRROR", str(&c.Compute.AssetMirror)},
		{"AGENT_COMPUTE_POLL_INTERVAL", dur(&c.Compute.PollInterval)},
		{"AGENT_COMPUTE_TIMEOUT", dur(&c.Compute.Timeout)},
		{"AGENT_COMPUTE_ALLOW_OFFLINE_FALLBACK", boolean(&c.Compute.AllowOfflineFallback)},
		{"AGENT_COMPUTE_CALL_LIMIT", uint64Val(&c.Compute.CallLimit)},
		{"AGENT_TIMEOUT_JOB", dur(&c.Timeouts.Job)},
		{"AGENT_TIMEOUT_ATTESTATION", dur(&c.Timeouts.Attestation)},
		{"AGENT_TIMEOUT_COMPUTE", dur(&c.Timeouts.Compute)},
		{"AGENT_TIMEOUT_CLEANUP_MARGIN", dur(&c.Timeouts.CleanupMargin)},
		{"AGENT_TIMEOUT_LOG", boolean(&c.Timeouts.LogTimeouts)},
		{"AGENT_RETRY_MAX", integer(&c.Retry.MaxRetries)},
		{"AGENT_RETRY_DELAY", dur(&c.Retry.Delay)},
		{"AGENT_RECORDER_BACKEND", str(&c.Recorder.Backend)},
		{"AGENT_RECORDER_SQLITE_PATH", str(&c.Recorder.SQLitePath)},
		{"AGENT_RECORDER_HISTORY_LIMIT", integer(&c.Recorder.HistoryLimit)},
		{"AGENT_MINIO_ENDPOINT", str(&c.Recorder.MinIO.Endpoint)},
		{"AGENT_MINIO_ACCESS_KEY", str(&c.Recorder.MinIO.AccessKey)},
		{"AGENT_MINIO_SECRET_KEY", str(&c.Recorder.MinIO.SecretKey)},
		{"AGENT_MINIO_BUCKET", str(&c.Recorder.MinIO.Bucket)},
		{"AGENT_MINIO_USE_SSL", boolean(&c.Recorder.MinIO.UseSSL)},
		{"AGENT_TRACING_EXPORTER", str(&c.Tracing.Exporter)},
		{"AGENT_TRACING_ENDPOINT", str(&c.Tracing.Endpoint)},
		{"AGENT_SERVER_ADDR", str(&c.Server.Addr)},
		{"AGENT_VERBOSE", boolean(&c.Verbose)},
	}
}

func str(p *string) func(string) error {
	return func(v string) error {
		*p = strings.TrimSpace(v)
		return nil
	}
}

func dur(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

func boolean(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func integer(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func uint64Val(p *uint64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}
