package timeout

import (
	"fmt"
	"time"

	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

// Config 描述三层截止时间与日志开关。
type Config struct {
	Job           time.Duration
	Attestation   time.Duration
	C2D           time.Duration
	Default       time.Duration
	CleanupMargin time.Duration
	LogTimeouts   bool
	Log           logging.Logger
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	if c.Job <= 0 {
		c.Job = 30 * time.Minute
	}
	if c.Attestation <= 0 {
		c.Attestation = 2 * time.Minute
	}
	if c.C2D <= 0 {
		c.C2D = 25 * time.Minute
	}
	if c.Default <= 0 {
		c.Default = time.Minute
	}
	if c.CleanupMargin <= 0 {
		c.CleanupMargin = 30 * time.Second
	}
}

// DefaultConfig 返回填充好默认值的配置。
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Validate 检查阶段预算之和不超过作业预算减去清理余量。
func (c Config) Validate() error {
	c.applyDefaults()
	budget := c.Job - c.CleanupMargin
	if c.Attestation+c.C2D > budget {
		return catalog.Build(catalog.InvalidTimeoutConfig, fmt.Sprintf(
			"attestation (%s) + compute (%s) exceeds job timeout %s minus cleanup margin %s",
			c.Attestation, c.C2D, c.Job, c.CleanupMargin), nil)
	}
	return nil
}
