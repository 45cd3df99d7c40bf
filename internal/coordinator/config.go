package coordinator

import (
	"time"

	"c2dagent/internal/catalog"
)

// Config 描述编排器的重试策略。
type Config struct {
	// MaxRetries 为 0 时取默认值 3，负数表示不重试。
	MaxRetries          int
	RetryDelay          time.Duration
	RetryableCategories []catalog.Category
	Log                 Logger
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if len(c.RetryableCategories) == 0 {
		c.RetryableCategories = []catalog.Category{catalog.CategoryVerification, catalog.CategoryAuthentication}
	}
}

func (c *Config) retryable(cat catalog.Category) bool {
	for _, allowed := range c.RetryableCategories {
		if allowed == cat {
			return true
		}
	}
	return false
}
