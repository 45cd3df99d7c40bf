package logging

import (
	"log"
)

// Logger 提供基础日志输出，各组件只依赖这一最小接口。
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger 使用标准库日志器实现 Logger 接口。
type stdLogger struct {
	logger *log.Logger
}

// New 将 *log.Logger 包装为 Logger；传入 nil 时使用标准库全局日志器。
func New(l *log.Logger) Logger {
	return stdLogger{logger: l}
}

func (s stdLogger) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Infof 通过标准日志器输出普通信息。
func (s stdLogger) Infof(format string, args ...any) {
	s.printf("[INFO] "+format, args...)
}

// Warnf 输出警告信息。
func (s stdLogger) Warnf(format string, args ...any) {
	s.printf("[WARN] "+format, args...)
}

// Errorf 输出错误信息。
func (s stdLogger) Errorf(format string, args ...any) {
	s.printf("[ERROR] "+format, args...)
}

type discard struct{}

func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}

// Discard 丢弃所有日志，测试中常用。
var Discard Logger = discard{}

// Default 在未传入 Logger 时返回默认实现。
func Default(l Logger) Logger {
	if l != nil {
		return l
	}
	return stdLogger{}
}
