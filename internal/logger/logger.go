// Package logger 构造全局使用的zap日志器
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 按级别和格式创建日志器，返回的 AtomicLevel 可在运行时调整级别
//
// format 取值 console（开发格式，带颜色）或 json（生产格式）。
func New(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	atomicLevel := zap.NewAtomicLevel()
	if err := SetLevel(atomicLevel, level); err != nil {
		return nil, atomicLevel, err
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Development = false
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, atomicLevel, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = atomicLevel
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, atomicLevel, fmt.Errorf("build logger failed: %w", err)
	}
	return logger, atomicLevel, nil
}

// SetLevel 解析级别名称并应用
func SetLevel(atomicLevel zap.AtomicLevel, level string) error {
	if level == "" {
		level = "info"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	atomicLevel.SetLevel(l)
	return nil
}
