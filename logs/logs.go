// Package logs builds the zap loggers used across the module.
package logs

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// OutputFile is a path, or stdout/stderr.
	OutputFile string `yaml:"output_file"`
}

// New creates a zap.Logger from config. An unknown level falls back to info.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	ws, err := writeSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(config.Format), ws, level)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "txfanout")), nil
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func writeSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", output, err)
		}
		return zapcore.AddSync(file), nil
	}
}

// AuditLogger receives one event per coordinator decision.
type AuditLogger interface {
	LogEvent(event string, attrs map[string]any)
}

type zapAuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger writes audit events at info level on a child logger named
// "audit".
func NewAuditLogger(logger *zap.Logger) AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapAuditLogger{logger: logger.Named("audit")}
}

func (a *zapAuditLogger) LogEvent(event string, attrs map[string]any) {
	fields := make([]zap.Field, 0, len(attrs)+1)
	fields = append(fields, zap.String("event", event))
	for k, v := range attrs {
		fields = append(fields, zap.Any(k, v))
	}
	a.logger.Info("audit", fields...)
}

type NoopAuditLogger struct{}

func (NoopAuditLogger) LogEvent(string, map[string]any) {}
