// Package logging builds the service's structured zap logger: a JSON file
// sink (rotated via lumberjack) teed with a colored console sink split by
// level. The message and every string or error field pass through the
// redaction scrubber before reaching a sink, and any field under a sensitive
// key is replaced; other structured fields are written as they are.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/image-random-service/internal/redact"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation configures the file sink's rotation policy.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation mirrors the service's documented defaults.
func DefaultRotation() Rotation {
	return Rotation{MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
}

// New builds the service logger at level, writing rotated JSON logs under
// logDir/image-random-service.log and a colored split console stream
// (stdout below warn, stderr at warn and above).
func New(level string, logDir string, rotation Rotation) (*zap.Logger, error) {
	zapLevel := parseLevel(level)

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "image-random-service.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	// each sink is wrapped on its own so its level filter decides, per entry,
	// whether it writes; one wrapper around the tee would write to all three
	core := zapcore.NewTee(redactingCore{fileCore}, redactingCore{stdoutCore}, redactingCore{stderrCore})

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug", "DEBUG":
		return zap.DebugLevel
	case "warn", "WARN":
		return zap.WarnLevel
	case "error", "ERROR":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// redactingCore wraps a zapcore.Core, scrubbing the message with redact.Text
// and each field with redactField before delegating to the wrapped core's
// Write.
type redactingCore struct {
	zapcore.Core
}

func (c redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return redactingCore{c.Core.With(redactFields(fields))}
}

func (c redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = redact.Text(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

// redactField scrubs the subset of zapcore.Field kinds that carry
// inspectable string content; structured (Reflect/Object/Array) fields pass
// through since zap renders them lazily and redact.Any cannot see inside an
// arbitrary zapcore.ObjectMarshaler.
func redactField(f zapcore.Field) zapcore.Field {
	switch f.Type {
	case zapcore.StringType:
		if redact.IsSensitiveKey(f.Key) {
			f.String = redact.Redacted
		} else {
			f.String = redact.Text(f.String)
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			f.Interface = fmt.Errorf("%s", redact.Text(err.Error()))
		}
	}
	if redact.IsSensitiveKey(f.Key) && f.Type != zapcore.StringType {
		f.Type = zapcore.StringType
		f.String = redact.Redacted
		f.Interface = nil
	}
	return f
}
