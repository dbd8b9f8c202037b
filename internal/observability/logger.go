package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/xkilldash9x/cadence-cli/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field keys shared by every component that logs on behalf of a run or session.
const (
	FieldRunID     = "run_id"
	FieldSessionID = "session_id"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const colorReset = "\x1b[0m"

var ansiColors = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// InitializeLogger sets up the global logger. Console output goes to stderr so
// that command output on stdout stays machine readable.
func InitializeLogger(cfg config.LoggerConfig) {
	initializeLogger(cfg, zapcore.Lock(os.Stderr))
}

func initializeLogger(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(consoleEncoder(cfg), console, level)}
		if cfg.LogFile != "" {
			cores = append(cores, zapcore.NewCore(fileEncoder(), zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}), level))
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), options...).Named(cfg.ServiceName)
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// consoleEncoder renders for the operator watching the sessions: JSON when
// asked for, otherwise short timestamps and colored levels.
func consoleEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	if cfg.Format != "console" {
		return fileEncoder()
	}
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	ec.EncodeLevel = paletteEncoder(cfg.Colors)
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// fileEncoder writes one JSON object per line for later analysis.
func fileEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// paletteEncoder resolves the configured color names once. Levels without a
// known color are written plain.
func paletteEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	names := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	rendered := make(map[zapcore.Level]string, len(names))
	for lvl, name := range names {
		label := lvl.CapitalString()
		if code, ok := ansiColors[strings.ToLower(name)]; ok {
			label = code + label + colorReset
		}
		rendered[lvl] = label
	}
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if s, ok := rendered[l]; ok {
			enc.AppendString(s)
			return
		}
		enc.AppendString(l.CapitalString())
	}
}

// GetLogger returns the global logger, or a development logger before
// InitializeLogger has run.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("fallback")
}

// ScopeRun tags the global logger with the run ID, so everything logged for
// the rest of the process can be joined with the persisted events.
func ScopeRun(runID string) *zap.Logger {
	scoped := GetLogger().With(RunID(runID))
	if globalLogger.Load() != nil {
		globalLogger.Store(scoped)
	}
	return scoped
}

// ForSession scopes base to one session.
func ForSession(base *zap.Logger, sessionID string) *zap.Logger {
	return base.With(SessionID(sessionID))
}

// RunID is the run_id field.
func RunID(id string) zap.Field { return zap.String(FieldRunID, id) }

// SessionID is the session_id field.
func SessionID(id string) zap.Field { return zap.String(FieldSessionID, id) }

// Sync flushes buffered entries.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !isTerminalSyncError(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

// isTerminalSyncError reports the errors fsync returns for terminals and pipes.
func isTerminalSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
