package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
)

// Options are read from the "config" block of the logger section.
type Options struct {
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file"`
}

// NewDefaultLogger builds the zap logger described by config. Unknown levels
// fall back to info.
func NewDefaultLogger(config *types.LoggerConfig) (types.Logger, error) {
	options := &Options{Format: FormatConsole, Output: OutputStdout}
	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, options); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}

	zapLogger, err := build(ParseLevel(config.Level), options)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	l := NewZapWrapper(zapLogger)
	l.Debug("Logger initialized",
		zap.String("level", config.Level),
		zap.String("format", options.Format),
		zap.String("output", options.Output))

	return l, nil
}

func build(level zapcore.Level, options *Options) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if options.Format == FormatConsole {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.DisableStacktrace = true
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	paths, err := outputPaths(options)
	if err != nil {
		return nil, err
	}
	zapConfig.OutputPaths = paths
	zapConfig.ErrorOutputPaths = paths
	if options.Output == OutputStdout || options.Output == "" {
		zapConfig.ErrorOutputPaths = []string{OutputStderr}
	}

	return zapConfig.Build(zap.AddCaller())
}

func outputPaths(options *Options) ([]string, error) {
	switch options.Output {
	case OutputStderr:
		return []string{OutputStderr}, nil
	case OutputFile:
		if options.File == "" {
			return nil, types.ErrLogFileIsEmpty
		}
		dir := filepath.Dir(options.File)
		if dir == "." {
			return nil, types.ErrLogFileWrongFormat
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(err, "access denied to log directory")
		}
		return []string{options.File}, nil
	default:
		return []string{OutputStdout}, nil
	}
}

// ParseLevel maps a level name to zap; "warning" is accepted for warn.
func ParseLevel(level string) zapcore.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}

	parsed, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

// ZapWrapper adapts *zap.Logger to types.Logger.
type ZapWrapper struct {
	Logger *zap.Logger
}

func NewZapWrapper(logger *zap.Logger) types.Logger {
	return &ZapWrapper{Logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (z *ZapWrapper) Error(msg string, fields ...zap.Field) { z.Logger.Error(msg, fields...) }
func (z *ZapWrapper) Warn(msg string, fields ...zap.Field)  { z.Logger.Warn(msg, fields...) }
func (z *ZapWrapper) Info(msg string, fields ...zap.Field)  { z.Logger.Info(msg, fields...) }
func (z *ZapWrapper) Debug(msg string, fields ...zap.Field) { z.Logger.Debug(msg, fields...) }

func (z *ZapWrapper) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.Logger.Log(lvl, msg, fields...)
}

// ErrorWithErrStack logs err with its root cause and, when err carries one,
// the stack recorded by types.WrapError.
func (z *ZapWrapper) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.Logger.Error(msg, fields...)
		return
	}

	all := append([]zap.Field{
		zap.Error(err),
		zap.String("cause", errors.Cause(err).Error()),
	}, fields...)

	if stack := stackOf(err); stack != "" {
		all = append(all, zap.String("stack", stack))
	}

	z.Logger.Error(msg, all...)
}

func (z *ZapWrapper) Sync() error {
	return z.Logger.Sync()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf returns the outermost stack found while unwrapping err.
func stackOf(err error) string {
	for err != nil {
		if tracer, ok := err.(stackTracer); ok {
			return strings.TrimSpace(fmt.Sprintf("%+v", tracer.StackTrace()))
		}

		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}
