package logger

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

var (
	customLoggerCreators   = make(map[string]types.LoggerCreator)
	customLoggerCreatorsMu sync.RWMutex
)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreatorsMu.Lock()
	defer customLoggerCreatorsMu.Unlock()
	customLoggerCreators[loggerName] = creator
}

// New builds the logger named by config.Type; "default" (or empty) is zap.
func New(loggerConfig *types.LoggerConfig) (types.Logger, error) {
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	loggerName := "default"
	if loggerConfig.Type != "" {
		loggerName = loggerConfig.Type
	}

	switch loggerName {
	case "default":
		return NewDefaultLogger(loggerConfig)
	case "nop":
		return NewNop(), nil
	default:
		customLoggerCreatorsMu.RLock()
		creator, exists := customLoggerCreators[loggerName]
		customLoggerCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
		}
		return creator(loggerConfig.Config)
	}
}

func NewNop() types.Logger {
	return NewZapWrapper(zap.NewNop())
}
