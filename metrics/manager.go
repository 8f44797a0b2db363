package metrics

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

// NewManager builds the metrics backend named by config.Type.
func NewManager(config *types.MetricsConfig, logger types.Logger) (types.MetricsManager, error) {
	metricsType := "memory"
	if config != nil && config.Type != "" {
		metricsType = config.Type
	}

	var manager types.MetricsManager

	switch metricsType {
	case "memory":
		manager = NewMemoryMetrics(logger)
	case "prometheus":
		manager = NewPrometheusMetrics(logger, config)
	default:
		creator, exists := customMetricsCreators.Load(metricsType)
		if !exists {
			return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsType)
		}

		var err error
		manager, err = creator.(types.MetricsManagerCreator)(config)
		if err != nil {
			return nil, types.WrapError(err, "failed to create metrics manager")
		}
	}

	logger.Info("Metrics manager initialized", zap.String("type", metricsType))
	return manager, nil
}
