package directors

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"kitedb/src/engine"
	"kitedb/src/settings"
)

// ServiceManager bundles the services a console session needs. It is built
// once at startup and handed to every session.
type ServiceManager struct {
	DatabaseService *DatabaseService
	Metrics         *engine.Metrics
	logger          *zap.SugaredLogger
}

// NewServiceManager wires the services from the loaded settings. Metrics
// are registered with reg when it is not nil.
func NewServiceManager(args *settings.Arguments, reg prometheus.Registerer, logger *zap.SugaredLogger) *ServiceManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var metrics *engine.Metrics
	if reg != nil {
		metrics = engine.NewMetrics(reg)
	}

	sm := &ServiceManager{
		DatabaseService: NewDatabaseService(args, metrics, logger),
		Metrics:         metrics,
		logger:          logger,
	}
	logger.Info("ServiceManager initialized")
	return sm
}

// Close releases every open database.
func (sm *ServiceManager) Close() error {
	return sm.DatabaseService.CloseAll()
}
