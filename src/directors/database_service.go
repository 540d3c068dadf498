package directors

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"kitedb/src/engine"
	"kitedb/src/settings"
)

// DatabaseService opens databases under the configured data root on first
// use and keeps them open until CloseAll.
type DatabaseService struct {
	settings *settings.Arguments
	metrics  *engine.Metrics
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	databases map[string]*engine.Database
}

// NewDatabaseService creates a new DatabaseService
func NewDatabaseService(args *settings.Arguments, metrics *engine.Metrics, logger *zap.SugaredLogger) *DatabaseService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DatabaseService{
		settings:  args,
		metrics:   metrics,
		logger:    logger,
		databases: make(map[string]*engine.Database),
	}
}

// GetDatabase returns the open database called name, opening or creating
// it on disk when needed.
func (s *DatabaseService) GetDatabase(name string) (*engine.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.databases[name]; ok {
		return db, nil
	}
	db, err := engine.NewDatabase(name, s.settings, s.logger.With("database", name))
	if err != nil {
		return nil, err
	}
	db.WithMetrics(s.metrics)
	s.databases[name] = db
	s.logger.Infof("Opened database %s", name)
	return db, nil
}

// ListDatabases returns the names of every database directory under the
// data root plus any database opened but not yet saved, sorted.
func (s *DatabaseService) ListDatabases() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.databases))
	for name := range s.databases {
		seen[name] = true
	}

	entries, err := os.ReadDir(s.settings.Storage.DataRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read data root %s: %w", s.settings.Storage.DataRoot, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			seen[entry.Name()] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CloseAll closes every open database.
func (s *DatabaseService) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, db := range s.databases {
		if err := db.Close(); err != nil {
			s.logger.Warnf("Failed to close database %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(s.databases, name)
	}
	return firstErr
}
