package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const (
	Ascending  = 1
	Descending = -1

	healthProbeCollection = "health_probe"
)

// FindRequest selects documents by field equality. Sort is applied before
// Skip and Limit; a zero Limit returns every match.
type FindRequest struct {
	Collection string
	Filter     map[string]interface{}
	SortField  string
	Direction  int
	Skip       int
	Limit      int
}

// CloverDB is the document store behind the demo catalog. Documents are flat
// maps; the "_id" field assigned by clover never leaves this package.
type CloverDB struct {
	db      *clover.DB
	logger  types.Logger
	path    string
	running int32
}

func NewCloverDB(logger types.Logger, path string) (*CloverDB, error) {
	if path == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "database path is empty")
	}

	db, err := clover.Open(path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	return &CloverDB{
		db:     db,
		logger: logger,
		path:   path,
	}, nil
}

func (c *CloverDB) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	c.logger.Info("CloverDB started", zap.String("path", c.path))
	return nil
}

// Stop closes the database; the value cannot be restarted.
func (c *CloverDB) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("CloverDB stopped gracefully")
	return nil
}

func (c *CloverDB) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

func (c *CloverDB) EnsureCollection(collection string) error {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}

	if exists {
		return nil
	}

	if err := c.db.CreateCollection(collection); err != nil {
		return types.WrapError(err, "failed to create collection")
	}
	return nil
}

func (c *CloverDB) Insert(ctx context.Context, collection string, documents ...map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(documents) == 0 {
		return nil
	}

	if err := c.EnsureCollection(collection); err != nil {
		return err
	}

	docs := make([]*clover.Document, 0, len(documents))
	for _, fields := range documents {
		doc := clover.NewDocument()
		for key, value := range fields {
			doc.Set(key, value)
		}
		docs = append(docs, doc)
	}

	if err := c.db.Insert(collection, docs...); err != nil {
		return types.WrapError(err, "failed to insert documents")
	}
	return nil
}

func (c *CloverDB) Find(ctx context.Context, request FindRequest) ([]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exists, err := c.db.HasCollection(request.Collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return []map[string]interface{}{}, nil
	}

	query := applyFilter(c.db.Query(request.Collection), request.Filter)

	if request.SortField != "" {
		direction := request.Direction
		if direction == 0 {
			direction = Ascending
		}
		query = query.Sort(clover.SortOption{Field: request.SortField, Direction: direction})
	}
	if request.Skip > 0 {
		query = query.Skip(request.Skip)
	}
	if request.Limit > 0 {
		query = query.Limit(request.Limit)
	}

	found, err := query.FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	results := make([]map[string]interface{}, 0, len(found))
	for _, doc := range found {
		fields := make(map[string]interface{})
		if err := doc.Unmarshal(&fields); err != nil {
			c.logger.Warn("Skipping undecodable document",
				zap.String("collection", request.Collection),
				zap.Error(err))
			continue
		}
		delete(fields, "_id")
		results = append(results, fields)
	}

	return results, nil
}

func (c *CloverDB) Count(ctx context.Context, collection string, filter map[string]interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return 0, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return 0, nil
	}

	count, err := applyFilter(c.db.Query(collection), filter).Count()
	if err != nil {
		return 0, types.WrapError(err, "failed to count documents")
	}
	return count, nil
}

func (c *CloverDB) HealthCheck(_ context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "catalog_db",
		Status:    types.StatusHealthy,
		LastCheck: start,
	}

	if !c.IsRunning() {
		check.Status = types.StatusUnhealthy
		check.Message = "database is not running"
	} else if _, err := c.db.HasCollection(healthProbeCollection); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	}

	check.Duration = time.Since(start)
	return check
}

func applyFilter(query *clover.Query, filter map[string]interface{}) *clover.Query {
	for key, value := range filter {
		query = query.Where(clover.Field(key).Eq(value))
	}
	return query
}
