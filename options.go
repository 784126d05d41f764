package unbase

import (
	"runtime"

	"go.uber.org/zap"
)

// Options configures a Database instance.
type Options struct {
	// BasePath is the storage-key prefix for everything this Database
	// persists: "<BasePath>/indexes", "<BasePath>/index/<id>/_id", and
	// "<BasePath>/records/<index>/<id>".
	BasePath string

	// Logger receives structured events (job lifecycle and admin job
	// failures). Defaults to a no-op logger.
	Logger *zap.Logger

	// AdminConcurrency bounds the goroutine pool used by admin jobs
	// (reindex, addField, deleteField, ...) to walk a snapshot of record
	// ids. Defaults to runtime.NumCPU().
	AdminConcurrency int

	// ViewQueueSize is the buffer depth of the ViewManager's serialized
	// background update queue. Defaults to 1024.
	ViewQueueSize int
}

// DefaultOptions returns Options with sane defaults for the given base path.
func DefaultOptions(basePath string) *Options {
	return &Options{
		BasePath:         basePath,
		Logger:           zap.NewNop(),
		AdminConcurrency: runtime.NumCPU(),
		ViewQueueSize:    1024,
	}
}

func (o *Options) withDefaults() *Options {
	cp := *o
	if cp.Logger == nil {
		cp.Logger = zap.NewNop()
	}
	if cp.AdminConcurrency <= 0 {
		cp.AdminConcurrency = runtime.NumCPU()
	}
	if cp.ViewQueueSize <= 0 {
		cp.ViewQueueSize = 1024
	}
	return &cp
}
