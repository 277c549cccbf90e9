package handler

import (
	"log/slog"

	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/internal/store"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Store    *store.Store
	Registry *jobs.Registry
}

// JobHandler serves the /jobs endpoints
type JobHandler struct {
	logger   *slog.Logger
	store    *store.Store
	registry *jobs.Registry
}

// NewJobHandler creates a JobHandler
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		registry: deps.Registry,
	}
}

// DirectoryHandler serves the /members and /societies endpoints
type DirectoryHandler struct {
	logger *slog.Logger
	store  *store.Store
}

// NewDirectoryHandler creates a DirectoryHandler
func NewDirectoryHandler(deps *Dependencies) *DirectoryHandler {
	return &DirectoryHandler{
		logger: deps.Logger,
		store:  deps.Store,
	}
}
