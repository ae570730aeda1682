// Package models serves the model management API: listing, inspecting,
// pulling and deleting the GGUF files in the store.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/download"
	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/registry"
	"github.com/weft-ai/weft/pkg/store"
)

const (
	// maximumConcurrentModelPulls is the maximum number of concurrent
	// model pulls that a model manager will allow.
	maximumConcurrentModelPulls = 2
	// maximumRequestSize is the maximum request body size the manager
	// will read.
	maximumRequestSize = 1024 * 1024
)

// Manager manages inference model pulls and storage.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// registry resolves model names to download descriptors.
	registry *registry.Registry
	// store provides access to the models directory.
	store *store.Store
	// downloads performs model pulls.
	downloads *download.Manager
	// pullTokens is a semaphore used to restrict the maximum number of
	// concurrent pull requests.
	pullTokens chan struct{}
	// router is the HTTP request router.
	router *http.ServeMux
}

// NewManager creates a new model manager.
func NewManager(log logging.Logger, reg *registry.Registry, st *store.Store, downloads *download.Manager) *Manager {
	m := &Manager{
		log:        log,
		registry:   reg,
		store:      st,
		downloads:  downloads,
		pullTokens: make(chan struct{}, maximumConcurrentModelPulls),
		router:     http.NewServeMux(),
	}

	m.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteError(w, http.StatusNotFound, "not found")
	})
	for route, handler := range m.routeHandlers() {
		m.router.HandleFunc(route, handler)
	}

	// Populate the pull concurrency semaphore.
	for i := 0; i < maximumConcurrentModelPulls; i++ {
		m.pullTokens <- struct{}{}
	}

	return m
}

func (m *Manager) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /api/health":           m.handleHealth,
		"GET /api/models":           m.handleListModels,
		"GET /api/models/{name}":    m.handleGetModel,
		"POST /api/models/{name}":   m.handlePullModel,
		"DELETE /api/models/{name}": m.handleDeleteModel,
		"GET /api/df":               m.handleDiskUsage,
	}
}

// GetRoutes returns the routes the manager serves.
func (m *Manager) GetRoutes() []string {
	routeHandlers := m.routeHandlers()
	routes := make([]string, 0, len(routeHandlers))
	for route := range routeHandlers {
		routes = append(routes, route)
	}
	return routes
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// handleHealth handles GET /api/health requests.
func (m *Manager) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteData(w, http.StatusOK, "OK")
}

// handleListModels handles GET /api/models requests. The response
// lists downloaded files alongside the registry's catalog, so clients
// can tell what is present and what could be pulled.
func (m *Manager) handleListModels(w http.ResponseWriter, _ *http.Request) {
	files, err := m.store.List()
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Both lists must be non-nil, even when empty, so that they encode
	// as JSON arrays.
	models := make([]api.ModelInfo, 0, len(files))
	present := make(map[string]bool, len(files))
	for _, file := range files {
		present[file.Name] = true
		models = append(models, m.describe(file))
	}

	available := make([]api.AvailableModel, 0)
	if m.registry != nil {
		for _, desc := range m.registry.List() {
			available = append(available, api.AvailableModel{
				Name:        desc.Name,
				Description: desc.Description,
				SizeBytes:   desc.Size,
				Downloaded:  present[desc.Filename],
			})
		}
	}

	api.WriteData(w, http.StatusOK, api.ModelList{Models: models, Available: available})
}

// handleGetModel handles GET /api/models/{name} requests.
func (m *Manager) handleGetModel(w http.ResponseWriter, r *http.Request) {
	file, meta, err := m.store.Info(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, store.ErrModelNotFound) {
			api.WriteError(w, http.StatusNotFound, err.Error())
		} else {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	info := api.ModelInfo{
		Name:          file.Name,
		SizeBytes:     file.Size,
		LastModified:  file.ModTime,
		Architecture:  meta.Architecture,
		Parameters:    meta.Parameters,
		Quantization:  meta.Quantization,
		ContextLength: meta.ContextLength,
	}
	api.WriteData(w, http.StatusOK, info)
}

// handlePullModel handles POST /api/models/{name} requests. Progress
// is streamed as JSON lines while the download runs; the final line is
// always a success or error message.
func (m *Manager) handlePullModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var request api.PullRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestSize))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}

	desc, err := m.registry.Resolve(name)
	if err != nil {
		api.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	// Restrict the number of concurrent pulls.
	select {
	case <-m.pullTokens:
	case <-r.Context().Done():
		return
	}
	defer func() {
		m.pullTokens <- struct{}{}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	// The download reporter streams progress to the initiating caller.
	// A caller whose pull coalesced with an in-flight transfer receives
	// no intermediate lines, so always finish the stream with a
	// terminal message of our own; clients stop at the first terminal
	// line they see.
	_, err = m.downloads.Download(r.Context(), desc, download.Options{
		Force:    request.Force,
		Progress: w,
	})
	reporter := download.NewReporter(w, desc.Name, 0)
	if err != nil {
		reporter.Error(err.Error())
		return
	}
	reporter.Success(fmt.Sprintf("Model %s ready", desc.Name))
}

// handleDeleteModel handles DELETE /api/models/{name} requests.
func (m *Manager) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := m.store.Delete(name); err != nil {
		switch {
		case errors.Is(err, store.ErrModelNotFound):
			api.WriteError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrModelInUse):
			api.WriteError(w, http.StatusConflict, err.Error())
		default:
			api.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	m.log.Infof("Model %s deleted", name)
	api.WriteData(w, http.StatusOK, fmt.Sprintf("Model %s deleted", name))
}

// handleDiskUsage handles GET /api/df requests.
func (m *Manager) handleDiskUsage(w http.ResponseWriter, _ *http.Request) {
	count, total, err := m.store.DiskUsage()
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.WriteData(w, http.StatusOK, api.DiskUsage{
		Path:       m.store.Dir(),
		ModelCount: count,
		TotalBytes: total,
	})
}

// describe fills a ModelInfo from a store file, including whatever
// GGUF metadata parses.
func (m *Manager) describe(file store.ModelFile) api.ModelInfo {
	info := api.ModelInfo{
		Name:         file.Name,
		SizeBytes:    file.Size,
		LastModified: file.ModTime,
	}
	if _, meta, err := m.store.Info(file.Name); err == nil {
		info.Architecture = meta.Architecture
		info.Parameters = meta.Parameters
		info.Quantization = meta.Quantization
		info.ContextLength = meta.ContextLength
	}
	return info
}
