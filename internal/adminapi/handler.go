package adminapi

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"keyreg/internal/config"
	"keyreg/internal/logging"
	"keyreg/internal/registry"
)

const (
	maxConfigPayloadSize = 1 << 20
	maxInitPayloadSize   = 64 << 10
	yamlContentType      = "application/x-yaml"
	jsonContentType      = "application/json"
)

// Handler exposes the operator surface: assignment listing, batch
// initialization and key table management.
type Handler struct {
	manager    *config.Manager
	registry   *registry.Registry
	events     *logging.EventLog
	configPath string
	token      string
	logger     *zap.Logger

	mu sync.Mutex
}

// AssignmentList is the body of GET /assignments.
type AssignmentList struct {
	Count       int                   `json:"count"`
	Assignments []registry.Assignment `json:"assignments"`
}

// InitializeRequest is the body accepted by POST /initialize.
type InitializeRequest struct {
	Services []string `json:"services"`
}

// InitializeResponse is returned by POST /initialize.
type InitializeResponse struct {
	Success     bool                  `json:"success"`
	Message     string                `json:"message"`
	Assignments []registry.Assignment `json:"assignments"`
}

// NewHandler constructs a new admin handler. token must be non-empty.
func NewHandler(manager *config.Manager, reg *registry.Registry, events *logging.EventLog, configPath, token string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:    manager,
		registry:   reg,
		events:     events,
		configPath: configPath,
		token:      token,
		logger:     logger,
	}
}

// ServeHTTP dispatches admin API requests. It expects the mount prefix to be stripped.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	if !h.authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer realm=\"keyreg-admin\"")
		writeError(w, http.StatusUnauthorized, errors.New(http.StatusText(http.StatusUnauthorized)))
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case path == "assignments" && r.Method == http.MethodGet:
		h.handleListAssignments(w, r)
	case path == "initialize" && r.Method == http.MethodPost:
		h.handleInitialize(w, r)
	case path == "events" && r.Method == http.MethodGet:
		h.handleEvents(w, r)
	case path == "config" && r.Method == http.MethodGet:
		h.handleGetConfigStructured(w, r)
	case path == "config/raw" && r.Method == http.MethodGet:
		h.handleGetConfigRaw(w, r)
	case path == "config/raw" && r.Method == http.MethodPut:
		h.handlePutConfigRaw(w, r)
	default:
		writeError(w, http.StatusNotFound, errors.New(http.StatusText(http.StatusNotFound)))
	}
}

func (h *Handler) authorize(r *http.Request) bool {
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "Bearer ") {
		return false
	}
	token := strings.TrimSpace(authz[7:])
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *Handler) handleListAssignments(w http.ResponseWriter, _ *http.Request) {
	list := h.registry.List()
	writeJSON(w, http.StatusOK, AssignmentList{Count: len(list), Assignments: list})
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxInitPayloadSize)
	defer body.Close()

	var req InitializeRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.badRequest(w, fmt.Errorf("decode request: %w", err))
		return
	}

	services := make([]string, 0, len(req.Services))
	for i, svc := range req.Services {
		svc = strings.TrimSpace(svc)
		if svc == "" {
			h.badRequest(w, fmt.Errorf("services[%d]: name must not be empty", i))
			return
		}
		services = append(services, svc)
	}
	if len(services) == 0 {
		h.badRequest(w, errors.New("services must not be empty"))
		return
	}

	res := h.registry.InitializeAll(r.Context(), services)

	failed := 0
	for _, a := range res.Assignments {
		if a.Status != registry.StatusActive {
			failed++
		}
	}
	message := "all services initialized"
	if failed > 0 {
		message = fmt.Sprintf("%d of %d services failed", failed, len(res.Assignments))
	}
	h.logger.Info("initialize requested",
		zap.Strings("services", services),
		zap.Bool("success", res.Success),
		zap.Int("failed", failed),
	)

	writeJSON(w, http.StatusOK, InitializeResponse{
		Success:     res.Success,
		Message:     message,
		Assignments: res.Assignments,
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, []logging.InitEvent{})
		return
	}
	q := r.URL.Query()
	query := logging.EventQuery{
		Service: q.Get("service"),
		Status:  q.Get("status"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.badRequest(w, fmt.Errorf("invalid limit %q", raw))
			return
		}
		query.Limit = limit
	}
	writeJSON(w, http.StatusOK, h.events.Query(query))
}

func (h *Handler) handleGetConfigStructured(w http.ResponseWriter, _ *http.Request) {
	cfg := h.manager.Current()
	if cfg == nil {
		h.internalError(w, config.ErrConfigNotLoaded)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (h *Handler) handleGetConfigRaw(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(h.configPath)
	if err != nil {
		h.internalError(w, fmt.Errorf("read config: %w", err))
		return
	}
	w.Header().Set("Content-Type", yamlContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handlePutConfigRaw(w http.ResponseWriter, r *http.Request) {
	bodyReader := http.MaxBytesReader(w, r.Body, maxConfigPayloadSize)
	defer bodyReader.Close()

	payload, err := io.ReadAll(bodyReader)
	if err != nil {
		h.badRequest(w, fmt.Errorf("read body: %w", err))
		return
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		h.badRequest(w, errors.New("config payload is empty"))
		return
	}

	if _, err := config.ParseYAML(payload); err != nil {
		h.badRequest(w, fmt.Errorf("invalid config: %w", err))
		return
	}

	if err := h.writeConfig(payload); err != nil {
		h.internalError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeConfig atomically replaces the key table file and reloads it,
// putting the previous file back if the reload fails.
func (h *Handler) writeConfig(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	original, err := os.ReadFile(h.configPath)
	if err != nil {
		return fmt.Errorf("read existing config: %w", err)
	}

	if err := replaceFile(h.configPath, payload); err != nil {
		return err
	}

	if err := h.manager.LoadFromFile(h.configPath); err != nil {
		if restoreErr := replaceFile(h.configPath, original); restoreErr != nil {
			h.logger.Error("failed to restore key table after load failure", zap.Error(restoreErr))
		} else if reloadErr := h.manager.LoadFromFile(h.configPath); reloadErr != nil {
			h.logger.Error("failed to reload restored key table", zap.Error(reloadErr))
		}
		return fmt.Errorf("reload config: %w", err)
	}

	h.logger.Info("key table updated via admin API")
	return nil
}

func replaceFile(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if info, err := os.Stat(path); err == nil {
		if err := tmpFile.Chmod(info.Mode().Perm()); err != nil {
			return fmt.Errorf("chmod temp config: %w", err)
		}
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	h.logger.Warn("admin api bad request", zap.Error(err))
	writeError(w, http.StatusBadRequest, err)
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error("admin api internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
