package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/apply"
	"github.com/presetd/presetd/internal/export"
	"github.com/presetd/presetd/internal/middleware"
	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

// APIResponse is the envelope for every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SettingResponse is one resolved setting with its live state
type SettingResponse struct {
	Scope    string           `json:"scope"`
	Name     string           `json:"name"`
	Label    string           `json:"label,omitempty"`
	Control  setting.Control  `json:"control"`
	Value    string           `json:"value"`
	Advanced *bool            `json:"advanced,omitempty"`
	Choices  []setting.Choice `json:"choices,omitempty"`
}

// setupAPIRoutes registers all console API routes
func (s *Server) setupAPIRoutes(router *mux.Router) {
	// Auth endpoints
	router.HandleFunc("/auth/login", s.handleLogin).Methods("POST", "OPTIONS")
	router.HandleFunc("/auth/logout", s.handleLogout).Methods("POST", "OPTIONS")
	router.HandleFunc("/auth/me", s.handleGetCurrentUser).Methods("GET", "OPTIONS")

	// Setting endpoints
	router.HandleFunc("/settings", s.handleListSettings).Methods("GET", "OPTIONS")
	router.HandleFunc("/settings/tree", s.handleSettingsTree).Methods("GET", "OPTIONS")

	// Preset endpoints
	router.HandleFunc("/presets", s.handleListPresets).Methods("GET", "OPTIONS")
	router.HandleFunc("/presets", s.handleCreatePreset).Methods("POST", "OPTIONS")
	router.HandleFunc("/presets/import", s.handleImportPreset).Methods("POST", "OPTIONS")
	router.HandleFunc("/presets/{preset}", s.handleGetPreset).Methods("GET", "OPTIONS")
	router.HandleFunc("/presets/{preset}", s.handleUpdatePreset).Methods("PUT", "OPTIONS")
	router.HandleFunc("/presets/{preset}", s.handleDeletePreset).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/presets/{preset}/tree", s.handlePresetTree).Methods("GET", "OPTIONS")
	router.HandleFunc("/presets/{preset}/export", s.handleExportPreset).Methods("GET", "OPTIONS")
	router.HandleFunc("/presets/{preset}/apply", s.handleApplyPreset).Methods("POST", "OPTIONS")

	// Application ledger endpoints
	router.HandleFunc("/presets/{preset}/applications", s.handleListApplications).Methods("GET", "OPTIONS")
	router.HandleFunc("/applications/{application}", s.handleGetApplication).Methods("GET", "OPTIONS")
	router.HandleFunc("/applications/{application}", s.handleDeleteApplication).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/applications/{application}/rollback", s.handleRollbackApplication).Methods("POST", "OPTIONS")

	// Archive endpoints (404 when archiving is not configured)
	router.HandleFunc("/archive", s.handleListArchive).Methods("GET", "OPTIONS")
	router.HandleFunc("/archive/restore", s.handleRestoreArchived).Methods("POST", "OPTIONS")

	// System endpoints
	router.HandleFunc("/system/info", s.handleSystemInfo).Methods("GET", "OPTIONS")
	router.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
}

// Auth handlers

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authManager == nil {
		s.writeError(w, "Authentication is disabled", http.StatusNotFound)
		return
	}

	var loginReq struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.authManager.ValidateCredentials(loginReq.Username, loginReq.Password); err != nil {
		s.writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.authManager.GenerateToken(loginReq.Username)
	if err != nil {
		s.writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"token":    token,
		"username": loginReq.Username,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"message": "Logged out successfully"})
}

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"username": middleware.UserFromContext(r.Context()),
	})
}

// Setting handlers

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	reg := s.builder.Build(s.schema)

	settings := make([]SettingResponse, 0, reg.Len())
	for _, desc := range reg.All() {
		resp := SettingResponse{
			Scope:   desc.Scope(),
			Name:    desc.Name(),
			Label:   desc.Label(),
			Control: desc.Control(),
		}

		value, err := desc.Read(r.Context())
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"scope": desc.Scope(),
				"name":  desc.Name(),
			}).Warn("Failed to read setting")
			continue
		}
		resp.Value = value

		if desc.AdvancedCapable() {
			if adv, err := desc.ReadAdvanced(r.Context()); err == nil {
				resp.Advanced = &adv
			}
		}

		if choices, err := desc.Choices(r.Context()); err == nil && len(choices) > 0 {
			resp.Choices = choices
		}

		settings = append(settings, resp)
	}

	s.writeJSON(w, settings)
}

func (s *Server) handleSettingsTree(w http.ResponseWriter, r *http.Request) {
	reg := s.builder.Build(s.schema)
	tree := setting.BuildTree(s.schema, func(scope, name string) bool {
		_, ok := reg.Lookup(scope, name)
		return ok
	})
	s.writeJSON(w, tree)
}

// Preset handlers

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.presetStore.ListPresets(r.Context())
	if err != nil {
		s.writeError(w, "Failed to list presets", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, presets)
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var req apply.SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		s.writeError(w, "Preset name is required", http.StatusBadRequest)
		return
	}

	req.Author = middleware.UserFromContext(r.Context())
	req.Site = s.config.Site.Name
	req.Release = s.config.Site.Release

	p, err := s.engine.Snapshot(r.Context(), req)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to capture preset: %v", err), http.StatusInternalServerError)
		return
	}

	s.archivePreset(r.Context(), p)

	s.writeJSON(w, p)
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.presetStore.GetPreset(r.Context(), vars["preset"])
	if err != nil {
		if errors.Is(err, preset.ErrPresetNotFound) {
			s.writeError(w, "Preset not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to get preset", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, p)
}

func (s *Server) handleUpdatePreset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Name     string `json:"name"`
		Comments string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		s.writeError(w, "Preset name is required", http.StatusBadRequest)
		return
	}

	if err := s.presetStore.UpdatePresetInfo(r.Context(), vars["preset"], req.Name, req.Comments); err != nil {
		if errors.Is(err, preset.ErrPresetNotFound) {
			s.writeError(w, "Preset not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to update preset", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]string{"message": "Preset updated"})
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.presetStore.DeletePreset(r.Context(), vars["preset"]); err != nil {
		if errors.Is(err, preset.ErrPresetNotFound) {
			s.writeError(w, "Preset not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to delete preset", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"message": "Preset deleted"})
}

// handlePresetTree returns the schema tree filtered down to the settings the
// preset carries. Branches without any applicable setting are pruned.
func (s *Server) handlePresetTree(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.presetStore.GetPreset(r.Context(), vars["preset"])
	if err != nil {
		if errors.Is(err, preset.ErrPresetNotFound) {
			s.writeError(w, "Preset not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to get preset", http.StatusInternalServerError)
		return
	}

	carried := make(map[string]bool, len(p.Items))
	for _, item := range p.Items {
		carried[item.Name+"@@"+item.Scope] = true
	}

	tree := setting.BuildTree(s.schema, func(scope, name string) bool {
		return carried[name+"@@"+scope]
	})
	s.writeJSON(w, tree)
}

func (s *Server) handleExportPreset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.presetStore.GetPreset(r.Context(), vars["preset"])
	if err != nil {
		if errors.Is(err, preset.ErrPresetNotFound) {
			s.writeError(w, "Preset not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to get preset", http.StatusInternalServerError)
		return
	}

	// Optional subset: ?settings=name@@scope,... keeps only the named items
	if sel := r.URL.Query().Get("settings"); sel != "" {
		keep := make(map[string]bool)
		for _, token := range strings.Split(sel, ",") {
			if token = strings.TrimSpace(token); token != "" {
				keep[token] = true
			}
		}
		filtered := make([]preset.Item, 0, len(p.Items))
		for _, item := range p.Items {
			if keep[item.Name+"@@"+item.Scope] {
				filtered = append(filtered, item)
			}
		}
		p.Items = filtered
	}

	data, err := export.Marshal(p)
	if err != nil {
		s.writeError(w, "Failed to export preset", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Name+".xml"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleImportPreset(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		s.writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	p, err := export.Unmarshal(data)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid preset document: %v", err), http.StatusBadRequest)
		return
	}

	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().Unix()

	if err := s.presetStore.CreatePreset(r.Context(), p); err != nil {
		s.writeError(w, "Failed to store preset", http.StatusInternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"preset_id": p.ID,
		"name":      p.Name,
		"items":     len(p.Items),
	}).Info("Preset imported")

	s.writeJSON(w, p)
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		OverrideExclusions bool `json:"override_exclusions"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	report, err := s.engine.Apply(r.Context(), vars["preset"], apply.ApplyOptions{
		UserID:             middleware.UserFromContext(r.Context()),
		OverrideExclusions: req.OverrideExclusions,
	})
	if err != nil {
		switch {
		case errors.Is(err, preset.ErrPresetNotFound):
			s.writeError(w, "Preset not found", http.StatusNotFound)
		case errors.Is(err, apply.ErrLockTimeout):
			s.writeError(w, "Another apply or rollback is in progress", http.StatusConflict)
		default:
			s.writeError(w, fmt.Sprintf("Failed to apply preset: %v", err), http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, report)
}

// Archive handlers

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		s.writeError(w, "Archiving is not configured", http.StatusNotFound)
		return
	}

	entries, err := s.archiver.List(r.Context())
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to list archive: %v", err), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, entries)
}

// handleRestoreArchived downloads an archived document and imports it as a
// fresh preset.
func (s *Server) handleRestoreArchived(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		s.writeError(w, "Archiving is not configured", http.StatusNotFound)
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		s.writeError(w, "Archive key is required", http.StatusBadRequest)
		return
	}

	data, err := s.archiver.Fetch(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to fetch archived preset: %v", err), http.StatusBadGateway)
		return
	}

	p, err := export.Unmarshal(data)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid archived document: %v", err), http.StatusBadRequest)
		return
	}

	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().Unix()

	if err := s.presetStore.CreatePreset(r.Context(), p); err != nil {
		s.writeError(w, "Failed to store preset", http.StatusInternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"preset_id": p.ID,
		"key":       req.Key,
	}).Info("Archived preset restored")

	s.writeJSON(w, p)
}

// Application ledger handlers

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	apps, err := s.presetStore.ListApplications(r.Context(), vars["preset"])
	if err != nil {
		s.writeError(w, "Failed to list applications", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, apps)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	app, err := s.presetStore.GetApplication(r.Context(), vars["application"])
	if err != nil {
		if errors.Is(err, preset.ErrApplicationNotFound) {
			s.writeError(w, "Application not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to get application", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, app)
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.presetStore.DeleteApplication(r.Context(), vars["application"]); err != nil {
		if errors.Is(err, preset.ErrApplicationNotFound) {
			s.writeError(w, "Application not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to delete application", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"message": "Application deleted"})
}

func (s *Server) handleRollbackApplication(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := s.engine.Rollback(r.Context(), vars["application"])
	if err != nil {
		switch {
		case errors.Is(err, preset.ErrApplicationNotFound):
			s.writeError(w, "Application not found", http.StatusNotFound)
		case errors.Is(err, apply.ErrLockTimeout):
			s.writeError(w, "Another apply or rollback is in progress", http.StatusConflict)
		default:
			s.writeError(w, fmt.Sprintf("Failed to roll back: %v", err), http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, report)
}

// System handlers

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"site":    s.config.Site.Name,
		"release": s.config.Site.Release,
		"uptime":  int64(time.Since(s.startTime).Seconds()),
	}

	if hostInfo, err := host.Info(); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["os"] = hostInfo.OS
		info["platform"] = hostInfo.Platform
	}
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		info["cpu_percent"] = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_used_percent"] = vm.UsedPercent
	}
	if usage, err := disk.Usage(s.config.DataDir); err == nil {
		info["disk_used_percent"] = usage.UsedPercent
	}

	s.writeJSON(w, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "healthy"})
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
	logrus.WithField("error", message).WithField("status", statusCode).Warn("API error")
}

// archivePreset uploads a freshly captured preset when archiving is enabled.
// Archive failures are logged, not surfaced; the preset is already stored.
func (s *Server) archivePreset(ctx context.Context, p *preset.Preset) {
	if s.archiver == nil {
		return
	}
	if _, err := s.archiver.Archive(ctx, p); err != nil {
		logrus.WithError(err).WithField("preset_id", p.ID).Warn("Failed to archive preset")
	}
}
