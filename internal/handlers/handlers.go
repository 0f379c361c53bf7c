// Package handlers provides the HTTP handlers of the popguard API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/config"
	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/security"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/tabs"
	"github.com/Rorqualx/popguard-go/internal/types"
	"github.com/Rorqualx/popguard-go/pkg/version"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Tab is one guarded tab as the API sees it. *tabs.Tab satisfies it.
type Tab interface {
	Info() types.TabInfo
	Navigate(ctx context.Context, rawURL string) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	State(ctx context.Context) (types.GuardState, error)
	Notifications() []types.Notification
	Allow(ctx context.Context, id string) (types.Notification, error)
}

// Tabs opens and finds tabs.
type Tabs interface {
	Open(ctx context.Context, rawURL string) (Tab, error)
	Get(id string) (Tab, error)
	CloseTab(ctx context.Context, id string) error
	List() []types.TabInfo
	ReconcileAll(ctx context.Context) error
}

// Whitelist is the persistent set of exempt domains.
type Whitelist interface {
	Add(ctx context.Context, domain string) (types.WhitelistEntry, error)
	Remove(ctx context.Context, domain string) error
	List(ctx context.Context) ([]types.WhitelistEntry, error)
}

// TargetChecker vets navigation targets.
type TargetChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// Handler handles all popguard API requests.
type Handler struct {
	tabs      Tabs
	whitelist Whitelist
	targets   TargetChecker
	config    *config.Config
}

// New creates a Handler.
func New(t Tabs, wl Whitelist, targets TargetChecker, cfg *config.Config) *Handler {
	return &Handler{tabs: t, whitelist: wl, targets: targets, config: cfg}
}

// ManagerTabs adapts a tab manager to the Tabs interface.
func ManagerTabs(m *tabs.Manager) Tabs {
	return managerTabs{m}
}

type managerTabs struct{ m *tabs.Manager }

func (a managerTabs) Open(ctx context.Context, rawURL string) (Tab, error) {
	t, err := a.m.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (a managerTabs) Get(id string) (Tab, error) {
	t, err := a.m.Get(id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (a managerTabs) CloseTab(ctx context.Context, id string) error { return a.m.CloseTab(ctx, id) }
func (a managerTabs) List() []types.TabInfo                         { return a.m.List() }
func (a managerTabs) ReconcileAll(ctx context.Context) error        { return a.m.ReconcileAll(ctx) }

// ServeHTTP routes requests by path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", start)
			return
		}
		h.handleHealth(w, start)
	case "/", "/v1":
		if r.Method != http.MethodPost {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", start)
			return
		}
		h.handleAPI(w, r, start)
	default:
		h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", start)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, start time.Time) {
	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "popguard is ready",
		StartTime: start.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

func (h *Handler) handleAPI(w http.ResponseWriter, r *http.Request, start time.Time) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeErrorWithStatus(w, http.StatusBadRequest, "Failed to read request", start)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeErrorWithStatus(w, http.StatusBadRequest, "Invalid JSON request", start)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), start)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Str("tab_id", req.Tab).
		Msg("Request received")

	status := h.routeCommand(w, r.Context(), &req, start)
	metrics.RecordRequest(req.Cmd, status, time.Since(start))
}

func (h *Handler) handleTabOpen(ctx context.Context, req *types.Request) (types.Response, error) {
	if err := h.targets.Check(ctx, req.URL); err != nil {
		return types.Response{}, err
	}
	ctx, cancel := h.navigateContext(ctx)
	defer cancel()

	tab, err := h.tabs.Open(ctx, req.URL)
	if err != nil {
		return types.Response{}, err
	}
	info := tab.Info()
	return types.Response{Message: "Tab opened", Tab: &info}, nil
}

func (h *Handler) handleTabNavigate(ctx context.Context, req *types.Request) (types.Response, error) {
	if err := h.targets.Check(ctx, req.URL); err != nil {
		return types.Response{}, err
	}
	tab, err := h.tabs.Get(req.Tab)
	if err != nil {
		return types.Response{}, err
	}

	ctx, cancel := h.navigateContext(ctx)
	defer cancel()
	if err := tab.Navigate(ctx, req.URL); err != nil {
		return types.Response{}, err
	}
	info := tab.Info()
	return types.Response{Message: "Tab navigated", Tab: &info}, nil
}

func (h *Handler) handleTabClose(ctx context.Context, req *types.Request) (types.Response, error) {
	if err := h.tabs.CloseTab(ctx, req.Tab); err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Tab closed"}, nil
}

func (h *Handler) handleTabList() types.Response {
	return types.Response{Message: "Tab list retrieved", Tabs: h.tabs.List()}
}

// handleGuard runs a guard transition, if any, and answers with the
// resulting state.
func (h *Handler) handleGuard(ctx context.Context, req *types.Request) (types.Response, error) {
	tab, err := h.tabs.Get(req.Tab)
	if err != nil {
		return types.Response{}, err
	}

	msg := "Guard state retrieved"
	switch req.Cmd {
	case types.CmdGuardEnable:
		if err := tab.Enable(ctx); err != nil {
			return types.Response{}, err
		}
		msg = "Guard enabled"
	case types.CmdGuardDisable:
		if err := tab.Disable(ctx); err != nil {
			return types.Response{}, err
		}
		msg = "Guard disabled"
	}

	gs, err := tab.State(ctx)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: msg, Guard: &gs}, nil
}

func (h *Handler) handleWhitelistAdd(ctx context.Context, req *types.Request) (types.Response, error) {
	entry, err := h.whitelist.Add(ctx, whitelistDomain(req))
	if err != nil {
		return types.Response{}, err
	}
	h.reconcile(ctx)
	return types.Response{Message: "Domain whitelisted", Whitelist: []types.WhitelistEntry{entry}}, nil
}

func (h *Handler) handleWhitelistRemove(ctx context.Context, req *types.Request) (types.Response, error) {
	if err := h.whitelist.Remove(ctx, whitelistDomain(req)); err != nil {
		return types.Response{}, err
	}
	h.reconcile(ctx)
	return types.Response{Message: "Domain removed from whitelist"}, nil
}

func (h *Handler) handleWhitelistList(ctx context.Context) (types.Response, error) {
	entries, err := h.whitelist.List(ctx)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Whitelist retrieved", Whitelist: entries}, nil
}

func (h *Handler) handleNotifications(req *types.Request) (types.Response, error) {
	tab, err := h.tabs.Get(req.Tab)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Notifications retrieved", Notifications: tab.Notifications()}, nil
}

func (h *Handler) handlePopupAllow(ctx context.Context, req *types.Request) (types.Response, error) {
	tab, err := h.tabs.Get(req.Tab)
	if err != nil {
		return types.Response{}, err
	}

	ctx, cancel := h.navigateContext(ctx)
	defer cancel()
	n, err := tab.Allow(ctx, req.Notification)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Popup opened", Notifications: []types.Notification{n}}, nil
}

// reconcile re-applies the whitelist to open tabs. The whitelist change
// itself is durable, so a tab that fails to follow is only logged.
func (h *Handler) reconcile(ctx context.Context) {
	if err := h.tabs.ReconcileAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Not every tab followed the whitelist change")
	}
}

func (h *Handler) navigateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.config.NavigateTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.config.NavigateTimeout)
}

// whitelistDomain takes the domain field, falling back to the host of url.
func whitelistDomain(req *types.Request) string {
	if req.Domain != "" {
		return req.Domain
	}
	return stats.ExtractDomain(req.URL)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var injErr *types.InjectionError
	switch {
	case errors.Is(err, types.ErrTabNotFound),
		errors.Is(err, types.ErrNotWhitelisted),
		errors.Is(err, types.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrTransitionInProgress),
		errors.Is(err, types.ErrDomainWhitelisted),
		errors.Is(err, types.ErrAlreadyWhitelisted),
		errors.Is(err, types.ErrNotificationUsed):
		return http.StatusConflict
	case errors.Is(err, types.ErrTooManyTabs):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrInvalidDomain),
		errors.Is(err, types.ErrNothingToOpen),
		isTargetError(err):
		return http.StatusBadRequest
	case errors.As(err, &injErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrTabClosed),
		errors.Is(err, types.ErrBrowserPoolClosed),
		errors.Is(err, types.ErrBrowserUnhealthy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func isTargetError(err error) bool {
	for _, target := range []error{
		security.ErrInvalidTarget, security.ErrBlockedScheme, security.ErrLocalTarget,
		security.ErrPrivateTarget, security.ErrMetadataTarget, security.ErrCredentialsInURL,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeErrorWithStatus writes an error response with a specific HTTP status code.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, start time.Time) {
	h.writeJSONResponse(w, statusCode, types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: start.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// writeJSONResponse buffers the encoded body so an encoding failure never
// leaves a half-written response.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
