// Package api serves the device state and command layer to local UI
// collaborators over HTTP and WebSocket. It listens on loopback only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wslusb/wslusb/internal/autoattach"
	"github.com/wslusb/wslusb/internal/devstate"
	"github.com/wslusb/wslusb/internal/manager"
	"github.com/wslusb/wslusb/internal/metrics"
	"github.com/wslusb/wslusb/internal/usbipd"
)

// Backend is the part of manager.Manager the API needs.
type Backend interface {
	Version() (usbipd.Version, error)
	Refresh(ctx context.Context) (usbipd.DeviceList, error)
	Snapshot() usbipd.DeviceList
	LastError() error
	Subscribe(buf int) <-chan usbipd.DeviceList
	Unsubscribe(ch <-chan usbipd.DeviceList)

	Bind(ctx context.Context, locator string, force bool) error
	Unbind(ctx context.Context, locator string) error
	Attach(ctx context.Context, locator string) error
	Detach(ctx context.Context, locator string) error

	StartAutoAttach(ctx context.Context, locator string) (autoattach.Session, error)
	StopAutoAttach(ctx context.Context, locator string) error
	AutoAttachSessions() []autoattach.Session
	ActiveAutoAttach() int
}

// Options configures an App.
type Options struct {
	AppVersion  string
	Minimized   bool
	MetricsPath string
	Metrics     *metrics.Collector
}

type App struct {
	backend Backend
	opts    Options
}

func NewApp(backend Backend, opts Options) *App {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &App{backend: backend, opts: opts}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.opts.Metrics != nil {
		r.Method(http.MethodGet, a.opts.MetricsPath, a.opts.Metrics.Handler(metrics.HandlerOptions{
			AutoAttachActive:   a.backend.ActiveAutoAttach,
			SnapshotGeneration: func() uint64 { return a.backend.Snapshot().Generation },
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.status)
		r.Get("/version", a.toolVersion)

		r.Get("/devices", a.listDevices)
		r.Post("/devices/refresh", a.refreshDevices)
		r.Get("/devices/stream", a.streamDevices)
		r.Post("/devices/{locator}/bind", a.bindDevice)
		r.Post("/devices/{locator}/unbind", a.deviceCommand(a.backend.Unbind))
		r.Post("/devices/{locator}/attach", a.deviceCommand(a.backend.Attach))
		r.Post("/devices/{locator}/detach", a.deviceCommand(a.backend.Detach))

		r.Get("/auto-attach", a.listAutoAttach)
		r.Post("/devices/{locator}/auto-attach", a.startAutoAttach)
		r.Delete("/devices/{locator}/auto-attach", a.stopAutoAttach)
	})

	return r
}

// deviceView adds the derived fields a UI shows for each device.
type deviceView struct {
	usbipd.Device
	Locator string `json:"locator"`
	State   string `json:"state"`
	Serial  string `json:"serial,omitempty"`
}

type listView struct {
	Devices     []deviceView `json:"devices"`
	Generation  uint64       `json:"generation"`
	RefreshedAt time.Time    `json:"refreshed_at,omitzero"`
}

func newListView(l usbipd.DeviceList) listView {
	out := listView{
		Devices:     make([]deviceView, 0, len(l.Devices)),
		Generation:  l.Generation,
		RefreshedAt: l.RefreshedAt,
	}
	for _, d := range l.Devices {
		out.Devices = append(out.Devices, deviceView{
			Device:  d,
			Locator: d.Locator(),
			State:   d.State(),
			Serial:  d.Serial(),
		})
	}
	return out
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	snap := a.backend.Snapshot()
	resp := map[string]any{
		"version":            a.opts.AppVersion,
		"minimized":          a.opts.Minimized,
		"generation":         snap.Generation,
		"auto_attach_active": a.backend.ActiveAutoAttach(),
	}
	if !snap.RefreshedAt.IsZero() {
		resp["refreshed_at"] = snap.RefreshedAt
	}
	if err := a.backend.LastError(); err != nil {
		resp["last_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) toolVersion(w http.ResponseWriter, r *http.Request) {
	v, err := a.backend.Version()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": v.String(),
		"major":   v.Major,
		"minor":   v.Minor,
		"patch":   v.Patch,
	})
}

func (a *App) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newListView(a.backend.Snapshot()))
}

func (a *App) refreshDevices(w http.ResponseWriter, r *http.Request) {
	list, err := a.backend.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListView(list))
}

func (a *App) bindDevice(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid force parameter"})
			return
		}
		force = b
	}
	a.deviceCommand(func(ctx context.Context, locator string) error {
		return a.backend.Bind(ctx, locator, force)
	})(w, r)
}

// deviceCommand runs op on the {locator} of the request and answers with the
// device list that followed it.
func (a *App) deviceCommand(op func(ctx context.Context, locator string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), chi.URLParam(r, "locator")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newListView(a.backend.Snapshot()))
	}
}

func (a *App) listAutoAttach(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.backend.AutoAttachSessions()})
}

func (a *App) startAutoAttach(w http.ResponseWriter, r *http.Request) {
	s, err := a.backend.StartAutoAttach(r.Context(), chi.URLParam(r, "locator"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *App) stopAutoAttach(w http.ResponseWriter, r *http.Request) {
	if err := a.backend.StopAutoAttach(r.Context(), chi.URLParam(r, "locator")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps command layer errors to HTTP statuses.
func statusFor(err error) int {
	var ce *usbipd.CommandError
	var pe *usbipd.ParseError
	switch {
	case errors.Is(err, usbipd.ErrToolNotFound), errors.Is(err, devstate.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, usbipd.ErrElevationDeclined):
		return http.StatusForbidden
	case errors.Is(err, usbipd.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, usbipd.ErrDeviceNotBound), errors.Is(err, usbipd.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, manager.ErrAttachTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ce), errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := map[string]any{"error": err.Error()}
	var ce *usbipd.CommandError
	if errors.As(err, &ce) {
		resp["exit_code"] = ce.ExitCode
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
