// Package web serves the status card the renderer screenshots, plus a
// small JSON API for operators.
package web

import (
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"sync"
	"time"

	"tagcal/internal/battery"
	"tagcal/internal/config"
	appLog "tagcal/internal/log"
	"tagcal/internal/model"
)

//go:embed card.html
var cardHTML string

var cardTemplate = template.Must(template.New("card").Parse(cardHTML))

// Server provides the /card page and the JSON status API. The refresh
// pipeline pushes the latest availability into it; handlers only read.
type Server struct {
	cfg         *config.Config
	reader      battery.Reader
	previewPath string
	mux         *http.ServeMux

	statusMu sync.RWMutex
	current  *statusSnapshot

	// In-memory cache for battery status. This avoids hitting I2C (or
	// even the mock) on every single HTTP call.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

// statusSnapshot is the last pipeline result shown on /card and
// /api/status.
type statusSnapshot struct {
	content     model.StatusContent
	contentHash string
	updatedAt   time.Time

	transferred   bool
	transferError string
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

// NewServer constructs a Server. previewPath is where the renderer
// leaves the last captured PNG.
func NewServer(cfg *config.Config, reader battery.Reader, previewPath string) *Server {
	s := &Server{
		cfg:         cfg,
		reader:      reader,
		previewPath: previewPath,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetStatus publishes the latest computed availability. The renderer
// navigates to /card right after, so this must land before capture.
func (s *Server) SetStatus(content model.StatusContent, contentHash string) {
	s.statusMu.Lock()
	s.current = &statusSnapshot{
		content:     content,
		contentHash: contentHash,
		updatedAt:   time.Now(),
	}
	s.statusMu.Unlock()
}

// SetTransferResult records how the last tag transfer ended for
// /api/status reporting.
func (s *Server) SetTransferResult(err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.current == nil {
		return
	}
	s.current.transferred = err == nil
	if err != nil {
		s.current.transferError = err.Error()
	} else {
		s.current.transferError = ""
	}
}

// Handler returns the http.Handler, wrapped with basic auth when
// credentials are configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health and /card with
// HTTP Basic Auth. /card stays open because the local headless capture
// carries no credentials; it only ever binds alongside the renderer.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" || r.URL.Path == "/card" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="tagcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/card", s.handleCard)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/battery", s.handleBattery)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// cardView is the template input for /card.
type cardView struct {
	Width      int
	Height     int
	StateSize  int
	DetailSize int

	Title      string
	State      string
	StateClass string
	Detail     string
	UpdatedAt  string
}

// handleCard renders the HTML page the headless browser screenshots.
// The viewport matches the panel geometry exactly; the codec applies
// rotation afterwards.
func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	tc := s.cfg.TransferConfig()
	loc, err := s.cfg.DisplayLocation()
	if err != nil {
		loc = time.Local
	}

	s.statusMu.RLock()
	snap := s.current
	s.statusMu.RUnlock()

	view := cardView{
		Width:      tc.Geometry.Width,
		Height:     tc.Geometry.Height,
		StateSize:  tc.Geometry.Height / 3,
		DetailSize: tc.Geometry.Height / 8,
		Title:      "tagcal",
		State:      "NO DATA",
		StateClass: "free",
	}

	if snap != nil {
		c := snap.content
		view.State = string(c.State)
		view.UpdatedAt = snap.updatedAt.In(loc).Format("01-02 15:04")

		switch c.State {
		case model.StateBusy:
			view.StateClass = "busy"
			view.Detail = timeRange(c.Start, c.End, loc)
		case model.StateUpcoming:
			view.StateClass = "upcoming"
			view.Detail = timeRange(c.Start, c.End, loc)
		default:
			view.StateClass = "free"
			if c.NextEvent != nil {
				view.Detail = "next " + c.NextEvent.In(loc).Format("15:04")
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := cardTemplate.Execute(w, view); err != nil {
		appLog.Error("card template render failed", err)
	}
}

// timeRange formats "13:00 - 13:30" from the optional bounds.
func timeRange(start, end *time.Time, loc *time.Location) string {
	if start == nil {
		return ""
	}
	out := start.In(loc).Format("15:04")
	if end != nil {
		out += " - " + end.In(loc).Format("15:04")
	}
	return out
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	State       model.AvailabilityState `json:"state"`
	Start       *time.Time              `json:"start,omitempty"`
	End         *time.Time              `json:"end,omitempty"`
	NextEvent   *time.Time              `json:"next_event,omitempty"`
	ContentHash string                  `json:"content_hash"`
	UpdatedAt   time.Time               `json:"updated_at"`

	Transferred   bool   `json:"transferred"`
	TransferError string `json:"transfer_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.statusMu.RLock()
	snap := s.current
	s.statusMu.RUnlock()

	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no refresh has completed yet")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		State:         snap.content.State,
		Start:         snap.content.Start,
		End:           snap.content.End,
		NextEvent:     snap.content.NextEvent,
		ContentHash:   snap.contentHash,
		UpdatedAt:     snap.updatedAt,
		Transferred:   snap.transferred,
		TransferError: snap.transferError,
	})
}

// batteryResponse is the JSON response shape for /api/battery.
type batteryResponse struct {
	Percent   int `json:"percent"`
	VoltageMv int `json:"voltage_mv"`
}

// handleBattery exposes current battery status for operators. A short
// TTL cache keeps I2C traffic off the request path.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	const batteryCacheTTL = 30 * time.Second
	now := time.Now()

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, batteryResponse{
			Percent:   bc.status.Percent,
			VoltageMv: bc.status.VoltageMv,
		})
		return
	}

	if s.reader == nil {
		writeError(w, http.StatusInternalServerError, "battery reader unavailable")
		return
	}

	status, err := s.reader.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: status, updatedAt: time.Now()}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, batteryResponse{
		Percent:   status.Percent,
		VoltageMv: status.VoltageMv,
	})
}

// handlePreview serves the last rendered PNG from disk. http.ServeFile
// 가 파일 존재/권한 문제에 대해 적절한 상태코드를 반환해 준다.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, s.previewPath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
