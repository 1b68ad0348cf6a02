// Package web serves a browser control surface for the reverb: REST
// endpoints for state and parameters, and a WebSocket that pushes
// parameter changes, impulse response events and the analyzer spectrum.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"mb-reverb/dsp"
)

var ErrUnsupportedPlatform = errors.New("web: unsupported platform")

//go:embed static/*
var staticFiles embed.FS

// Controller is the part of the reverb processor the server drives.
type Controller interface {
	Params() *dsp.Params
	Analyzer() *dsp.SpectrumAnalyzer
	Bands() []*dsp.BandReverb
	BandInfo(i int) (dsp.BandInfo, error)
	Latency() int
	LoadImpulseResponse(band int, path string) error
	AddIRListener(fn dsp.IRListener)
}

// Options configures the server.
type Options struct {
	Host           string // empty binds to localhost only
	Port           int
	SpectrumHz     float64
	SpectrumPoints int
	MinHz, MaxHz   float64
}

// DefaultOptions returns a localhost server on port 8080.
func DefaultOptions() Options {
	return Options{Host: "localhost", Port: 8080, SpectrumHz: 30, SpectrumPoints: 128, MinHz: 20, MaxHz: 20000}
}

// Message is the WebSocket envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParamPayload describes one parameter.
type ParamPayload struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Toggle     bool    `json:"toggle,omitempty"`
	Value      float64 `json:"value"`
	Normalized float64 `json:"normalized"`
	Text       string  `json:"text"`
}

// BandPayload summarises one band.
type BandPayload struct {
	Index  int     `json:"index"`
	HasIR  bool    `json:"hasIR"`
	IRName string  `json:"irName,omitempty"`
	IRPath string  `json:"irPath,omitempty"`
	IRLen  int     `json:"irLength"`
	Mix    float64 `json:"mix"`
	Gain   float64 `json:"gain"`
	Route  string  `json:"route"`
}

// StatePayload is the full control state.
type StatePayload struct {
	Latency int            `json:"latency"`
	Params  []ParamPayload `json:"params"`
	Bands   []BandPayload  `json:"bands"`
}

// SpectrumPayload is a log-spaced dB curve.
type SpectrumPayload struct {
	MinHz   float64   `json:"minHz"`
	MaxHz   float64   `json:"maxHz"`
	FloorDB float64   `json:"floorDb"`
	Points  []float64 `json:"points"`
}

// IRPayload reports an impulse response load.
type IRPayload struct {
	Band  int    `json:"band"`
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

type setParamRequest struct {
	ID         string   `json:"id"`
	Value      *float64 `json:"value,omitempty"`
	Normalized *float64 `json:"normalized,omitempty"`
}

type loadIRRequest struct {
	Band int    `json:"band"`
	Path string `json:"path"`
}

// Server is the web control surface.
type Server struct {
	ctrl Controller
	opts Options
	log  *slog.Logger
	hub  *Hub
}

// NewServer wires the server to ctrl: every parameter change and impulse
// response event is broadcast to connected clients.
func NewServer(ctrl Controller, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	if opts.SpectrumPoints <= 0 {
		opts.SpectrumPoints = DefaultOptions().SpectrumPoints
	}

	if opts.MinHz <= 0 || opts.MaxHz <= opts.MinHz {
		opts.MinHz, opts.MaxHz = DefaultOptions().MinHz, DefaultOptions().MaxHz
	}

	s := &Server{ctrl: ctrl, opts: opts, log: log, hub: NewHub()}

	params := ctrl.Params()
	for _, id := range params.IDs() {
		// IDs come from params itself.
		_ = params.AddListener(id, s.paramChanged)
	}

	ctrl.AddIRListener(s.irEvent)

	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	staticFS, err := fs.Sub(staticFiles, "static")
	if err == nil {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	}

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/spectrum", s.handleSpectrum)
	mux.HandleFunc("POST /api/params", requireJSON(s.handleSetParam))
	mux.HandleFunc("POST /api/ir", requireJSON(s.handleLoadIR))

	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	host := s.opts.Host
	if host == "" {
		host = "localhost"
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(s.opts.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})

	g.Go(func() error { return s.spectrumLoop(ctx) })

	g.Go(func() error {
		s.log.Info("web server starting", "addr", srv.Addr, "url", "http://"+srv.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// spectrumLoop pushes the analyzer curve while clients are connected.
func (s *Server) spectrumLoop(ctx context.Context) error {
	if s.opts.SpectrumHz <= 0 {
		return nil
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.opts.SpectrumHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}

			s.broadcast("spectrum", s.spectrum(s.opts.SpectrumPoints))
		}
	}
}

func (s *Server) spectrum(points int) SpectrumPayload {
	a := s.ctrl.Analyzer()

	return SpectrumPayload{
		MinHz:   s.opts.MinHz,
		MaxHz:   s.opts.MaxHz,
		FloorDB: a.FloorDB(),
		Points:  a.Curve(points, s.opts.MinHz, s.opts.MaxHz),
	}
}

func (s *Server) state() StatePayload {
	params := s.ctrl.Params()
	st := StatePayload{Latency: s.ctrl.Latency()}

	for _, id := range params.IDs() {
		st.Params = append(st.Params, s.param(id))
	}

	for i := range s.ctrl.Bands() {
		info, err := s.ctrl.BandInfo(i)
		if err != nil {
			continue
		}

		st.Bands = append(st.Bands, BandPayload{
			Index:  info.Index,
			HasIR:  info.HasIR,
			IRName: info.IRName,
			IRPath: info.IRPath,
			IRLen:  info.IRLen,
			Mix:    info.Mix,
			Gain:   info.Gain,
			Route:  info.Route.String(),
		})
	}

	return st
}

func (s *Server) param(id string) ParamPayload {
	params := s.ctrl.Params()
	spec, _ := params.Spec(id)
	v := params.Get(id)

	return ParamPayload{
		ID:         id,
		Name:       spec.Name,
		Unit:       spec.Unit,
		Min:        spec.Min,
		Max:        spec.Max,
		Toggle:     spec.Toggle,
		Value:      v,
		Normalized: params.Normalized(id),
		Text:       spec.Format(v),
	}
}

// setParam applies a request and returns the stored value.
func (s *Server) setParam(req setParamRequest) (float64, error) {
	params := s.ctrl.Params()

	switch {
	case req.Value != nil:
		return params.Set(req.ID, *req.Value)
	case req.Normalized != nil:
		return params.SetNormalized(req.ID, *req.Normalized)
	default:
		return 0, fmt.Errorf("web: %q: value or normalized required", req.ID)
	}
}

func (s *Server) paramChanged(id string, _ float64) {
	s.broadcast("param_changed", s.param(id))
}

func (s *Server) irEvent(ev dsp.IREvent) {
	if errors.Is(ev.Err, dsp.ErrSuperseded) {
		return
	}

	p := IRPayload{Band: ev.Band, Path: ev.Path, Name: ev.Name}

	if ev.Err != nil {
		p.Error = ev.Err.Error()
		s.broadcast("ir_failed", p)

		return
	}

	s.broadcast("ir_loaded", p)
}

func encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Message{Type: kind, Payload: raw})
}

func (s *Server) broadcast(kind string, payload any) {
	data, err := encode(kind, payload)
	if err != nil {
		s.log.Error("failed to marshal message", "type", kind, "error", err)
		return
	}

	s.hub.Broadcast(data)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

//nolint:gochecknoglobals
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The initial state goes out before the pumps start so it is always the
	// first message a client sees.
	data, err := encode("state", s.state())
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}

	if err != nil {
		s.log.Warn("websocket initial state failed", "error", err)
		conn.Close()

		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendQueue)}
	if !s.hub.join(c) {
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(s.handleClientMessage)
}

func (s *Server) handleClientMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("bad websocket message", "error", err)
		return
	}

	switch msg.Type {
	case "set_param":
		var req setParamRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.log.Warn("bad set_param payload", "error", err)
			return
		}

		if _, err := s.setParam(req); err != nil {
			s.log.Warn("set_param rejected", "id", req.ID, "error", err)
		}

	case "load_ir":
		var req loadIRRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.log.Warn("bad load_ir payload", "error", err)
			return
		}

		if err := s.ctrl.LoadImpulseResponse(req.Band, req.Path); err != nil {
			s.broadcast("ir_failed", IRPayload{Band: req.Band, Path: req.Path, Error: err.Error()})
		}

	case "get_state":
		s.broadcast("state", s.state())

	default:
		s.log.Debug("unknown websocket message", "type", msg.Type)
	}
}

// requireJSON rejects bodies that are not application/json. A cross-origin
// page cannot send that type without a CORS preflight, which is never
// granted.
func requireJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType,
				fmt.Errorf("web: content type %q, want application/json", r.Header.Get("Content-Type")))

			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	points := s.opts.SpectrumPoints

	if q := r.URL.Query().Get("points"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 2 || n > 4096 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("web: points %q", q))
			return
		}

		points = n
	}

	writeJSON(w, http.StatusOK, s.spectrum(points))
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	var req setParamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessage)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.setParam(req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, dsp.ErrUnknownParam) {
			status = http.StatusNotFound
		}

		writeError(w, status, err)

		return
	}

	writeJSON(w, http.StatusOK, s.param(req.ID))
}

func (s *Server) handleLoadIR(w http.ResponseWriter, r *http.Request) {
	var req loadIRRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessage)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.ctrl.LoadImpulseResponse(req.Band, req.Path); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, dsp.ErrNoDecoder) {
			status = http.StatusServiceUnavailable
		}

		writeError(w, status, err)

		return
	}

	writeJSON(w, http.StatusAccepted, IRPayload{Band: req.Band, Path: req.Path})
}

// OpenBrowser opens url in the desktop browser.
func OpenBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}

	return cmd.Start()
}
