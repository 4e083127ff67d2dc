package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/audiolibrelab/streamcapture/internal/capture"
	"github.com/audiolibrelab/streamcapture/internal/pending"
	"github.com/audiolibrelab/streamcapture/internal/service"
	"github.com/audiolibrelab/streamcapture/internal/station"
)

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 15 * time.Second

// StationDirectory is the part of the station client the API uses.
type StationDirectory interface {
	Search(ctx context.Context, name string, limit int) ([]station.Station, error)
	ByUUID(ctx context.Context, uuid string) (station.Station, error)
	Click(ctx context.Context, uuid string) error
}

// Server exposes the engine over HTTP/JSON
type Server struct {
	service  service.Service
	stations StationDirectory
	port     string
	logger   *slog.Logger
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is the engine status plus a line for humans.
type StatusResponse struct {
	service.Status
	Message string `json:"message"`
}

// PendingItem is a pending recording with display fields.
type PendingItem struct {
	pending.Recording
	SizeHuman     string `json:"size_human"`
	DurationHuman string `json:"duration_human"`
	ExpiresHuman  string `json:"expires_human"`
}

// PendingResponse lists pending recordings, oldest first.
type PendingResponse struct {
	Items []PendingItem `json:"items"`
}

// SaveRequest optionally overrides the suggested filename.
type SaveRequest struct {
	Filename string `json:"filename,omitempty"`
}

// SaveResponse reports where a recording was written.
type SaveResponse struct {
	GenericResponse
	Path string `json:"path,omitempty"`
}

// RecordResponse reports which capture a manual command affected.
type RecordResponse struct {
	GenericResponse
	ID string `json:"id,omitempty"`
}

// PlayRequest names a stream by URL or by directory UUID.
type PlayRequest struct {
	URL         string `json:"url,omitempty"`
	Station     string `json:"station,omitempty"`
	StationUUID string `json:"station_uuid,omitempty"`
}

// SettingsRequest changes the user preferences; nil fields are unchanged.
type SettingsRequest struct {
	AutoRecord *bool `json:"auto_record,omitempty"`
	AutoSave   *bool `json:"auto_save,omitempty"`
}

// StationsResponse holds directory search results.
type StationsResponse struct {
	Stations []station.Station `json:"stations"`
}

// New creates a server for svc. stations may be nil, which disables
// station lookups.
func New(svc service.Service, stations StationDirectory, port string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:  svc,
		stations: stations,
		port:     port,
		logger:   logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/pending", s.handlePending)
	mux.HandleFunc("POST /api/pending/{id}/save", s.handleSave)
	mux.HandleFunc("POST /api/pending/{id}/discard", s.handleDiscard)
	mux.HandleFunc("POST /api/record/start", s.handleRecordStart)
	mux.HandleFunc("POST /api/record/stop", s.handleRecordStop)
	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/settings", s.handleSettings)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/stations", s.handleStations)
	return mux
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Event streams end with ctx instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	localIP := getLocalIP()
	s.logger.Info("Starting streamcapture API server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.service.Status(r.Context())
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: st, Message: statusMessage(st)})
}

func statusMessage(st service.Status) string {
	switch {
	case st.LastError != "":
		return st.LastError
	case !st.Playing:
		return "Stopped"
	}
	name := st.Station
	if name == "" {
		name = st.URL
	}
	msg := "Playing " + name
	if st.Title != "" {
		msg += ": " + st.Title
	}
	for _, c := range st.Captures {
		if c.Mode == capture.ModeManual {
			return msg + " (recording)"
		}
	}
	return msg
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	list := s.service.ListPending()
	items := make([]PendingItem, 0, len(list))
	for _, rec := range list {
		items = append(items, PendingItem{
			Recording:     rec,
			SizeHuman:     humanize.IBytes(uint64(rec.Size)),
			DurationHuman: rec.Duration.Round(time.Second).String(),
			ExpiresHuman:  humanize.Time(rec.Deadline),
		})
	}
	s.writeJSON(w, http.StatusOK, PendingResponse{Items: items})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SaveRequest
	if err := decodeOptional(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "save", "error", err)
		return
	}

	path, err := s.service.Save(id, req.Filename)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to save recording: %v", err),
			"id", id, "operation", "save")
		return
	}
	s.writeJSON(w, http.StatusOK, SaveResponse{
		GenericResponse: GenericResponse{Success: true, Message: "Recording saved"},
		Path:            path,
	})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Discard(id); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to discard recording: %v", err),
			"id", id, "operation", "discard")
		return
	}
	s.writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.service.StartManualRecording(r.Context())
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "record_start")
		return
	}
	s.writeJSON(w, http.StatusOK, RecordResponse{
		GenericResponse: GenericResponse{Success: true, Message: "Recording started"},
		ID:              id,
	})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	id, err := s.service.StopManualRecording(r.Context())
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "record_stop")
		return
	}
	s.writeJSON(w, http.StatusOK, RecordResponse{
		GenericResponse: GenericResponse{Success: true, Message: "Recording stopped"},
		ID:              id,
	})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "play", "error", err)
		return
	}

	if req.StationUUID != "" {
		if s.stations == nil {
			s.sendErrorResponse(w, http.StatusServiceUnavailable, "Station directory is not configured", "operation", "play")
			return
		}
		st, err := s.stations.ByUUID(r.Context(), req.StationUUID)
		if err != nil {
			s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to look up station: %v", err),
				"station_uuid", req.StationUUID, "operation", "play")
			return
		}
		req.URL = st.StreamURL()
		if req.Station == "" {
			req.Station = st.Name
		}
		if err := s.stations.Click(r.Context(), st.UUID); err != nil {
			s.logger.Debug("Failed to register station click", "uuid", st.UUID, "error", err)
		}
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "A stream url or station_uuid is required", "operation", "play")
		return
	}

	src, err := s.service.StreamSource(req.URL)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to open stream: %v", err),
			"url", req.URL, "operation", "play")
		return
	}
	if err := s.service.Play(r.Context(), src, req.URL, req.Station); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start playback: %v", err),
			"url", req.URL, "operation", "play")
		return
	}
	s.writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Playing " + req.URL})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopPlayback(r.Context()); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop playback: %v", err), "operation", "stop")
		return
	}
	s.writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Playback stopped"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "settings", "error", err)
		return
	}
	if req.AutoRecord != nil {
		s.service.SetAutoRecord(*req.AutoRecord)
	}
	if req.AutoSave != nil {
		s.service.SetAutoSave(*req.AutoSave)
	}
	st := s.service.Status(r.Context())
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: st, Message: "Settings updated"})
}

// handleEvents streams engine events as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported", "operation", "events")
		return
	}

	sub := s.service.Subscribe()
	defer s.service.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-sub.C:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to encode event", "kind", ev.Kind, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	if s.stations == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "Station directory is not configured", "operation", "stations")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Query parameter q is required", "operation", "stations")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.stations.Search(r.Context(), q, limit)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Station search failed: %v", err),
			"query", q, "operation", "stations")
		return
	}
	if list == nil {
		list = []station.Station{}
	}
	s.writeJSON(w, http.StatusOK, StationsResponse{Stations: list})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pending.ErrNotFound), errors.Is(err, station.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pending.ErrBusy),
		errors.Is(err, service.ErrNotPlaying),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNoCapture),
		errors.Is(err, capture.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, station.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("Sending error response to client", logFields...)
	} else {
		s.logger.Warn("Sending error response to client", logFields...)
	}

	s.writeJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
