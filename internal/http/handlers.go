package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordinator/internal/arbiter"
	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/tracker"
)

// Coordinator is the part of coordinator.Coordinator the control API drives.
type Coordinator interface {
	State(ctx context.Context) (models.Snapshot, error)
	Watch() (<-chan models.Snapshot, func())
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
	Accept(ctx context.Context, rideID string) error
	Reject(ctx context.Context, rideID string) error
	VerifyOTP(ctx context.Context, code string) error
	Complete(ctx context.Context) (models.Bill, error)
	AcknowledgeBill(ctx context.Context) error
	Background(ctx context.Context) error
	Foreground(ctx context.Context) error
}

// PositionFeed receives samples posted by the device.
type PositionFeed interface {
	Push(models.Sample)
}

// Sessions stores the identity handed over at sign-in.
type Sessions interface {
	Save(ctx context.Context, id session.Identity) error
}

type Server struct {
	coord    Coordinator
	feed     PositionFeed
	sessions Sessions
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(coord Coordinator, feed PositionFeed, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:    coord,
		feed:     feed,
		sessions: sessions,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.mux.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/session", s.handleSession).Methods("POST")
	v1.HandleFunc("/state", s.handleState).Methods("GET")
	v1.HandleFunc("/state/stream", s.handleStream).Methods("GET")
	v1.HandleFunc("/online", s.intent(s.coord.GoOnline)).Methods("POST")
	v1.HandleFunc("/offline", s.intent(s.coord.GoOffline)).Methods("POST")
	v1.HandleFunc("/offers/{ride_id}/accept", s.handleAccept).Methods("POST")
	v1.HandleFunc("/offers/{ride_id}/reject", s.handleReject).Methods("POST")
	v1.HandleFunc("/ride/otp", s.handleOTP).Methods("POST")
	v1.HandleFunc("/ride/complete", s.handleComplete).Methods("POST")
	v1.HandleFunc("/ride/bill/ack", s.intent(s.coord.AcknowledgeBill)).Methods("POST")
	v1.HandleFunc("/positions", s.handlePosition).Methods("POST")
	v1.HandleFunc("/lifecycle/{phase:background|foreground}", s.handleLifecycle).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// intent wraps an intent without a request body; the reply is the resulting snapshot.
func (s *Server) intent(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeState(w, r)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID    string `json:"driverId"`
		DriverName  string `json:"driverName"`
		Token       string `json:"token"`
		VehicleType string `json:"vehicleType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if body.DriverID == "" && body.Token == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "driverId or token required"})
		return
	}
	id := session.Identity{DriverID: body.DriverID, DriverName: body.DriverName, Token: body.Token, VehicleType: body.VehicleType}
	if err := s.sessions.Save(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) { s.writeState(w, r) }

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Accept(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeState(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Reject(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeState(w, r)
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.coord.VerifyOTP(r.Context(), body.OTP); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeState(w, r)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	bill, err := s.coord.Complete(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var sample models.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !geo.Valid(sample.Position) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "coordinates out of range"})
		return
	}
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	s.feed.Push(sample)
	w.WriteHeader(202)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	fn := s.coord.Foreground
	if mux.Vars(r)["phase"] == "background" {
		fn = s.coord.Background
	}
	s.intent(fn)(w, r)
}

// handleStream pushes every snapshot over a websocket, starting with the
// current one. Snapshots the client is too slow for are skipped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	updates, release := s.coord.Watch()
	defer release()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap, err := s.coord.State(r.Context()); err == nil {
		if err := writeSnapshot(conn, snap); err != nil {
			return
		}
	}
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator stopped"))
				return
			}
			if err := writeSnapshot(conn, snap); err != nil {
				s.logger.Debug("stream_write_failed", "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap models.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(snap)
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.State(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type errorBody struct {
	Error         string `json:"error"`
	RideID        string `json:"rideId,omitempty"`
	WinningDriver string `json:"winningDriver,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ce *arbiter.ConflictError
	if errors.As(err, &ce) {
		body.RideID, body.WinningDriver = ce.RideID, ce.WinningDriver
	}
	if status >= 500 {
		s.logger.Warn("intent_failed", "route", routeTemplate(r), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// statusFor maps coordinator errors onto HTTP statuses.
func statusFor(err error) int {
	var ce *arbiter.ConflictError
	switch {
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.Is(err, arbiter.ErrInFlight):
		return http.StatusAccepted
	case errors.Is(err, session.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, coordinator.ErrInvalidOTP),
		errors.Is(err, coordinator.ErrOTPUnavailable),
		errors.Is(err, session.ErrMissingVehicleType),
		errors.Is(err, intake.ErrInvalidOffer):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, coordinator.ErrUnknownRide),
		errors.Is(err, coordinator.ErrOfferGone),
		errors.Is(err, coordinator.ErrBusy),
		errors.Is(err, coordinator.ErrRideActive),
		errors.Is(err, coordinator.ErrPending):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrNoPositionFix),
		errors.Is(err, coordinator.ErrAcceptFailed),
		errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
