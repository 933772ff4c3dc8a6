package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/service"
	"github.com/example/trip-dispatch/internal/trip"
)

type Server struct {
	svc      *service.Coordinator
	auth     *Authenticator
	idem     IdempotencyStore
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

type Option func(*Server)

// WithIdempotency enables Idempotency-Key replay for POST routes.
func WithIdempotency(store IdempotencyStore) Option { return func(s *Server) { s.idem = store } }

// WithReadiness sets the dependency check behind /ready.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

func NewServer(svc *service.Coordinator, auth *Authenticator, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		auth:     auth,
		logger:   logger,
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.idempotencyMiddleware)

	api.HandleFunc("/trips/request", s.handleRequestTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.handleTripStatus).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/complete", s.handleCompleteTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/otp", s.handleGetOtp).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/otp/generate", s.handleGenerateOtp).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/otp/verify", s.handleVerifyOtp).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/dispatch", s.handleRedispatch).Methods("POST")
	api.HandleFunc("/riders/me/trips", s.handleRiderTrips).Methods("GET")
	api.HandleFunc("/driver/offers/pending", s.handlePendingOffers).Methods("GET")
	api.HandleFunc("/driver/offers/{attempt_id}/respond", s.handleRespondOffer).Methods("POST")
	api.HandleFunc("/drivers/shifts/start", s.handleStartShift).Methods("POST")
	api.HandleFunc("/drivers/shifts/end", s.handleEndShift).Methods("POST")
	api.HandleFunc("/drivers/me/shift", s.handleCurrentShift).Methods("GET")
	api.HandleFunc("/drivers/location", s.handleLocation).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not_ready", Message: err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type placeDTO struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lon     float64 `json:"lon" validate:"longitude"`
	Address string  `json:"address" validate:"max=256"`
}

func (p *placeDTO) place() models.Place {
	return models.Place{Coord: models.Coord{Lat: p.Lat, Lon: p.Lon}, Address: p.Address}
}

type requestTripDTO struct {
	Pickup   *placeDTO `json:"pickup" validate:"required"`
	Drop     *placeDTO `json:"drop" validate:"required"`
	Category string    `json:"vehicle_category" validate:"required,oneof=CAB AC-CAB AUTO BIKE"`
	TenantID int64     `json:"tenant_id" validate:"gte=0"`
	CityID   int64     `json:"city_id" validate:"gte=0"`
}

type cancelDTO struct {
	Reason string `json:"reason" validate:"max=256"`
}

type respondDTO struct {
	Accept *bool `json:"accept" validate:"required"`
}

type verifyOtpDTO struct {
	Otp string `json:"otp" validate:"required,max=8"`
}

type locationDTO struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

func (s *Server) decode(r *http.Request, dst any, optional bool) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return fmt.Errorf("%w: malformed body: %v", models.ErrValidation, err)
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

func actor(r *http.Request) models.Actor {
	a, _ := actorFrom(r.Context())
	return a
}

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var body requestTripDTO
	if err := s.decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.RequestTrip(r.Context(), actor(r), trip.Request{
		TenantID: body.TenantID,
		CityID:   body.CityID,
		Pickup:   body.Pickup.place(),
		Drop:     body.Drop.place(),
		Category: models.VehicleCategory(body.Category),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTripStatus(r.Context(), actor(r), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body cancelDTO
	if err := s.decode(r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.CancelTrip(r.Context(), actor(r), mux.Vars(r)["trip_id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.CompleteTrip(r.Context(), actor(r), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetOtp(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetOtp(r.Context(), actor(r), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGenerateOtp(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GenerateOtp(r.Context(), actor(r), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// the driver learns only that a code was issued; the rider reads it
	writeJSON(w, http.StatusCreated, map[string]any{"trip_id": rec.TripID, "issued_at": rec.IssuedAt})
}

func (s *Server) handleVerifyOtp(w http.ResponseWriter, r *http.Request) {
	var body verifyOtpDTO
	if err := s.decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.VerifyOtp(r.Context(), actor(r), mux.Vars(r)["trip_id"], body.Otp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Redispatch(r.Context(), actor(r), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRiderTrips(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 100", models.ErrValidation))
			return
		}
		limit = n
	}
	trips, err := s.svc.ListRiderTrips(r.Context(), actor(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func (s *Server) handlePendingOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.svc.ListPendingOffers(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleRespondOffer(w http.ResponseWriter, r *http.Request) {
	var body respondDTO
	if err := s.decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, o, err := s.svc.RespondOffer(r.Context(), actor(r), mux.Vars(r)["attempt_id"], *body.Accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": t, "offer": o})
}

func (s *Server) handleStartShift(w http.ResponseWriter, r *http.Request) {
	var body locationDTO
	if err := s.decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	sh, err := s.svc.StartShift(r.Context(), actor(r), models.Coord{Lat: body.Lat, Lon: body.Lon})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleEndShift(w http.ResponseWriter, r *http.Request) {
	sh, err := s.svc.EndShift(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleCurrentShift(w http.ResponseWriter, r *http.Request) {
	sh, err := s.svc.GetCurrentShift(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationDTO
	if err := s.decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.UpdateLocation(r.Context(), actor(r), models.Coord{Lat: body.Lat, Lon: body.Lon}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
