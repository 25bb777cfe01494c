package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/delivery-dispatch/internal/broadcaster"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/ratelimit"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be absent. Chunked
// bodies carry no Content-Length, so emptiness is only known after reading.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// actorID is the caller id asserted by the gateway, falling back to v.
func actorID(r *http.Request, v string) string {
	if h := strings.TrimSpace(r.Header.Get("X-User-ID")); h != "" {
		return h
	}
	return v
}

type driverStatusRequest struct {
	DriverID string        `json:"driverId"`
	IsOnline bool          `json:"isOnline"`
	Location *models.Coord `json:"location,omitempty"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var in driverStatusRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := actorID(r, in.DriverID)
	if id == "" {
		s.writeError(w, r, badRequest("driverId is required"))
		return
	}
	if in.Location != nil {
		if !geo.Valid(*in.Location) {
			s.writeError(w, r, badRequest("location out of range"))
			return
		}
		if err := s.registry.SetLocation(r.Context(), id, *in.Location); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.registry.SetOnline(r.Context(), id, in.IsOnline); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driverId": id, "isOnline": in.IsOnline})
}

type locationRequest struct {
	DriverID   string    `json:"driverId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var in locationRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sample := models.LocationSample{
		DriverID:   actorID(r, in.DriverID),
		Loc:        models.Coord{Lat: in.Lat, Lon: in.Lon},
		AccuracyM:  in.Accuracy,
		CapturedAt: in.CapturedAt,
	}
	if sample.DriverID == "" {
		s.writeError(w, r, badRequest("driverId is required"))
		return
	}
	if !geo.Valid(sample.Loc) {
		s.writeError(w, r, badRequest("location out of range"))
		return
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now()
	}

	accepted := s.relay.Ingest(sample.DriverID, sample)
	if accepted {
		if err := s.registry.SetLocation(r.Context(), sample.DriverID, sample.Loc); err != nil {
			s.writeError(w, r, err)
			return
		}
		if s.locations != nil {
			if err := s.locations.PublishLocation(r.Context(), sample); err != nil {
				s.logger.Warn("location not published", "driver_id", sample.DriverID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

type dispatchRequest struct {
	OrderID         string         `json:"orderId"`
	CustomerID      string         `json:"customerId"`
	MerchantID      string         `json:"merchantId"`
	Pickup          models.Coord   `json:"pickup"`
	Dropoff         models.Coord   `json:"dropoff"`
	Fee             float64        `json:"fee"`
	Urgency         models.Urgency `json:"urgency"`
	PaymentIntentID string         `json:"paymentIntentId"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	Preferences     struct {
		VehicleType            models.VehicleClass `json:"vehicleType"`
		RequiresVerifiedDriver bool                `json:"requiresVerifiedDriver"`
		RequiresProof          bool                `json:"requiresProof"`
		Fragile                bool                `json:"fragile"`
		TemperatureSensitive   bool                `json:"temperatureSensitive"`
	} `json:"preferences"`
}

type dispatchResponse struct {
	Success          bool       `json:"success"`
	RequestID        string     `json:"requestId,omitempty"`
	DriverID         string     `json:"driverId,omitempty"`
	DeliveryID       string     `json:"deliveryId,omitempty"`
	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
	Attempts         int        `json:"attempts,omitempty"`
	Message          string     `json:"message,omitempty"`
	Code             string     `json:"code,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.OrderID == "" {
		s.writeError(w, r, badRequest("orderId is required"))
		return
	}
	if !geo.Valid(in.Pickup) || !geo.Valid(in.Dropoff) {
		s.writeError(w, r, badRequest("pickup and dropoff must be valid coordinates"))
		return
	}
	if in.Fee < 0 {
		s.writeError(w, r, badRequest("fee must be >= 0"))
		return
	}
	req := models.DeliveryRequest{
		OrderID:                in.OrderID,
		CustomerID:             in.CustomerID,
		MerchantID:             in.MerchantID,
		Pickup:                 in.Pickup,
		Dropoff:                in.Dropoff,
		Fee:                    in.Fee,
		Urgency:                in.Urgency,
		PaymentIntentID:        in.PaymentIntentID,
		ExpiresAt:              in.ExpiresAt,
		Vehicle:                in.Preferences.VehicleType,
		RequiresVerifiedDriver: in.Preferences.RequiresVerifiedDriver,
		RequiresProof:          in.Preferences.RequiresProof,
		Fragile:                in.Preferences.Fragile,
		TemperatureSensitive:   in.Preferences.TemperatureSensitive,
	}

	out, err := s.broadcaster.Dispatch(r.Context(), req)
	if err != nil {
		status, code := statusFor(err)
		if status == http.StatusInternalServerError {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, dispatchResponse{Success: false, Message: err.Error(), Code: code, Attempts: out.Attempts})
		return
	}
	eta := out.EstimatedArrival
	writeJSON(w, http.StatusOK, dispatchResponse{
		Success:          true,
		RequestID:        out.RequestID,
		DriverID:         out.DriverID,
		DeliveryID:       out.DeliveryID,
		EstimatedArrival: &eta,
		Attempts:         out.Attempts,
	})
}

func (s *Server) handleAvailableOrders(w http.ResponseWriter, r *http.Request) {
	driverID := actorID(r, r.URL.Query().Get("driverId"))
	role := ratelimit.ParseRole(r.Header.Get("X-User-Role"))
	open := s.broadcaster.OpenRequests()
	out := make([]broadcaster.Snapshot, 0, len(open))
	for _, o := range open {
		// drivers only see the offer addressed to them
		if role == ratelimit.RoleDriver && (o.Offer == nil || o.Offer.DriverID != driverID) {
			continue
		}
		out = append(out, o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.broadcaster.StatusByOrder(r.Context(), mux.Vars(r)["orderId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type decisionRequest struct {
	DriverID string `json:"driverId"`
}

func (s *Server) handleDecision(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in decisionRequest
		if err := decodeOptional(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		driverID := actorID(r, in.DriverID)
		if driverID == "" {
			s.writeError(w, r, badRequest("driverId is required"))
			return
		}
		d, err := s.broadcaster.Decide(r.Context(), mux.Vars(r)["requestId"], driverID, accept)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !accept {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivery": d})
	}
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.broadcaster.CancelOrder(r.Context(), mux.Vars(r)["orderId"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type deliveryStatusRequest struct {
	Status   string        `json:"status"`
	Proof    string        `json:"proof,omitempty"`
	Location *models.Coord `json:"location,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var in deliveryStatusRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, ok := models.ParseStatus(in.Status)
	if !ok {
		s.writeError(w, r, badRequest("unknown status %q", in.Status))
		return
	}
	if in.Location != nil && !geo.Valid(*in.Location) {
		s.writeError(w, r, badRequest("location out of range"))
		return
	}
	d, err := s.lifecycle.Transition(r.Context(), mux.Vars(r)["deliveryId"], to, lifecycle.TransitionInput{
		Proof:    in.Proof,
		Location: in.Location,
		Actor:    actorID(r, ""),
		Reason:   in.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivery": d})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.lifecycle.Get(r.Context(), mux.Vars(r)["deliveryId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["userId"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Debug("websocket upgrade failed", "user_id", id, "error", err)
		return
	}
	s.hub.Add(id, ratelimit.ParseRole(r.Header.Get("X-User-Role")) == ratelimit.RoleAdmin, conn)
}
