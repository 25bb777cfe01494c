package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type VehicleClass string

const (
	VehicleAny        VehicleClass = ""
	VehicleBicycle    VehicleClass = "bicycle"
	VehicleMotorcycle VehicleClass = "motorcycle"
	VehicleCar        VehicleClass = "car"
	VehicleVan        VehicleClass = "van"
)

type Driver struct {
	ID       string       `json:"id"`
	Vehicle  VehicleClass `json:"vehicle"`
	Loc      Coord        `json:"loc"`
	Rating   float64      `json:"rating"` // 0..5
	Online   bool         `json:"online"`
	Busy     bool         `json:"busy"`
	Verified bool         `json:"verified"`
	Disabled bool         `json:"disabled"`
	Updated  time.Time    `json:"updated"`
}

// Available reports whether the driver may receive a new offer.
func (d Driver) Available() bool { return d.Online && !d.Busy && !d.Disabled }

type Urgency string

const (
	UrgencyStandard Urgency = "standard"
	UrgencyExpress  Urgency = "express"
)

type RequestStatus string

const (
	RequestPending     RequestStatus = "pending"
	RequestDispatching RequestStatus = "dispatching"
	RequestMatched     RequestStatus = "matched"
	RequestFailed      RequestStatus = "failed"
	RequestCancelled   RequestStatus = "cancelled"
)

type DeliveryRequest struct {
	ID                     string        `json:"id"`
	OrderID                string        `json:"orderId"`
	CustomerID             string        `json:"customerId,omitempty"`
	MerchantID             string        `json:"merchantId,omitempty"`
	Pickup                 Coord         `json:"pickup"`
	Dropoff                Coord         `json:"dropoff"`
	Fee                    float64       `json:"fee"`
	DistanceM              float64       `json:"distanceM,omitempty"`
	ETASeconds             float64       `json:"etaSeconds,omitempty"`
	Urgency                Urgency       `json:"urgency,omitempty"`
	Fragile                bool          `json:"fragile,omitempty"`
	TemperatureSensitive   bool          `json:"temperatureSensitive,omitempty"`
	RequiresVerifiedDriver bool          `json:"requiresVerifiedDriver,omitempty"`
	RequiresProof          bool          `json:"requiresProof,omitempty"`
	Vehicle                VehicleClass  `json:"vehicle,omitempty"`
	PaymentIntentID        string        `json:"paymentIntentId,omitempty"`
	Status                 RequestStatus `json:"status"`
	OfferedTo              string        `json:"-"` // driver holding the live offer, if any
	CreatedAt              time.Time     `json:"createdAt"`
	ExpiresAt              time.Time     `json:"expiresAt"`
}

// Expired reports whether the request is past its absolute expiry. A zero
// ExpiresAt never expires.
func (r DeliveryRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

type OfferOutcome string

const (
	OfferPending   OfferOutcome = "pending"
	OfferAccepted  OfferOutcome = "accepted"
	OfferDeclined  OfferOutcome = "declined"
	OfferExpired   OfferOutcome = "expired"
	OfferWithdrawn OfferOutcome = "withdrawn"
)

type Offer struct {
	ID        string       `json:"id"`
	RequestID string       `json:"requestId"`
	OrderID   string       `json:"orderId"`
	DriverID  string       `json:"driverId"`
	Pickup    Coord        `json:"pickup"`
	Dropoff   Coord        `json:"dropoff"`
	Fee       float64      `json:"fee"`
	Attempt   int          `json:"attempt"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Outcome   OfferOutcome `json:"outcome"`
}

type LocationSample struct {
	DriverID   string    `json:"driverId"`
	Loc        Coord     `json:"loc"`
	AccuracyM  float64   `json:"accuracyM,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

type HistoryEntry struct {
	Status     Status    `json:"status"`
	At         time.Time `json:"at"`
	ProofRef   string    `json:"proofRef,omitempty"`
	ReporterAt *Coord    `json:"reporterLocation,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type ActiveDelivery struct {
	ID        string          `json:"id"`
	RequestID string          `json:"requestId"`
	OrderID   string          `json:"orderId"`
	DriverID  string          `json:"driverId"`
	Status    Status          `json:"status"`
	History   []HistoryEntry  `json:"history"`
	LastLoc   *LocationSample `json:"lastLocation,omitempty"`
	Request   DeliveryRequest `json:"request"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a copy whose history slice is not shared with d.
func (d ActiveDelivery) Clone() ActiveDelivery {
	out := d
	out.History = append([]HistoryEntry(nil), d.History...)
	if d.LastLoc != nil {
		s := *d.LastLoc
		out.LastLoc = &s
	}
	return out
}
