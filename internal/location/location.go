package location

import (
	"errors"
	"math"
	"time"

	"github.com/phuslu/log"
)

type Authorization int

const (
	NotDetermined Authorization = iota
	AuthorizedWhenInUse
	AuthorizedAlways
	Denied
	Restricted
)

var (
	ErrServicesDisabled           = errors.New("location services disabled")
	ErrAuthorizationDenied        = errors.New("location authorization denied")
	ErrAuthorizationRestricted    = errors.New("location authorization restricted")
	ErrAuthorizationNotDetermined = errors.New("location authorization not determined")
)

var authorizationNames = map[Authorization]string{
	NotDetermined:       "not_determined",
	AuthorizedWhenInUse: "authorized_when_in_use",
	AuthorizedAlways:    "authorized_always",
	Denied:              "denied",
	Restricted:          "restricted",
}

func (a Authorization) String() string {
	if s, ok := authorizationNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAuthorization maps the wire name back to an Authorization. Unknown
// names are treated as NotDetermined.
func ParseAuthorization(s string) Authorization {
	for a, name := range authorizationNames {
		if name == s {
			return a
		}
	}
	return NotDetermined
}

func (a Authorization) Authorized() bool {
	return a == AuthorizedWhenInUse || a == AuthorizedAlways
}

// Err returns the error class of a non-authorized state, nil otherwise.
func (a Authorization) Err() error {
	switch a {
	case Denied:
		return ErrAuthorizationDenied
	case Restricted:
		return ErrAuthorizationRestricted
	case NotDetermined:
		return ErrAuthorizationNotDetermined
	}
	return nil
}

type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

func (p Position) MarshalObject(e *log.Entry) {
	e.Float64("lat", p.Latitude).Float64("lon", p.Longitude).Time("captured_at", p.CapturedAt)
}

// Observer receives the callbacks of a Source.
type Observer interface {
	OnPosition(p Position)
	OnAuthorizationChanged(a Authorization)
}

// Source is the platform positioning facility. StopUpdates must be
// idempotent and must not wait for callbacks that are already running.
type Source interface {
	ServicesEnabled() bool
	Authorization() Authorization
	RequestAuthorization()
	StartUpdates(obs Observer)
	StopUpdates()
}

const earthRadius = 6371008.8

// Distance returns the great-circle distance between a and b in metres.
func Distance(a, b Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}
