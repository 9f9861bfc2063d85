package simplejson

import (
	"time"
)

type FrameMessage struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	STATUS          byte = 0x06
	AUTH_REQUEST    byte = 0x07
)

type LoginMessage struct {
	SnType     string `json:"sn_type"`
	Serial     string `json:"serial" validate:"required"`
	DeviceType string `json:"device_type"`
}

type LocationMessage struct {
	GpsTime     time.Time `json:"gps_time"`
	MachineTime time.Time `json:"machine_time"`
	Latitude    float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Altitude    float32   `json:"altitude"`
	Speed       float32   `json:"speed"`
	Accuracy    float32   `json:"accuracy"`
	Fix         bool      `json:"fix"`
}

// StatusMessage carries the device's location-services master switch and
// the permission granted to the tracking app.
type StatusMessage struct {
	LocationServices bool   `json:"location_services"`
	Authorization    string `json:"authorization"`
}

type AuthRequestMessage struct {
	Reason string `json:"reason"`
}
