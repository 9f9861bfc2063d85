package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/phuslu/log"
)

// TimestampLayout is yyyy-MM-dd HH:mm:ss.SSS.
const TimestampLayout = "2006-01-02 15:04:05.000"

var ErrTransport = errors.New("upload transport failure")

type Payload struct {
	UserId    string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

func (p Payload) MarshalObject(e *log.Entry) {
	e.Str("user_id", p.UserId).Float64("lat", p.Latitude).Float64("lon", p.Longitude).Str("timestamp", FormatTimestamp(p.Timestamp))
}

type Uploader interface {
	Post(ctx context.Context, p Payload) error
}

func FormatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// FormatBody renders the form encoded upload body.
func FormatBody(p Payload) string {
	v := url.Values{}
	v.Set("user_id", p.UserId)
	v.Set("latitude", FormatCoordinate(p.Latitude))
	v.Set("longitude", FormatCoordinate(p.Longitude))
	v.Set("timestamp", FormatTimestamp(p.Timestamp))
	return v.Encode()
}

// Multi posts every payload to all uploaders in order.
type Multi []Uploader

func (m Multi) Post(ctx context.Context, p Payload) error {
	var first error
	failed := 0
	for _, u := range m {
		if err := u.Post(ctx, p); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d uploads failed: %w", failed, len(m), first)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, p Payload) error

func (f UploaderFunc) Post(ctx context.Context, p Payload) error {
	return f(ctx, p)
}
