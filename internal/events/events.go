package events

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/location"
)

const (
	TopicNotice   = "fieldsync.notice"
	TopicPosition = "fieldsync.position"
	TopicUpload   = "fieldsync.upload"
)

type Reason string

const (
	ServicesDisabled        Reason = "services_disabled"
	AuthorizationDenied     Reason = "authorization_denied"
	AuthorizationRestricted Reason = "authorization_restricted"
)

// Notice asks the presentation layer to show an alert.
type Notice struct {
	SessionId string    `json:"session_id"`
	Reason    Reason    `json:"reason"`
	At        time.Time `json:"at"`
}

type UploadResult struct {
	SessionId string    `json:"session_id"`
	UserId    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type PositionEvent struct {
	SessionId string `json:"session_id"`
	location.Position
}

type Bus struct {
	b   *bus.Bus
	log log.Logger
}

// 2021-01-01 UTC in milliseconds, monoton needs a fixed epoch.
const initialTime = uint64(1609459200000)

func NewBus() (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), uint64(1), initialTime)
	if err != nil {
		return nil, err
	}
	var idgen bus.Next = m.Next
	b, err := bus.NewBus(idgen)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicNotice, TopicPosition, TopicUpload)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return o, nil
}

// Handle registers f for every topic matching the regex matcher.
func (o *Bus) Handle(key string, matcher string, f func(topic string, data interface{})) {
	o.b.RegisterHandler(key, bus.Handler{
		Matcher: matcher,
		Handle: func(ctx context.Context, e bus.Event) {
			f(e.Topic, e.Data)
		},
	})
}

func (o *Bus) Unhandle(key string) {
	o.b.DeregisterHandler(key)
}

func (o *Bus) emit(topic string, data interface{}) {
	if err := o.b.Emit(context.Background(), topic, data); err != nil {
		o.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

func (o *Bus) Notify(n Notice) {
	o.emit(TopicNotice, n)
}

func (o *Bus) Uploaded(r UploadResult) {
	o.emit(TopicUpload, r)
}

// PositionPublisher returns a sublist subscriber that republishes positions
// of one session on the bus.
func (o *Bus) PositionPublisher(session_id string) *PositionPublisher {
	return &PositionPublisher{bus: o, session_id: session_id}
}

type PositionPublisher struct {
	bus        *Bus
	session_id string
}

func (p *PositionPublisher) Push(pos location.Position) bool {
	p.bus.emit(TopicPosition, PositionEvent{SessionId: p.session_id, Position: pos})
	return false
}
