package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/clock"
	"nuha.dev/fieldsync/internal/events"
	"nuha.dev/fieldsync/internal/gate"
	"nuha.dev/fieldsync/internal/location"
	"nuha.dev/fieldsync/internal/sublist"
	"nuha.dev/fieldsync/internal/upload"
)

type State int

const (
	Stopped State = iota
	Starting
	Authorizing
	Tracking
	Blocked
)

var stateNames = [...]string{"stopped", "starting", "authorizing", "tracking", "blocked"}

func (st State) String() string {
	if int(st) < len(stateNames) {
		return stateNames[st]
	}
	return "unknown"
}

func (st State) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

func (st *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*st = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", b)
}

var ErrAlreadyStarted = errors.New("scheduler already started")

const (
	DefaultInterval      = 10 * time.Second
	DefaultRefractory    = 5 * time.Second
	DefaultUploadTimeout = 15 * time.Second
)

type Config struct {
	UserId        string        `validate:"required"`
	SessionId     string
	Interval      time.Duration `validate:"gt=0"`
	Refractory    time.Duration `validate:"gt=0"`
	UploadTimeout time.Duration `validate:"gt=0"`
}

type Notifier interface {
	Notify(n events.Notice)
}

type UploadReporter interface {
	Uploaded(r events.UploadResult)
}

type Param struct {
	Source   location.Source
	Uploader upload.Uploader
	Notifier Notifier
	Reporter UploadReporter
	Clock    clock.Clock
	Logger   log.Logger
}

type Snapshot struct {
	State                State              `json:"state"`
	Reason               events.Reason      `json:"reason,omitempty"`
	LatestPosition       *location.Position `json:"latest_position"`
	IsRunning            bool               `json:"is_running"`
	HasSentInitialUpdate bool               `json:"has_sent_initial_update"`
	IsUploadWindowOpen   bool               `json:"is_upload_window_open"`
	Ticks                uint64             `json:"ticks"`
	Attempts             uint64             `json:"attempts"`
}

// Scheduler owns the latest position of one session and uploads it on
// every timer tick the gate lets through. All state is guarded by mu;
// callbacks carry the generation they were issued for and are dropped once
// the scheduler has moved on.
type Scheduler struct {
	mu       sync.Mutex
	config   *Config
	log      log.Logger
	source   location.Source
	uploader upload.Uploader
	notifier Notifier
	reporter UploadReporter
	clock    clock.Clock
	gate     *gate.Gate
	sublist  *sublist.Sublist
	inflight sync.WaitGroup

	state         State
	reason        events.Reason
	gen           uint64
	armgen        uint64
	subscribed    bool
	ticker        clock.Timer
	latest        *location.Position
	last_uploaded *location.Position
	sent_initial  bool
	ticks         uint64
	attempts      uint64
}

// New copies config; defaults are applied to the copy.
func New(config *Config, param *Param) *Scheduler {
	c := *config
	s := &Scheduler{config: &c}
	if s.config.Interval <= 0 {
		s.config.Interval = DefaultInterval
	}
	if s.config.Refractory <= 0 {
		s.config.Refractory = DefaultRefractory
	}
	if s.config.UploadTimeout <= 0 {
		s.config.UploadTimeout = DefaultUploadTimeout
	}
	s.source = param.Source
	s.uploader = param.Uploader
	s.notifier = param.Notifier
	s.reporter = param.Reporter
	s.clock = param.Clock
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.log = param.Logger
	s.log.Context = log.NewContext(nil).Str("module", "scheduler").Str("session_id", c.SessionId).Str("user_id", c.UserId).Value()
	s.gate = gate.New(s.clock, s.config.Refractory)
	s.sublist = sublist.NewSublist()
	return s
}

// Start begins a tracking attempt. It is also the manual re-authorization
// path out of Blocked. The returned error is the reason tracking could not
// begin; the notice has already been sent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped && s.state != Blocked {
		return ErrAlreadyStarted
	}
	s.gen++
	s.state = Starting
	s.reason = ""
	s.log.Info().Str("event", "start").Msg("")
	if !s.source.ServicesEnabled() {
		s.block(events.ServicesDisabled)
		return location.ErrServicesDisabled
	}
	s.state = Authorizing
	return s.evaluate(s.source.Authorization())
}

// Stop ends the session. Safe to call in any state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return
	}
	s.gen++
	s.stopTimer()
	s.unsubscribe()
	s.gate.Reset()
	s.latest = nil
	s.last_uploaded = nil
	s.sent_initial = false
	s.state = Stopped
	s.reason = ""
	s.sublist.Forget()
	s.log.Info().Str("event", "stop").Msg("")
}

// Wait blocks until every upload already handed to the uploader returns.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Subscribe registers a position observer. Positions are pushed while the
// scheduler lock is held, so Push must not block or call back into the
// scheduler.
func (s *Scheduler) Subscribe(sub sublist.Subscriber) {
	s.sublist.Subscribe(sub)
}

func (s *Scheduler) Unsubscribe(sub sublist.Subscriber) {
	s.sublist.Unsubscribe(sub)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:                s.state,
		Reason:               s.reason,
		IsRunning:            s.ticker != nil,
		HasSentInitialUpdate: s.sent_initial,
		IsUploadWindowOpen:   s.gate.IsOpen(),
		Ticks:                s.ticks,
		Attempts:             s.attempts,
	}
	if s.latest != nil {
		p := *s.latest
		snap.LatestPosition = &p
	}
	return snap
}

// evaluate applies an authorization state. Caller holds mu.
func (s *Scheduler) evaluate(a location.Authorization) error {
	switch {
	case a.Authorized():
		s.subscribe()
		if s.ticker == nil {
			s.armTimer()
		}
		if s.state != Tracking {
			s.log.Info().Str("event", "tracking").Str("authorization", a.String()).Msg("")
		}
		s.state = Tracking
		return nil
	case a == location.NotDetermined:
		if s.ticker != nil {
			s.stopTimer()
			s.gate.Reset()
		}
		s.state = Authorizing
		s.subscribe()
		s.log.Info().Str("event", "request_authorization").Msg("")
		s.source.RequestAuthorization()
		return nil
	case a == location.Restricted:
		s.block(events.AuthorizationRestricted)
	default:
		s.block(events.AuthorizationDenied)
	}
	return a.Err()
}

func (s *Scheduler) block(reason events.Reason) {
	s.gen++
	s.stopTimer()
	s.unsubscribe()
	s.gate.Reset()
	s.latest = nil
	s.state = Blocked
	s.reason = reason
	s.log.Warn().Str("event", "blocked").Str("reason", string(reason)).Msg("")
	if s.notifier != nil {
		s.notifier.Notify(events.Notice{SessionId: s.config.SessionId, Reason: reason, At: s.clock.Now()})
	}
}

func (s *Scheduler) subscribe() {
	if s.subscribed {
		return
	}
	s.subscribed = true
	s.source.StartUpdates(&observer{s: s, gen: s.gen})
}

func (s *Scheduler) unsubscribe() {
	if !s.subscribed {
		return
	}
	s.subscribed = false
	s.source.StopUpdates()
}

func (s *Scheduler) armTimer() {
	s.armgen++
	armgen := s.armgen
	s.ticker = s.clock.TickFunc(s.config.Interval, func() {
		s.tick(armgen)
	})
	s.log.Debug().Dur("interval", s.config.Interval).Msg("timer armed")
}

func (s *Scheduler) stopTimer() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	s.armgen++
}

type observer struct {
	s   *Scheduler
	gen uint64
}

func (o *observer) OnPosition(p location.Position) {
	o.s.onPosition(o.gen, p)
}

func (o *observer) OnAuthorizationChanged(a location.Authorization) {
	o.s.onAuthorizationChanged(o.gen, a)
}

func (s *Scheduler) onPosition(gen uint64, p location.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Tracking {
		s.log.Trace().EmbedObject(p).Str("state", s.state.String()).Msg("position dropped")
		return
	}
	s.latest = &p
	s.sublist.Send(p)
}

func (s *Scheduler) onAuthorizationChanged(gen uint64, a location.Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == Stopped || s.state == Blocked {
		return
	}
	s.log.Info().Str("event", "authorization_changed").Str("authorization", a.String()).Msg("")
	if !s.source.ServicesEnabled() {
		s.block(events.ServicesDisabled)
		return
	}
	_ = s.evaluate(a)
}

func (s *Scheduler) tick(armgen uint64) {
	s.mu.Lock()
	if armgen != s.armgen || s.state != Tracking {
		s.mu.Unlock()
		return
	}
	s.ticks++
	s.gate.Settle()
	if s.latest == nil {
		s.log.Trace().Msg("no position yet, tick skipped")
		s.mu.Unlock()
		return
	}
	if !s.gate.Acquire() {
		s.log.Debug().Msg("upload window closed, tick skipped")
		s.mu.Unlock()
		return
	}
	p := upload.Payload{
		UserId:    s.config.UserId,
		Latitude:  s.latest.Latitude,
		Longitude: s.latest.Longitude,
		Timestamp: s.clock.Now(),
	}
	if !s.sent_initial {
		s.sent_initial = true
		s.log.Info().Str("event", "initial_update").EmbedObject(p).Msg("")
	}
	if s.last_uploaded != nil {
		s.log.Debug().Float64("moved_m", location.Distance(*s.last_uploaded, *s.latest)).Msg("")
	}
	s.last_uploaded = s.latest
	s.attempts++
	s.inflight.Add(1)
	s.mu.Unlock()
	go s.post(p)
}

func (s *Scheduler) post(p upload.Payload) {
	defer s.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.UploadTimeout)
	defer cancel()
	err := s.uploader.Post(ctx, p)
	res := events.UploadResult{
		SessionId: s.config.SessionId,
		UserId:    p.UserId,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.Timestamp,
	}
	if err != nil {
		s.log.Error().Err(err).EmbedObject(p).Msg("upload failed")
		res.Error = err.Error()
	} else {
		s.log.Debug().EmbedObject(p).Msg("upload done")
	}
	if s.reporter != nil {
		s.reporter.Uploaded(res)
	}
}
