package simplejson

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/device/conn"
	"nuha.dev/fieldsync/internal/location"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	REPLACED_CONNECTION string = "replaced_connection"
	STATUS_CHANGED      string = "status_changed"
)

type SourceConfig struct {
	// ReadTimeout closes a device connection that stays silent this long.
	// Zero disables it.
	ReadTimeout time.Duration
}

// Source is a location.Source fed by a field device speaking the
// simplejson frame protocol. Only one device is attached at a time; a new
// login replaces the older connection.
type Source struct {
	mu           sync.Mutex
	wmu          sync.Mutex
	log          log.Logger
	config       SourceConfig
	vld          *validator.Validate
	cid_counter  uint64
	current      *conn.Conn
	serial       string
	enabled      bool
	auth         location.Authorization
	obs          location.Observer
	pending_auth bool
	last_seen    time.Time
}

type DeviceStatus struct {
	Serial          string    `json:"serial"`
	Connected       bool      `json:"connected"`
	Socket          []string  `json:"socket,omitempty"`
	ServicesEnabled bool      `json:"services_enabled"`
	Authorization   string    `json:"authorization"`
	LastSeen        time.Time `json:"last_seen"`
}

func NewSource(logger log.Logger, config SourceConfig) *Source {
	s := &Source{config: config}
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "simplejson").Value()
	s.vld = validator.New()
	// Until a device reports otherwise the switch is assumed on, so the
	// scheduler asks for permission instead of blocking.
	s.enabled = true
	s.auth = location.NotDetermined
	return s
}

func (s *Source) ServicesEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Source) Authorization() location.Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// RequestAuthorization asks the attached device to prompt for permission.
// Without a device the request is kept until the next login.
func (s *Source) RequestAuthorization() {
	s.mu.Lock()
	c := s.current
	if c == nil {
		s.pending_auth = true
		s.mu.Unlock()
		s.log.Debug().Msg("no device attached, authorization request deferred")
		return
	}
	s.mu.Unlock()
	go s.send(c, AUTH_REQUEST, AuthRequestMessage{Reason: "location upload"})
}

func (s *Source) StartUpdates(obs location.Observer) {
	s.mu.Lock()
	s.obs = obs
	s.mu.Unlock()
}

func (s *Source) StopUpdates() {
	s.mu.Lock()
	s.obs = nil
	s.mu.Unlock()
}

func (s *Source) Status() DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := DeviceStatus{
		Serial:          s.serial,
		Connected:       s.current != nil,
		ServicesEnabled: s.enabled,
		Authorization:   s.auth.String(),
		LastSeen:        s.last_seen,
	}
	if s.current != nil {
		st.Socket = s.current.Tuple()
	}
	return st
}

// Serve accepts device connections until ln fails.
func (s *Source) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("accepting device connections")
	for {
		_c, err := ln.Accept()
		if err != nil {
			s.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		c := conn.NewConn(_c, atomic.AddUint64(&s.cid_counter, 1))
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		go s.handle(c)
	}
}

// effective is the authorization reported to observers: a disabled master
// switch reads as denied. Caller holds mu.
func (s *Source) effective() location.Authorization {
	if !s.enabled {
		return location.Denied
	}
	return s.auth
}

func (s *Source) handle(c *conn.Conn) {
	defer c.Close()
	msg := FrameMessage{Buffer: make([]byte, 1000)}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := c.Peek(1)
	if err != nil {
		s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msg("error peeking from connection, will close")
		return
	}
	if b[0] != startByte {
		s.log.Error().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msgf("unknown start byte %x", b[0])
		return
	}
	if err = ReadMessage(c, &msg); err != nil {
		s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msg("error reading login message")
		return
	}
	if msg.Protocol != LOGIN {
		s.log.Error().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msgf("message type is not login, type : %x", msg.Protocol)
		return
	}
	login := LoginMessage{}
	if err = json.Unmarshal(msg.Payload, &login); err == nil {
		err = s.vld.Struct(login)
	}
	if err != nil {
		s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msg("error parsing login message")
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(c).Str("sn_type", login.SnType).Str("serial", login.Serial).Msg("")
	s.attach(c, &login)
	defer s.detach(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		err := ReadMessage(c, &msg)
		if err != nil {
			s.log.Error().Err(err).EmbedObject(c).Msg("error while reading message")
			return
		}
		tread := time.Now().UTC()
		switch msg.Protocol {
		case LOCATION_UPDATE:
			s.onLocation(c, msg.Payload, tread)
		case STATUS:
			s.onStatus(c, msg.Payload, tread)
		default:
			s.log.Trace().EmbedObject(c).Msgf("ignoring message type %x", msg.Protocol)
		}
	}
}

func (s *Source) attach(c *conn.Conn, login *LoginMessage) {
	s.mu.Lock()
	old := s.current
	s.current = c
	s.serial = login.Serial
	s.last_seen = time.Now().UTC()
	pending := s.pending_auth
	s.pending_auth = false
	s.mu.Unlock()
	if old != nil {
		s.log.Info().Str("event", REPLACED_CONNECTION).EmbedObject(old).Msg("replacing older connection")
		old.Close()
	}
	if pending {
		s.send(c, AUTH_REQUEST, AuthRequestMessage{Reason: "location upload"})
	}
}

func (s *Source) detach(c *conn.Conn) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Source) onLocation(c *conn.Conn, payload []byte, tread time.Time) {
	loc := LocationMessage{}
	err := json.Unmarshal(payload, &loc)
	if err == nil {
		err = s.vld.Struct(loc)
	}
	if err != nil {
		s.log.Error().Err(err).EmbedObject(c).Msg("error parsing location data")
		return
	}
	p := location.Position{Latitude: loc.Latitude, Longitude: loc.Longitude, CapturedAt: loc.GpsTime.UTC()}
	if loc.GpsTime.IsZero() {
		p.CapturedAt = tread
	}
	s.mu.Lock()
	s.last_seen = tread
	obs := s.obs
	authorized := s.effective().Authorized()
	s.mu.Unlock()
	if obs == nil || !authorized {
		s.log.Trace().EmbedObject(c).EmbedObject(p).Bool("authorized", authorized).Msg("location not delivered")
		return
	}
	obs.OnPosition(p)
}

func (s *Source) onStatus(c *conn.Conn, payload []byte, tread time.Time) {
	st := StatusMessage{}
	if err := json.Unmarshal(payload, &st); err != nil {
		s.log.Error().Err(err).EmbedObject(c).Msg("error parsing status data")
		return
	}
	s.mu.Lock()
	prev := s.effective()
	s.enabled = st.LocationServices
	s.auth = location.ParseAuthorization(st.Authorization)
	next := s.effective()
	s.last_seen = tread
	obs := s.obs
	s.mu.Unlock()
	if next == prev {
		return
	}
	s.log.Info().Str("event", STATUS_CHANGED).EmbedObject(c).Str("from", prev.String()).Str("to", next.String()).Msg("")
	if obs != nil {
		obs.OnAuthorizationChanged(next)
	}
}

func (s *Source) send(c *conn.Conn, protocol byte, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("error encoding message")
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	if err = WriteMessage(c, protocol, payload); err != nil {
		s.log.Error().Err(err).EmbedObject(c).Msgf("error sending message type %x", protocol)
	}
}
