package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"
	"golang.org/x/crypto/bcrypt"
	"nuha.dev/fieldsync/internal/clock"
	"nuha.dev/fieldsync/internal/events"
	"nuha.dev/fieldsync/internal/location"
	"nuha.dev/fieldsync/internal/scheduler"
	"nuha.dev/fieldsync/internal/upload"
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrNoSession      = errors.New("no such session")
	ErrBadToken       = errors.New("bad stream token")
)

type Config struct {
	// Users maps a user id to its bcrypt password hash.
	Users          map[string]string
	Interval       time.Duration
	Refractory     time.Duration
	UploadTimeout  time.Duration
	TokenSalt      string
	TokenMinLength int
}

type Param struct {
	Source   location.Source
	Uploader upload.Uploader
	Bus      *events.Bus
	Clock    clock.Clock
}

// Session is one logged-in technician and the scheduler tracking for them.
type Session struct {
	Id        string
	UserId    string
	Token     string
	Created   time.Time
	Scheduler *scheduler.Scheduler
	seq       int64
	pub       *events.PositionPublisher
}

func (s *Session) MarshalObject(e *log.Entry) {
	e.Str("session_id", s.Id).Str("user_id", s.UserId)
}

// Manager owns the single active session. A new login ends the previous
// session before the new scheduler starts, so only one scheduler ever
// drives the source.
type Manager struct {
	mu      sync.Mutex
	log     log.Logger
	config  *Config
	param   *Param
	hd      *hashids.HashID
	seq     int64
	current *Session
}

func NewManager(config *Config, param *Param) (*Manager, error) {
	hd := hashids.NewData()
	hd.Salt = config.TokenSalt
	hd.MinLength = config.TokenMinLength
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	m := &Manager{config: config, param: param, hd: h}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "session").Value()
	if m.param.Clock == nil {
		m.param.Clock = clock.Real{}
	}
	return m, nil
}

// Login checks the credentials, ends any previous session and starts
// tracking for userId. A session whose scheduler could not start tracking
// (blocked on authorization) is still returned; its snapshot carries the
// reason.
func (m *Manager) Login(ctx context.Context, userId string, password string) (*Session, error) {
	hash, ok := m.config.Users[userId]
	if !ok {
		m.log.Warn().Str("user_id", userId).Msg("login for unknown user")
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		m.log.Warn().Str("user_id", userId).Msg("login with wrong password")
		return nil, ErrBadCredentials
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.log.Info().EmbedObject(m.current).Msg("ending previous session")
		m.end(m.current)
		m.current = nil
	}
	m.seq++
	sess := &Session{
		Id:      uuid.New().String(),
		UserId:  userId,
		Created: m.param.Clock.Now(),
		seq:     m.seq,
	}
	token, err := m.hd.EncodeInt64([]int64{sess.seq, sess.Created.Unix()})
	if err != nil {
		return nil, err
	}
	sess.Token = token

	sp := &scheduler.Param{
		Source:   m.param.Source,
		Uploader: m.param.Uploader,
		Clock:    m.param.Clock,
		Logger:   log.DefaultLogger,
	}
	if m.param.Bus != nil {
		sp.Notifier = m.param.Bus
		sp.Reporter = m.param.Bus
	}
	sess.Scheduler = scheduler.New(&scheduler.Config{
		UserId:        userId,
		SessionId:     sess.Id,
		Interval:      m.config.Interval,
		Refractory:    m.config.Refractory,
		UploadTimeout: m.config.UploadTimeout,
	}, sp)
	if m.param.Bus != nil {
		sess.pub = m.param.Bus.PositionPublisher(sess.Id)
		sess.Scheduler.Subscribe(sess.pub)
	}
	m.current = sess
	m.log.Info().EmbedObject(sess).Msg("session created")
	if err := sess.Scheduler.Start(); err != nil {
		m.log.Warn().Err(err).EmbedObject(sess).Msg("tracking not started")
	}
	return sess, nil
}

// Logout stops the scheduler of sessionId and drops the session.
func (m *Manager) Logout(sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Id != sessionId {
		return ErrNoSession
	}
	m.end(m.current)
	m.log.Info().EmbedObject(m.current).Msg("session ended")
	m.current = nil
	return nil
}

func (m *Manager) end(sess *Session) {
	if sess.pub != nil {
		sess.Scheduler.Unsubscribe(sess.pub)
	}
	sess.Scheduler.Stop()
}

func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

func (m *Manager) Lookup(sessionId string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Id != sessionId {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// VerifyToken resolves a stream token to the session it was issued for.
// Tokens of ended sessions are rejected.
func (m *Manager) VerifyToken(token string) (*Session, error) {
	nums, err := m.hd.DecodeInt64WithError(token)
	if err != nil || len(nums) != 2 {
		return nil, ErrBadToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.seq != nums[0] || m.current.Created.Unix() != nums[1] {
		return nil, ErrBadToken
	}
	return m.current, nil
}

// Restart retries Start on the session's scheduler; this is the manual
// re-authorization path out of a blocked state.
func (m *Manager) Restart(sessionId string) (scheduler.Snapshot, error) {
	sess, err := m.Lookup(sessionId)
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	err = sess.Scheduler.Start()
	return sess.Scheduler.Snapshot(), err
}

// Close ends the current session and waits for its in-flight uploads.
func (m *Manager) Close() {
	m.mu.Lock()
	sess := m.current
	if sess != nil {
		m.end(sess)
		m.current = nil
	}
	m.mu.Unlock()
	if sess != nil {
		sess.Scheduler.Wait()
	}
}
