package webstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/fieldsync/internal/events"
	"nuha.dev/fieldsync/internal/session"
)

type WebStreamConfig struct {
	// TokenTimeout bounds the wait for the first message.
	TokenTimeout time.Duration
	// Buffer is the number of messages queued per client before new ones
	// are dropped.
	Buffer int
}

// WebstreamServer relays position and notice events of one session to a
// websocket client. The client's first message must be the stream token
// issued at login.
type WebstreamServer struct {
	log         log.Logger
	config      WebStreamConfig
	mgr         *session.Manager
	bus         *events.Bus
	cid_counter uint64
}

// Message is the JSON frame written to clients.
type Message struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

const TopicReady = "ready"

func NewWebstream(mgr *session.Manager, bus *events.Bus, config WebStreamConfig) *WebstreamServer {
	if config.TokenTimeout <= 0 {
		config.TokenTimeout = time.Second
	}
	if config.Buffer <= 0 {
		config.Buffer = 16
	}
	o := &WebstreamServer{config: config, mgr: mgr, bus: bus}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return o
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	readCtx, cancel := context.WithTimeout(r.Context(), ws.config.TokenTimeout)
	defer cancel()
	_, msg, err := c.Read(readCtx)
	if err != nil {
		ws.log.Error().Err(err).Msg("error while reading stream token")
		return
	}
	sess, err := ws.mgr.VerifyToken(string(msg))
	if err != nil {
		ws.log.Warn().Err(err).Msg("invalid stream token")
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	wc := &WebstreamClient{
		c:   c,
		sid: sess.Id,
		key: "webstream-" + strconv.FormatUint(atomic.AddUint64(&ws.cid_counter, 1), 10),
		wch: make(chan []byte, ws.config.Buffer),
		log: ws.log,
	}
	wc.log.Context = log.NewContext(wc.log.Context).Str("session_id", sess.Id).Str("client", wc.key).Value()
	ws.bus.Handle(wc.key, "^fieldsync\\.(position|notice)$", wc.handle)
	defer ws.bus.Unhandle(wc.key)
	wc.log.Info().Msg("stream client subscribed")

	ctx := c.CloseRead(r.Context())
	err = wc.write(ctx, Message{Topic: TopicReady, Data: sess.Id})
	if err == nil {
		err = wc.writeLoop(ctx)
	}
	wc.log.Info().Err(err).Uint64("dropped", atomic.LoadUint64(&wc.dropped)).Msg("stream client closed")
	c.Close(websocket.StatusNormalClosure, "")
}

type WebstreamClient struct {
	c       *websocket.Conn
	sid     string
	key     string
	wch     chan []byte
	dropped uint64
	log     log.Logger
}

// handle runs on the emitting goroutine, which may hold the scheduler
// lock, so it only queues.
func (wc *WebstreamClient) handle(topic string, data interface{}) {
	switch d := data.(type) {
	case events.PositionEvent:
		if d.SessionId != wc.sid {
			return
		}
	case events.Notice:
		if d.SessionId != wc.sid {
			return
		}
	default:
		return
	}
	b, err := json.Marshal(Message{Topic: topic, Data: data})
	if err != nil {
		wc.log.Error().Err(err).Msg("error encoding event")
		return
	}
	select {
	case wc.wch <- b:
	default:
		atomic.AddUint64(&wc.dropped, 1)
	}
}

func (wc *WebstreamClient) write(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return wc.c.Write(ctx, websocket.MessageText, b)
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-wc.wch:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wc.c.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
