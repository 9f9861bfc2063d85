package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/upload"
)

// Copier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type StoreConfig struct {
	Table       string        `validate:"required"`
	BufSize     int           `validate:"gt=0"`
	TickerDur   time.Duration `validate:"gt=0"`
	MaxAgeFlush time.Duration `validate:"gt=0"`
}

// Store batches uploads and writes them with COPY, either when the buffer
// is full or when its oldest record is older than MaxAgeFlush.
type Store struct {
	config  *StoreConfig
	db      Copier
	log     log.Logger
	wlock   sync.Mutex
	wbuf    buffer
	flushch chan buffer
	stopch  chan struct{}
	wg      sync.WaitGroup
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	user_id string
	lat     float64
	lon     float64
	srvt    time.Time
}

var columns = []string{"user_id", "latitude", "longitude", "server_time"}

func NewStore(db Copier, config *StoreConfig) *Store {
	st := &Store{config: config, db: db}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	st.wbuf = new_buffer(0, config.BufSize)
	st.flushch = make(chan buffer, 4)
	st.stopch = make(chan struct{})
	return st
}

func (st *Store) Run() {
	st.wg.Add(2)
	go st.timer_flusher()
	go st.handle()
}

// Close flushes what is buffered and waits for the writer to drain.
func (st *Store) Close() {
	close(st.stopch)
	st.wlock.Lock()
	if len(st.wbuf.buf) != 0 {
		st.flush()
	}
	st.wlock.Unlock()
	close(st.flushch)
	st.wg.Wait()
}

func (st *Store) Post(ctx context.Context, p upload.Payload) error {
	rec := record{user_id: p.UserId, lat: p.Latitude, lon: p.Longitude, srvt: p.Timestamp.UTC()}
	st.wlock.Lock()
	defer st.wlock.Unlock()
	select {
	case <-st.stopch:
		return fmt.Errorf("%w: store closed", upload.ErrTransport)
	default:
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) == st.config.BufSize {
		return st.flush()
	}
	return nil
}

func (st *Store) timer_flusher() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				_ = st.flush()
			}
			st.wlock.Unlock()
		case <-st.stopch:
			return
		}
	}
}

// flush hands the write buffer to the writer. Caller holds wlock.
func (st *Store) flush() error {
	next := st.wbuf.seq + 1
	select {
	case st.flushch <- st.wbuf:
	default:
		st.log.Error().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("writer busy, dropping buffer")
		st.wbuf = new_buffer(next, st.config.BufSize)
		return fmt.Errorf("%w: store writer busy", upload.ErrTransport)
	}
	st.wbuf = new_buffer(next, st.config.BufSize)
	return nil
}

func (st *Store) handle() {
	defer st.wg.Done()
	st.log.Info().Msg("starting flusher task")
	for buf := range st.flushch {
		t1 := time.Now()
		_, err := st.db.CopyFrom(context.Background(),
			pgx.Identifier{st.config.Table},
			columns,
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				d := buf.buf[i]
				return []interface{}{d.user_id, d.lat, d.lon, d.srvt}, nil
			}))
		if err != nil {
			st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
		} else {
			st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}

// Schema returns the DDL of the table Store copies into.
func Schema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	user_id text NOT NULL,
	latitude double precision NOT NULL,
	longitude double precision NOT NULL,
	server_time timestamptz NOT NULL
)`, pgx.Identifier{table}.Sanitize())
}
