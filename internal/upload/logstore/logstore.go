package logstore

import (
	"context"

	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/upload"
)

// LogStore only logs payloads.
type LogStore struct {
	log log.Logger
}

func NewStore(logger log.Logger) *LogStore {
	l := &LogStore{log: logger}
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Post(ctx context.Context, p upload.Payload) error {
	l.log.Info().EmbedObject(p).Msg("upload")
	return nil
}
