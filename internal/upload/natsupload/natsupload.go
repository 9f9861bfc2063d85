package natsupload

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"nuha.dev/fieldsync/internal/upload"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

type Uploader struct {
	pub     Publisher
	subject string
}

func Connect(url string, subject string) (*Uploader, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("fieldsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, err
	}
	return New(nc, subject), nc, nil
}

func New(pub Publisher, subject string) *Uploader {
	return &Uploader{pub: pub, subject: subject}
}

// Post publishes the form body and waits for the server to acknowledge the
// flush, so a dead connection is reported as a failure.
func (u *Uploader) Post(ctx context.Context, p upload.Payload) error {
	err := u.pub.Publish(u.subject, []byte(upload.FormatBody(p)))
	if err != nil {
		return fmt.Errorf("%w: %v", upload.ErrTransport, err)
	}
	if err = u.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", upload.ErrTransport, err)
	}
	return nil
}
