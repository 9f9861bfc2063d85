package httpupload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/upload"
)

type Config struct {
	URL     string        `validate:"required,url"`
	Timeout time.Duration `validate:"gte=0"`
}

type Uploader struct {
	config *Config
	client *http.Client
	log    log.Logger
}

func New(config *Config) *Uploader {
	u := &Uploader{config: config}
	u.client = &http.Client{Timeout: config.Timeout}
	u.log = log.DefaultLogger
	u.log.Context = log.NewContext(nil).Str("module", "httpupload").Value()
	return u
}

// Post sends p as an application/x-www-form-urlencoded body. Field values
// are percent-encoded on the wire, so the timestamp 2021-08-01 10:00:10.000
// travels as 2021-08-01+10%3A00%3A10.000 and decodes back to the literal
// yyyy-MM-dd HH:mm:ss.SSS form. Any non-2xx status is an upload.ErrTransport.
func (u *Uploader) Post(ctx context.Context, p upload.Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.URL, strings.NewReader(upload.FormatBody(p)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	t0 := time.Now()
	res, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", upload.ErrTransport, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", upload.ErrTransport, res.StatusCode)
	}
	u.log.Debug().EmbedObject(p).Int("status", res.StatusCode).Dur("time_taken", time.Since(t0)).Msg("location posted")
	return nil
}
