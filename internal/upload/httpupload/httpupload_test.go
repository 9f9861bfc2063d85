package httpupload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"nuha.dev/fieldsync/internal/upload"
)

func TestPost(t *testing.T) {
	var got url.Values
	var raw string
	var ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		ctype = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		got, _ = url.ParseQuery(raw)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := New(&Config{URL: srv.URL, Timeout: time.Second})
	p := upload.Payload{UserId: "u1", Latitude: 45, Longitude: 15, Timestamp: time.Date(2021, 8, 1, 10, 0, 10, 0, time.UTC)}
	if err := u.Post(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if ctype != "application/x-www-form-urlencoded" {
		t.Errorf("content type %q", ctype)
	}
	if got.Get("user_id") != "u1" || got.Get("latitude") != "45" || got.Get("longitude") != "15" {
		t.Errorf("unexpected body %v", got)
	}
	if got.Get("timestamp") != "2021-08-01 10:00:10.000" {
		t.Errorf("unexpected timestamp %q", got.Get("timestamp"))
	}
	if !strings.Contains(raw, "timestamp=2021-08-01+10%3A00%3A10.000") {
		t.Errorf("unexpected wire body %q", raw)
	}
}

func TestPostServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	u := New(&Config{URL: srv.URL, Timeout: time.Second})
	err := u.Post(context.Background(), upload.Payload{})
	if !errors.Is(err, upload.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestPostTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)
	u := New(&Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	err := u.Post(context.Background(), upload.Payload{})
	if !errors.Is(err, upload.ErrTransport) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
}
