package listener

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

type RelayConfig struct {
	ExternalAddr string
	Token        string
}

// Relay is the public end of a Tunnel. It accepts one tunnel session at a
// time and, while the session lives, forwards every external connection
// through it as a new stream.
type Relay struct {
	mu     sync.Mutex
	log    log.Logger
	config *RelayConfig
	ext    net.Listener
}

func NewRelay(config *RelayConfig) *Relay {
	r := &Relay{config: config}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "relay").Value()
	return r
}

// Serve accepts tunnel connections on tln until it fails.
func (r *Relay) Serve(tln net.Listener) error {
	for {
		yconn, err := tln.Accept()
		if err != nil {
			r.log.Error().Err(err).Msg("failed to accept tunnel connection")
			return err
		}
		r.log.Info().Str("remote", yconn.RemoteAddr().String()).Msg("accepting tunnel connection")
		r.runSession(yconn)
	}
}

// ExternalAddr is the address devices connect to, nil while no tunnel is
// established.
func (r *Relay) ExternalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ext == nil {
		return nil
	}
	return r.ext.Addr()
}

func (r *Relay) runSession(yconn net.Conn) {
	token := make([]byte, 64)
	_ = yconn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := yconn.Read(token)
	if err != nil {
		r.log.Error().Err(err).Msg("error reading tunnel token")
		yconn.Close()
		return
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if subtle.ConstantTimeCompare([]byte(r.config.Token), token[:n]) != 1 {
		_, _ = yconn.Write([]byte{'-'})
		yconn.Close()
		r.log.Warn().Str("remote", yconn.RemoteAddr().String()).Msg("tunnel token rejected")
		return
	}
	_, _ = yconn.Write([]byte{'+'})
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("error creating yamux server")
		yconn.Close()
		return
	}
	defer session.Close()

	ln, err := net.Listen("tcp", r.config.ExternalAddr)
	if err != nil {
		r.log.Error().Err(err).Msg("unable to open external listener")
		return
	}
	r.mu.Lock()
	r.ext = ln
	r.mu.Unlock()
	defer func() {
		r.log.Info().Msg("closing external listener")
		r.mu.Lock()
		r.ext = nil
		r.mu.Unlock()
		ln.Close()
	}()
	go func() {
		<-session.CloseChan()
		ln.Close()
	}()

	r.log.Info().Str("external", ln.Addr().String()).Msg("tunnel established")
	for {
		conn, err := ln.Accept()
		if err != nil {
			r.log.Error().Err(err).Msg("external listener stopped")
			return
		}
		go r.forward(session, conn)
	}
}

func (r *Relay) forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		r.log.Error().Err(err).Msg("error trying to open stream")
		return
	}
	r.log.Debug().Uint32("stream_id", tstream.StreamID()).Str("remote", conn.RemoteAddr().String()).Msg("new stream")
	c := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
		if err == nil {
			_, err = io.Copy(tstream, conn)
		}
		tstream.Close()
		c <- err
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		r.log.Debug().Err(err).Uint32("stream_id", tstream.StreamID()).Msg("stream copy ended")
	}
	conn.Close()
	<-c
}
