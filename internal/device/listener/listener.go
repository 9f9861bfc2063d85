package listener

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
)

// Direct listens on addr. With proxy set, connections are expected to start
// with a PROXY protocol header and report the real client address.
func Direct(addr string, proxy bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if proxy {
		return &proxyproto.Listener{Listener: ln}, nil
	}
	return ln, nil
}

type TunnelConfig struct {
	Addr  string `validate:"required"`
	Token string `validate:"required"`
	TLS   bool
}

// Tunnel is a net.Listener whose connections arrive as yamux streams over
// an outbound connection to a relay. The relay prefixes every stream with
// the external client address and a newline.
type Tunnel struct {
	mu      sync.Mutex
	log     log.Logger
	config  *TunnelConfig
	session *yamux.Session
	conns   chan net.Conn
	closed  chan struct{}
	once    sync.Once
}

func NewTunnel(config *TunnelConfig) *Tunnel {
	t := &Tunnel{config: config}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "tunnel").Str("relay", config.Addr).Value()
	t.conns = make(chan net.Conn)
	t.closed = make(chan struct{})
	return t
}

// Run keeps a session to the relay open until Close.
func (t *Tunnel) Run() {
	for {
		t0 := time.Now()
		t.runSession()
		d := time.Since(t0)
		if d > 10*time.Second {
			d = 1 * time.Second
		} else {
			d = 5 * time.Second
		}
		select {
		case <-t.closed:
			return
		case <-time.After(d):
		}
		t.log.Info().Msg("reconnecting to relay")
	}
}

func (t *Tunnel) runSession() {
	var yconn net.Conn
	var err error
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if t.config.TLS {
		yconn, err = tls.DialWithDialer(dialer, "tcp", t.config.Addr, nil)
	} else {
		yconn, err = dialer.Dial("tcp", t.config.Addr)
	}
	if err != nil {
		t.log.Error().Err(err).Msg("unable to dial relay")
		return
	}
	_, err = yconn.Write([]byte(t.config.Token))
	if err != nil {
		yconn.Close()
		t.log.Error().Err(err).Msg("unable to authenticate with relay")
		return
	}
	status := []byte{0}
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = yconn.Read(status)
	if err != nil {
		yconn.Close()
		t.log.Error().Err(err).Msg("unable to authenticate with relay")
		return
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if status[0] != '+' {
		yconn.Close()
		t.log.Error().Msg("tunnel rejected")
		return
	}
	t.log.Info().Msg("tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		t.log.Error().Err(err).Msg("unable to start yamux session")
		return
	}
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		session.Close()
		return
	default:
	}
	t.session = session
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.session = nil
		t.mu.Unlock()
		session.Close()
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			t.log.Error().Err(err).Msg("tunnel session ended")
			return
		}
		go t.handshake(stream)
	}
}

func (t *Tunnel) handshake(stream net.Conn) {
	r := bufio.NewReader(stream)
	_ = stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	raddr, err := r.ReadString('\n')
	if err != nil {
		t.log.Error().Err(err).Msg("error reading stream header")
		stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	c := &streamConn{Conn: stream, r: r, raddr: tunnelAddr(strings.TrimSpace(raddr))}
	select {
	case t.conns <- c:
	case <-t.closed:
		stream.Close()
	}
}

func (t *Tunnel) Accept() (net.Conn, error) {
	select {
	case c := <-t.conns:
		return c, nil
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *Tunnel) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		close(t.closed)
		if t.session != nil {
			t.session.Close()
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *Tunnel) Addr() net.Addr {
	return tunnelAddr(t.config.Addr)
}

type tunnelAddr string

func (a tunnelAddr) Network() string {
	return "tunnel"
}

func (a tunnelAddr) String() string {
	return string(a)
}

type streamConn struct {
	net.Conn
	r     *bufio.Reader
	raddr net.Addr
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.raddr
}
