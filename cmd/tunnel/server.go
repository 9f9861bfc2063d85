package main

import (
	"crypto/tls"
	"flag"
	"net"

	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/device/listener"
)

var eaddr = flag.String("eaddr", ":5555", "address for device connections")
var taddr = flag.String("taddr", ":5556", "address for tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file ")

// tunnel runs on a public host and forwards device connections to a
// fieldsync instance that dialed in with device.tunnel_addr.
func main() {
	flag.Parse()
	log.Info().Str("external", *eaddr).Str("tunnel", *taddr).Msg("starting relay")

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		log.Info().Msg("starting non-tls listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		log.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err == nil {
			ylistener, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open tunnel listener")
	}
	relay := listener.NewRelay(&listener.RelayConfig{ExternalAddr: *eaddr, Token: *secret})
	if err := relay.Serve(ylistener); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}
