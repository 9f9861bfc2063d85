package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/fieldsync/internal/device/simplejson"
	"nuha.dev/fieldsync/internal/location"
)

// fakedevice plays a field device: it logs in, reports its permission
// status, answers authorization requests and walks around a start point.
func main() {
	debug := flag.Bool("debug", true, "sets log level to debug")
	addr := flag.String("address", "localhost:5000", "device listener address")
	serial := flag.String("serial", "FAKE0001", "device serial")
	interval := flag.Duration("interval", 3*time.Second, "location report interval")
	lat := flag.Float64("lat", -6.2, "start latitude")
	lon := flag.Float64("lon", 106.8, "start longitude")
	services := flag.Bool("services", true, "location services master switch")
	initial := flag.String("auth", "not_determined", "initial authorization")
	grant := flag.String("grant", "authorized_when_in_use", "authorization reported after a request")
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to dial")
	}
	d := &device{c: c}
	d.send(simplejson.LOGIN, simplejson.LoginMessage{SnType: "fake", Serial: *serial, DeviceType: "fakedevice"})
	d.send(simplejson.STATUS, simplejson.StatusMessage{LocationServices: *services, Authorization: *initial})
	go d.readLoop(*services, *grant)

	p := location.Position{Latitude: *lat, Longitude: *lon}
	for range time.Tick(*interval) {
		p.Latitude += (rand.Float64() - 0.5) * 0.0005
		p.Longitude += (rand.Float64() - 0.5) * 0.0005
		now := time.Now().UTC()
		d.send(simplejson.LOCATION_UPDATE, simplejson.LocationMessage{
			GpsTime:     now,
			MachineTime: now,
			Latitude:    p.Latitude,
			Longitude:   p.Longitude,
			Accuracy:    5,
			Fix:         true,
		})
		log.Debug().Float64("lat", p.Latitude).Float64("lon", p.Longitude).Msg("location sent")
	}
}

type device struct {
	mu sync.Mutex
	c  net.Conn
}

func (d *device) send(protocol byte, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatal().Err(err).Msg("encode")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err = simplejson.WriteMessage(d.c, protocol, b); err != nil {
		log.Fatal().Err(err).Msg("write")
	}
}

func (d *device) readLoop(services bool, grant string) {
	msg := simplejson.FrameMessage{Buffer: make([]byte, 1000)}
	for {
		if err := simplejson.ReadMessage(d.c, &msg); err != nil {
			log.Fatal().Err(err).Msg("read")
		}
		if msg.Protocol != simplejson.AUTH_REQUEST {
			log.Debug().Msgf("ignoring message type %x", msg.Protocol)
			continue
		}
		log.Info().Str("payload", string(msg.Payload)).Str("grant", grant).Msg("authorization requested")
		d.send(simplejson.STATUS, simplejson.StatusMessage{LocationServices: services, Authorization: grant})
	}
}
