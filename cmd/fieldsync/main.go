package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/config"
	"nuha.dev/fieldsync/internal/device/listener"
	"nuha.dev/fieldsync/internal/device/simplejson"
	"nuha.dev/fieldsync/internal/events"
	"nuha.dev/fieldsync/internal/session"
	"nuha.dev/fieldsync/internal/upload"
	"nuha.dev/fieldsync/internal/upload/httpupload"
	"nuha.dev/fieldsync/internal/upload/logstore"
	"nuha.dev/fieldsync/internal/upload/natsupload"
	"nuha.dev/fieldsync/internal/upload/pgstore"
	"nuha.dev/fieldsync/internal/util"
	"nuha.dev/fieldsync/internal/web"
)

func main() {
	config_path := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "log at trace level")
	hashpwd := flag.String("hashpwd", "", "print the bcrypt hash of a password for the users section and exit")
	flag.Parse()

	if *hashpwd != "" {
		h, err := util.CryptPwd(*hashpwd)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	conf, err := config.Load(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	if *debug || conf.Debug {
		log.DefaultLogger.Level = log.TraceLevel
	}

	bus, err := events.NewBus()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create event bus")
	}
	bus.Handle("upload-log", "^fieldsync\\.upload$", func(topic string, data interface{}) {
		r := data.(events.UploadResult)
		if r.Error != "" {
			log.Warn().Str("session_id", r.SessionId).Str("error", r.Error).Msg("upload result")
		}
	})

	uploaders, closers := buildUploaders(conf)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	src := simplejson.NewSource(log.DefaultLogger, simplejson.SourceConfig{ReadTimeout: conf.Device.ReadTimeout})
	var ln net.Listener
	if conf.Device.TunnelAddr != "" {
		tun := listener.NewTunnel(&listener.TunnelConfig{Addr: conf.Device.TunnelAddr, Token: conf.Device.TunnelToken, TLS: conf.Device.TunnelTLS})
		go tun.Run()
		ln = tun
	} else {
		ln, err = listener.Direct(conf.Device.ListenAddr, conf.Device.Proxy)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to listen for devices")
		}
	}
	defer ln.Close()
	go func() {
		_ = src.Serve(ln)
	}()

	mgr, err := session.NewManager(&session.Config{
		Users:          conf.UserHashes(),
		Interval:       conf.Scheduler.Interval,
		Refractory:     conf.Scheduler.Refractory,
		UploadTimeout:  conf.Scheduler.UploadTimeout,
		TokenSalt:      conf.Stream.Salt,
		TokenMinLength: conf.Stream.MinLength,
	}, &session.Param{
		Source:   src,
		Uploader: uploaders,
		Bus:      bus,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create session manager")
	}
	defer mgr.Close()

	api := web.NewApi(mgr, bus, src, &web.ApiConfig{
		ListenAddr:   conf.WebAddr,
		VerifyCSRF:   conf.VerifyCSRF,
		CookieDomain: conf.CookieDomain,
	})
	errch := make(chan error, 1)
	go func() {
		errch <- api.Run()
	}()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigch:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errch:
		log.Error().Err(err).Msg("api stopped")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.Shutdown(ctx)
}

// buildUploaders returns every configured sink behind one Uploader, plus
// the functions releasing them in order.
func buildUploaders(conf *config.Config) (upload.Multi, []func()) {
	var m upload.Multi
	var closers []func()
	u := &conf.Upload
	if u.URL != "" {
		m = append(m, httpupload.New(&httpupload.Config{URL: u.URL, Timeout: conf.Scheduler.UploadTimeout}))
	}
	if u.DbURL != "" {
		pool, err := pgxpool.Connect(context.Background(), u.DbURL)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		store := pgstore.NewStore(pool, &pgstore.StoreConfig{
			Table:       u.DbTable,
			BufSize:     u.DbBufSize,
			TickerDur:   u.DbFlush,
			MaxAgeFlush: u.DbFlush,
		})
		store.Run()
		closers = append(closers, store.Close, pool.Close)
		m = append(m, store)
	}
	if u.NatsURL != "" {
		nu, nc, err := natsupload.Connect(u.NatsURL, u.NatsSubject)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to nats")
		}
		closers = append(closers, nc.Close)
		m = append(m, nu)
	}
	if u.Log {
		m = append(m, logstore.NewStore(log.DefaultLogger))
	}
	return m, closers
}
