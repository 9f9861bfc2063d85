package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/events"
	"nuha.dev/fieldsync/internal/session"
	"nuha.dev/fieldsync/internal/web/login"
	"nuha.dev/fieldsync/internal/web/service"
	"nuha.dev/fieldsync/internal/web/webstream"
)

type ApiConfig struct {
	ListenAddr   string
	VerifyCSRF   bool
	CookieDomain string
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
}

func NewApi(mgr *session.Manager, bus *events.Bus, device service.DeviceReporter, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api").Value()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-XSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	svc := service.NewServiceRegistry(mgr, device)
	svc.RegisterService()
	login_handler := login.NewLoginHandler(mgr, config.CookieDomain)
	r.Post("/func/login", login_handler.Login)
	r.Group(func(r chi.Router) {
		if config.VerifyCSRF {
			r.Use(api.xsrf_verify)
		}
		r.Post("/func/logout", login_handler.Logout)
		r.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
			svc.Call(chi.URLParam(r, "name"), w, r)
		})
	})
	r.Handle("/ws", webstream.NewWebstream(mgr, bus, webstream.WebStreamConfig{}))

	api.r = r
	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until Shutdown; it returns nil after a clean shutdown.
func (api *Api) Run() error {
	api.log.Info().Str("addr", api.config.ListenAddr).Msg("starting api")
	err := api.s.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) xsrf_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hsrf := r.Header.Get("X-XSRF-TOKEN")
		ct, err := r.Cookie("GSURF")
		if err != nil || ct.Value == "" || hsrf != ct.Value {
			api.log.Debug().Err(err).Str("header_token", hsrf).Msg("mismatched csrf token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
