package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/device/simplejson"
	"nuha.dev/fieldsync/internal/session"
)

// DeviceReporter exposes the state of the attached field device.
type DeviceReporter interface {
	Status() simplejson.DeviceStatus
}

// ServiceRegistry dispatches POST /func/{name} to a registered function by
// reflection. A function has the shape func(ctx, *Res) or
// func(ctx, *Req, *Res); requests are decoded from JSON and validated
// before the call.
type ServiceRegistry struct {
	svcs map[string]service
	*validator.Validate
	mgr    *session.Manager
	device DeviceReporter
	log    log.Logger
}

type userSessionKeyType struct{}

var userSessionKey userSessionKeyType

type service struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

func NewServiceRegistry(mgr *session.Manager, device DeviceReporter) *ServiceRegistry {
	svc := &ServiceRegistry{}
	svc.svcs = make(map[string]service)
	svc.mgr = mgr
	svc.device = device
	svc.Validate = validator.New()
	svc.log = log.DefaultLogger
	svc.log.Context = log.NewContext(nil).Str("module", "service").Value()
	return svc
}

func (sreg *ServiceRegistry) RegisterService() {
	tracking := Tracking{mgr: sreg.mgr, device: sreg.device}
	sreg.Add("GetStatus", tracking.GetStatus)
	sreg.Add("Restart", tracking.Restart)
	sreg.Add("Distance", tracking.Distance)
}

func (sreg *ServiceRegistry) Add(tag string, i interface{}) {
	s := service{}
	s.handler = reflect.ValueOf(i)
	if s.handler.Type().NumIn() == 2 {
		s.reqType = nil
		s.resType = s.handler.Type().In(1).Elem()
	} else {
		s.reqType = s.handler.Type().In(1).Elem()
		s.resType = s.handler.Type().In(2).Elem()
	}
	sreg.svcs[tag] = s
}

// Call runs the function registered as tag for the session named by the
// GSESS cookie.
func (sreg *ServiceRegistry) Call(tag string, w http.ResponseWriter, r *http.Request) {
	svc, ok := sreg.svcs[tag]
	if !ok {
		http.Error(w, fmt.Sprintf("function \"%s\" not found", tag), http.StatusNotFound)
		return
	}
	sid, err := r.Cookie("GSESS")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	sess, err := sreg.mgr.Lookup(sid.Value)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ctx := context.WithValue(r.Context(), userSessionKey, sess)

	response := reflect.New(svc.resType)
	if svc.reqType != nil {
		request := reflect.New(svc.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = sreg.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		svc.handler.Call([]reflect.Value{reflect.ValueOf(ctx), request, response})
	} else {
		svc.handler.Call([]reflect.Value{reflect.ValueOf(ctx), response})
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(response.Interface())
	if err != nil {
		sreg.log.Error().Err(err).Str("func", tag).Msg("")
	}
}

func sessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(userSessionKey).(*session.Session)
	return sess
}
