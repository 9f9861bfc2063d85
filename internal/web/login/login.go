package login

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/fieldsync/internal/scheduler"
	"nuha.dev/fieldsync/internal/session"
	"nuha.dev/fieldsync/internal/util"
)

type LoginHandler struct {
	mgr *session.Manager
	*validator.Validate
	log          log.Logger
	cookieDomain string
}

type LoginRequest struct {
	UserId   string `json:"user_id" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Status       int `json:"status"`
	*SessionInfo `json:"session_info,omitempty"`
}

type SessionInfo struct {
	SessionId string             `json:"session_id"`
	CsrfToken string             `json:"csrf_token"`
	WsToken   string             `json:"ws_token"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

type LogoutResponse struct {
	Status int `json:"status"`
}

func NewLoginHandler(mgr *session.Manager, cookieDomain string) *LoginHandler {
	l := &LoginHandler{mgr: mgr, Validate: validator.New(), cookieDomain: cookieDomain}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "login").Value()
	return l
}

func setCookie(w http.ResponseWriter, name, value, domain string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     name,
		Value:    value,
		Path:     "/func",
		Expires:  expires,
	})
}

// Login starts a tracking session. Status is -1 for wrong credentials; a
// session blocked on authorization is still a successful login and the
// snapshot tells why tracking is not running.
func (l *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	req_body := LoginRequest{}
	err := json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = l.Validate.Struct(req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := l.mgr.Login(r.Context(), req_body.UserId, req_body.Password)
	if err != nil {
		if !errors.Is(err, session.ErrBadCredentials) {
			l.log.Error().Err(err).Str("user_id", req_body.UserId).Msg("login failed")
		}
		util.JsonWrite(w, LoginResponse{Status: -1})
		return
	}
	csrf_token := util.GenRandomString(nil, 24)
	expires := time.Now().Add(12 * time.Hour)
	setCookie(w, "GSESS", sess.Id, l.cookieDomain, expires)
	setCookie(w, "GSURF", csrf_token, l.cookieDomain, expires)
	util.JsonWrite(w, LoginResponse{Status: 0, SessionInfo: &SessionInfo{
		SessionId: sess.Id,
		CsrfToken: csrf_token,
		WsToken:   sess.Token,
		Scheduler: sess.Scheduler.Snapshot(),
	}})
}

// Logout stops tracking for the session named by the GSESS cookie.
func (l *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie("GSESS")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if err = l.mgr.Logout(ck.Value); err != nil {
		util.JsonWrite(w, LogoutResponse{Status: -1})
		return
	}
	setCookie(w, "GSESS", "", l.cookieDomain, time.Unix(0, 0))
	setCookie(w, "GSURF", "", l.cookieDomain, time.Unix(0, 0))
	util.JsonWrite(w, LogoutResponse{Status: 0})
}
