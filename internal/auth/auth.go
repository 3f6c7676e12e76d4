package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/token"
)

type Auth interface {
	Login(w http.ResponseWriter, r *http.Request)
	Logout(w http.ResponseWriter, r *http.Request)
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const (
	HeaderSessionKey   = "X-Admin-Session"
	cookieSessionToken = "postbackcacheAdminToken"
	bearerPrefix       = "Bearer "
	bearerSession      = "bearer"
)

var (
	ErrNoCredentials  = errors.New("admin credentials required")
	ErrBadCredentials = errors.New("invalid admin token")
	ErrAuthNotEnabled = errors.New("admin access is not configured")
)

type auth struct {
	secret string
	ttl    time.Duration
	zaplog *zap.Logger
}

// NewAuth: доступ к админке по секрету secret. Пустой секрет закрывает админку полностью
func NewAuth(secret string, ttl time.Duration, zaplog *zap.Logger) Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &auth{secret: secret, ttl: ttl, zaplog: zaplog}
}

type loginJSONRequest struct {
	Token string `json:"token"`
}

func (a *auth) Login(w http.ResponseWriter, r *http.Request) {
	if a.secret == "" {
		http.Error(w, ErrAuthNotEnabled.Error(), http.StatusServiceUnavailable)
		return
	}

	var request loginJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !a.validSecret(request.Token) {
		a.zaplog.Warn("admin login rejected", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, ErrBadCredentials.Error(), http.StatusUnauthorized)
		return
	}

	sessionID := uuid.NewString()
	tokenString, err := token.BuildJWTString(a.secret, sessionID, a.ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieSessionToken,
		Value:    tokenString,
		Path:     "/api/admin",
		Expires:  time.Now().Add(a.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	a.zaplog.Info("admin logged in", zap.String("session", sessionID))
	w.WriteHeader(http.StatusOK)
}

func (a *auth) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieSessionToken,
		Value:    "",
		Path:     "/api/admin",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// сессия администратора
		sessionID, err := a.getSessionID(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		r.Header.Set(HeaderSessionKey, sessionID)

		h.ServeHTTP(w, r)
	}
}

// Bearer-секрет в заголовке либо сессионная кука
func (a *auth) getSessionID(r *http.Request) (string, error) {
	if a.secret == "" {
		return "", ErrAuthNotEnabled
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) || !a.validSecret(strings.TrimPrefix(header, bearerPrefix)) {
			return "", ErrBadCredentials
		}
		return bearerSession, nil
	}

	tokenCookie, err := r.Cookie(cookieSessionToken)
	if err != nil {
		return "", ErrNoCredentials
	}
	sessionID, err := token.GetSessionID(a.secret, tokenCookie.Value)
	if err != nil {
		return "", ErrBadCredentials
	}
	return sessionID, nil
}

func (a *auth) validSecret(candidate string) bool {
	return candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(a.secret)) == 1
}
