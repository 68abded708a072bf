package bff

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/giantswarm/oidc-bff/provider"
)

// hostPrefix locks a cookie to this exact host over HTTPS. Browsers refuse
// __Host- cookies that are not Secure with path "/".
const hostPrefix = "__Host-"

// cookieManager writes and reads the three cookies the mediator uses: the
// opaque session ID, the login attempt transport token, and the public
// display profile. Token material never appears in any of them.
type cookieManager struct {
	secure       bool
	sessionName  string
	attemptName  string
	userInfoName string
}

func newCookieManager(cfg CookieConfig) *cookieManager {
	m := &cookieManager{
		secure:       cfg.Secure,
		sessionName:  cfg.SessionName,
		attemptName:  cfg.AttemptName,
		userInfoName: cfg.UserInfoName,
	}
	if cfg.Secure {
		m.sessionName = hostPrefix + cfg.SessionName
		m.attemptName = hostPrefix + cfg.AttemptName
		m.userInfoName = hostPrefix + cfg.UserInfoName
	}
	return m
}

// setPrivate writes an httpOnly first-party cookie.
func (m *cookieManager) setPrivate(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *cookieManager) setSession(w http.ResponseWriter, sessionID string, maxAge int) {
	m.setPrivate(w, m.sessionName, sessionID, maxAge)
}

func (m *cookieManager) setAttempt(w http.ResponseWriter, transportToken string, maxAge int) {
	m.setPrivate(w, m.attemptName, transportToken, maxAge)
}

// setUserInfo writes the display profile cookie. It is deliberately readable
// by frontend JavaScript and carries no authority: purely convenience data
// for rendering before the first API call.
func (m *cookieManager) setUserInfo(w http.ResponseWriter, profile *provider.Profile, maxAge int) {
	data, err := json.Marshal(profile)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.userInfoName,
		Value:    base64.RawURLEncoding.EncodeToString(data),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *cookieManager) session(r *http.Request) string {
	c, err := r.Cookie(m.sessionName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (m *cookieManager) attempt(r *http.Request) string {
	c, err := r.Cookie(m.attemptName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (m *cookieManager) clearSession(w http.ResponseWriter) {
	m.setPrivate(w, m.sessionName, "", -1)
}

func (m *cookieManager) clearAttempt(w http.ResponseWriter) {
	m.setPrivate(w, m.attemptName, "", -1)
}

func (m *cookieManager) clearUserInfo(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.userInfoName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
