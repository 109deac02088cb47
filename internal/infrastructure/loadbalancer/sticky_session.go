package loadbalancer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// StickySessionManager keeps a client on the node it was first assigned by
// carrying a signed session id in a cookie.
type StickySessionManager struct {
	secretKey  []byte
	cookieName string
	maxAge     int
	secure     bool
}

func NewStickySessionManager(secretKey string, cookieName string, maxAge int, secure bool) *StickySessionManager {
	return &StickySessionManager{
		secretKey:  []byte(secretKey),
		cookieName: cookieName,
		maxAge:     maxAge,
		secure:     secure,
	}
}

// SessionID returns the session carried by the request, or a new one.
// existing reports whether the cookie was present and correctly signed.
func (s *StickySessionManager) SessionID(r *http.Request) (id string, existing bool) {
	if id, ok := s.FromRequest(r); ok {
		return id, true
	}
	return uuid.NewString(), false
}

// FromRequest returns the session id of a validly signed cookie.
func (s *StickySessionManager) FromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return s.Verify(cookie.Value)
}

// SetSessionCookie sets the session cookie in the response
func (s *StickySessionManager) SetSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    s.Sign(sessionID),
		Path:     "/",
		MaxAge:   s.maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (s *StickySessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Sign signs a session ID with HMAC
func (s *StickySessionManager) Sign(sessionID string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(sessionID))
	return fmt.Sprintf("%s.%s", sessionID, hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a signed value and returns the session id it carries.
func (s *StickySessionManager) Verify(value string) (string, bool) {
	idx := strings.LastIndex(value, ".")
	if idx <= 0 {
		return "", false
	}
	sessionID := value[:idx]
	if !hmac.Equal([]byte(value), []byte(s.Sign(sessionID))) {
		return "", false
	}
	return sessionID, true
}
