package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	kioskCookieName = "polling_kiosk"
	kioskHeaderName = "X-Kiosk-Token"
	kioskDuration   = 24 * time.Hour
)

type contextKey string

const kioskContextKey contextKey = "kiosk"

// Kiosk is a registered voting terminal.
type Kiosk struct {
	ID           string    `json:"kiosk_id"`
	Label        string    `json:"label,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// KioskManager registers kiosks and authenticates them by a signed kiosk ID.
type KioskManager struct {
	secret []byte
	kiosks map[string]*Kiosk
	mu     sync.RWMutex
	now    func() time.Time
}

// NewKioskManager creates a kiosk manager. An empty secret is replaced by a random
// one, so registrations do not survive a restart.
func NewKioskManager(secret string) *KioskManager {
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &KioskManager{
		secret: key,
		kiosks: make(map[string]*Kiosk),
		now:    time.Now,
	}
}

// Register creates a new kiosk.
func (km *KioskManager) Register(label string) *Kiosk {
	now := km.now()
	k := &Kiosk{
		ID:           uuid.NewString(),
		Label:        label,
		RegisteredAt: now,
		ExpiresAt:    now.Add(kioskDuration),
	}

	km.mu.Lock()
	km.kiosks[k.ID] = k
	km.mu.Unlock()
	return k
}

// Get returns a registered, unexpired kiosk.
func (km *KioskManager) Get(kioskID string) *Kiosk {
	km.mu.RLock()
	k, ok := km.kiosks[kioskID]
	km.mu.RUnlock()
	if !ok {
		return nil
	}
	if km.now().After(k.ExpiresAt) {
		km.mu.Lock()
		delete(km.kiosks, kioskID)
		km.mu.Unlock()
		return nil
	}
	return k
}

// Token returns the signed credential of a kiosk.
func (km *KioskManager) Token(k *Kiosk) string {
	return k.ID + "." + km.signData(k.ID)
}

// SetKioskCookie sets the kiosk cookie on the response.
func (km *KioskManager) SetKioskCookie(w http.ResponseWriter, k *Kiosk) {
	http.SetCookie(w, &http.Cookie{
		Name:     kioskCookieName,
		Value:    km.Token(k),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(kioskDuration.Seconds()),
	})
}

// GetKioskFromRequest authenticates the kiosk by cookie or by the X-Kiosk-Token header.
func (km *KioskManager) GetKioskFromRequest(r *http.Request) *Kiosk {
	if cookie, err := r.Cookie(kioskCookieName); err == nil {
		if k := km.verifyToken(cookie.Value); k != nil {
			return k
		}
	}
	if header := r.Header.Get(kioskHeaderName); header != "" {
		return km.verifyToken(header)
	}
	return nil
}

func (km *KioskManager) verifyToken(token string) *Kiosk {
	kioskID, signature, ok := strings.Cut(token, ".")
	if !ok || !km.verifySignature(kioskID, signature) {
		return nil
	}
	return km.Get(kioskID)
}

func (km *KioskManager) signData(data string) string {
	h := hmac.New(sha256.New, km.secret)
	h.Write([]byte(data))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func (km *KioskManager) verifySignature(data, signature string) bool {
	expected := km.signData(data)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// RequireKiosk is middleware that requires a registered kiosk.
func RequireKiosk(km *KioskManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := km.GetKioskFromRequest(r)
			if k == nil {
				http.Error(w, `{"error": "unregistered kiosk"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(SetKioskInContext(r.Context(), k)))
		})
	}
}

// GetKioskFromContext retrieves the kiosk from the request context.
func GetKioskFromContext(ctx context.Context) *Kiosk {
	k, ok := ctx.Value(kioskContextKey).(*Kiosk)
	if !ok {
		return nil
	}
	return k
}

// SetKioskInContext adds a kiosk to the context.
// This is primarily for testing - use RequireKiosk middleware in production.
func SetKioskInContext(ctx context.Context, k *Kiosk) context.Context {
	return context.WithValue(ctx, kioskContextKey, k)
}
