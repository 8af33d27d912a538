package ballot

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
)

const tokenIssuer = "polling-kiosk"

// AdmitToken is the single-use proof that a session passed verification.
type AdmitToken struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	IdentityRef string    `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Signed      string    `json:"token"`
}

type admitClaims struct {
	SessionID   string `json:"sid"`
	IdentityRef string `json:"ref"`
	jwt.RegisteredClaims
}

// Signer signs and verifies admission tokens with HS256.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a signer. An empty secret gets a random one, which is fine
// for a single kiosk server but invalidates tokens across restarts.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if ttl <= 0 {
		ttl = constants.DefaultAdmitTokenTTL
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}
	return &Signer{secret: key, ttl: ttl}, nil
}

// TTL returns how long issued tokens stay valid.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Sign fills in token.Signed.
func (s *Signer) Sign(token *AdmitToken) error {
	claims := admitClaims{
		SessionID:   token.SessionID,
		IdentityRef: token.IdentityRef,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("signing admit token: %w", err)
	}
	token.Signed = signed
	return nil
}

// Parse verifies a signed token and returns its contents.
func (s *Signer) Parse(signed string) (*AdmitToken, error) {
	claims := &admitClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing admit token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("admit token is not valid")
	}
	if claims.SessionID == "" || claims.ID == "" {
		return nil, errors.New("admit token is missing session or token id")
	}
	token := &AdmitToken{
		ID:          claims.ID,
		SessionID:   claims.SessionID,
		IdentityRef: claims.IdentityRef,
		Signed:      signed,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}
