package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidStreamToken = errors.New("invalid stream token")

// StreamTokenIssuer mints short-lived tokens that grant websocket access
// to a single booking. Guests hold no bearer token, so this is how they
// watch their own booking live after proving contact ownership.
type StreamTokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewStreamTokenIssuer(key []byte, ttl time.Duration) *StreamTokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StreamTokenIssuer{key: key, ttl: ttl, now: time.Now}
}

func (i *StreamTokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token scoped to one booking.
func (i *StreamTokenIssuer) Issue(bookingID string) (string, time.Time, error) {
	expires := i.now().Add(i.ttl)
	claims := jwt.MapClaims{
		"sub":   bookingID,
		"scope": "stream",
		"iat":   i.now().Unix(),
		"exp":   expires.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Verify checks signature, expiry, scope, and that the token is bound to
// the requested booking.
func (i *StreamTokenIssuer) Verify(token, bookingID string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidStreamToken
		}
		return i.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return errInvalidStreamToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errInvalidStreamToken
	}
	if scope, _ := claims["scope"].(string); scope != "stream" {
		return errInvalidStreamToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub != bookingID {
		return errInvalidStreamToken
	}
	return nil
}
