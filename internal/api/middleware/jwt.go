package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// streamTokenTTL bounds how long after issue a call may open its media
// stream. It covers ringing plus carrier setup.
const streamTokenTTL = 10 * time.Minute

const streamTokenIssuer = "voicebridge"

// ErrStreamToken is returned for missing, invalid or mismatched stream tokens.
var ErrStreamToken = errors.New("invalid stream token")

// StreamClaims bind a media stream to the call it was issued for.
type StreamClaims struct {
	Direction  string `json:"dir"`
	To         string `json:"to"`
	LeadID     string `json:"lead,omitempty"`
	BusinessID string `json:"biz,omitempty"`
	jwt.RegisteredClaims
}

// GenerateStreamToken signs a token that authorizes one media stream.
func GenerateStreamToken(secret []byte, direction, to, leadID, businessID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(streamTokenTTL)

	claims := StreamClaims{
		Direction:  direction,
		To:         to,
		LeadID:     leadID,
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    streamTokenIssuer,
			Subject:   to,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyStreamToken checks a token's signature and expiry and that its
// claims match the parameters the stream presented.
func VerifyStreamToken(secret []byte, token, direction, to, leadID, businessID string) (*StreamClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing", ErrStreamToken)
	}

	claims := &StreamClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrStreamToken, err)
	}
	if claims.Issuer != streamTokenIssuer {
		return nil, fmt.Errorf("%w: wrong issuer", ErrStreamToken)
	}
	if claims.Direction != direction || claims.To != to || claims.LeadID != leadID || claims.BusinessID != businessID {
		return nil, fmt.Errorf("%w: parameters do not match", ErrStreamToken)
	}
	return claims, nil
}
