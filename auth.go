package chatsync

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParticipantFromToken reads the local participant id from a bearer JWT.
// The signature is not verified; the server does that. The "user_id" claim
// is preferred, then "sub".
func ParticipantFromToken(token string) (string, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return "", err
	}
	for _, key := range []string{"user_id", "sub"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", fmt.Errorf("%w: token has no user_id or sub claim", ErrAuthRejected)
}

// TokenExpiry returns the exp claim, or the zero time when absent.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

func parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return claims, nil
}
