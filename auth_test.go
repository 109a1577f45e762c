package chatsync

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestParticipantFromToken(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"user_id claim", jwt.MapClaims{"user_id": "u-1", "sub": "ignored"}, "u-1"},
		{"sub claim", jwt.MapClaims{"sub": "u-2"}, "u-2"},
		{"numeric user_id", jwt.MapClaims{"user_id": 42}, "42"},
		{"empty user_id falls through", jwt.MapClaims{"user_id": "", "sub": "u-3"}, "u-3"},
	}
	for _, tt := range tests {
		t.Run("should read "+tt.name, func(t *testing.T) {
			got, err := ParticipantFromToken(signedToken(t, tt.claims))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	t.Run("should reject a token without identity", func(t *testing.T) {
		_, err := ParticipantFromToken(signedToken(t, jwt.MapClaims{"scope": "chat"}))
		require.ErrorIs(t, err, ErrAuthRejected)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := ParticipantFromToken("a.b")
		require.ErrorIs(t, err, ErrAuthRejected)
	})
}

func TestTokenExpiry(t *testing.T) {
	req := require.New(t)
	exp := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := TokenExpiry(signedToken(t, jwt.MapClaims{"sub": "u", "exp": exp.Unix()}))
	req.NoError(err)
	req.True(exp.Equal(got))

	got, err = TokenExpiry(signedToken(t, jwt.MapClaims{"sub": "u"}))
	req.NoError(err)
	req.True(got.IsZero())

	_, err = TokenExpiry(signedToken(t, jwt.MapClaims{"exp": "tomorrow"}))
	req.ErrorIs(err, ErrAuthRejected)
}
