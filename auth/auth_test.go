package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/types"
)

var (
	oldSecret = types.JWTConfig{Issuer: "tickets", Audience: "live", Secret: "old-secret-0123456789"}
	newSecret = types.JWTConfig{Issuer: "tickets", Audience: "live", Secret: "new-secret-0123456789"}
)

func TestDecodeWithRotatedSecrets(t *testing.T) {
	world := &types.World{Id: "w", JWTSecrets: types.JWTSecrets{newSecret, oldSecret}}
	for _, cfg := range []types.JWTConfig{oldSecret, newSecret} {
		token, err := GenerateWorldToken(cfg, "user-1", []string{"attendee"}, time.Hour)
		require.NoError(t, err)
		claims, err := DecodeWorldToken(world, token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UID)
		assert.Equal(t, []string{"attendee"}, claims.Traits)
	}
}

func TestDecodeRejects(t *testing.T) {
	world := &types.World{Id: "w", JWTSecrets: types.JWTSecrets{newSecret}}

	token, err := GenerateWorldToken(oldSecret, "u", nil, time.Hour)
	require.NoError(t, err)
	_, err = DecodeWorldToken(world, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongAudience := newSecret
	wrongAudience.Audience = "other"
	token, err = GenerateWorldToken(wrongAudience, "u", nil, time.Hour)
	require.NoError(t, err)
	_, err = DecodeWorldToken(world, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = GenerateWorldToken(newSecret, "u", nil, -time.Minute)
	require.NoError(t, err)
	_, err = DecodeWorldToken(world, token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = DecodeWorldToken(&types.World{Id: "w"}, token)
	assert.ErrorIs(t, err, ErrNoSecrets)
}

func TestDecodeRejectsOtherAlgorithms(t *testing.T) {
	world := &types.World{Id: "w", JWTSecrets: types.JWTSecrets{newSecret}}
	claims := &Claims{UID: "u", RegisteredClaims: jwt.RegisteredClaims{
		Issuer: newSecret.Issuer, Audience: jwt.ClaimStrings{newSecret.Audience},
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(newSecret.Secret))
	require.NoError(t, err)
	_, err = DecodeWorldToken(world, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOIDCUnknownProvider(t *testing.T) {
	o := NewOIDC([]config.OIDCConfig{{Name: "google", ProviderUrl: "https://accounts.google.com"}})
	assert.True(t, o.Enabled())
	_, err := o.Authenticate(context.Background(), "other", "token")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
