package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tcriess/lightspeed-live/types"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrNoSecrets    = errors.New("world has no token secrets")
)

// Claims are the claims of a world token. UID identifies the user inside the world, Traits feed
// the permission engine.
type Claims struct {
	UID     string                 `json:"uid"`
	Traits  []string               `json:"traits"`
	Profile map[string]interface{} `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// DecodeWorldToken validates token against each of the world's secrets in turn (HS256, issuer and
// audience of that secret, expiry). An expired token is rejected right away.
func DecodeWorldToken(world *types.World, token string) (*Claims, error) {
	if len(world.JWTSecrets) == 0 {
		return nil, ErrNoSecrets
	}
	var lastErr error
	for _, cfg := range world.JWTSecrets {
		secret := []byte(cfg.Secret)
		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
		)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if err != nil {
			lastErr = err
			continue
		}
		if !parsed.Valid {
			continue
		}
		if claims.UID == "" {
			claims.UID = claims.Subject
		}
		if claims.UID == "" {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}
	if lastErr != nil {
		return nil, errors.Join(ErrInvalidToken, lastErr)
	}
	return nil, ErrInvalidToken
}

// GenerateWorldToken signs a token for the given secret configuration.
func GenerateWorldToken(cfg types.JWTConfig, uid string, traits []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UID:    uid,
		Traits: traits,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}
