package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/globals"
)

var ErrUnknownProvider = errors.New("unknown oidc provider")

// OIDCIdentity is what a verified ID token tells about a user.
type OIDCIdentity struct {
	Subject string
	Email   string
	Name    string
	Traits  []string
}

// OIDC verifies ID tokens of the configured providers. Provider discovery happens on first use.
type OIDC struct {
	configs   map[string]config.OIDCConfig
	verifiers map[string]*oidc.IDTokenVerifier
	sync.Mutex
}

func NewOIDC(cfgs []config.OIDCConfig) *OIDC {
	o := &OIDC{configs: map[string]config.OIDCConfig{}, verifiers: map[string]*oidc.IDTokenVerifier{}}
	for _, c := range cfgs {
		o.configs[c.Name] = c
	}
	return o
}

func (o *OIDC) Enabled() bool {
	return len(o.configs) > 0
}

func (o *OIDC) verifier(ctx context.Context, name string) (*oidc.IDTokenVerifier, config.OIDCConfig, error) {
	o.Lock()
	defer o.Unlock()
	oidcConf, ok := o.configs[name]
	if !ok {
		return nil, oidcConf, ErrUnknownProvider
	}
	if v, ok := o.verifiers[name]; ok {
		return v, oidcConf, nil
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, oidcConf, err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	v := provider.Verifier(&conf)
	o.verifiers[name] = v
	return v, oidcConf, nil
}

// Authenticate verifies a given OIDC ID-Token using the named provider.
func (o *OIDC) Authenticate(ctx context.Context, provider, idToken string) (*OIDCIdentity, error) {
	v, oidcConf, err := o.verifier(ctx, provider)
	if err != nil {
		return nil, err
	}
	verifiedIdToken, err := v.Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Debug("oidc token rejected", "provider", provider, "error", err)
		return nil, errors.Join(ErrInvalidToken, err)
	}
	claims := map[string]interface{}{}
	if err := verifiedIdToken.Claims(&claims); err != nil {
		return nil, err
	}
	ident := &OIDCIdentity{Subject: verifiedIdToken.Subject}
	ident.Email, _ = claims["email"].(string)
	ident.Name, _ = claims["name"].(string)
	if oidcConf.TraitsClaim != "" {
		if raw, ok := claims[oidcConf.TraitsClaim].([]interface{}); ok {
			for _, t := range raw {
				if s, ok := t.(string); ok {
					ident.Traits = append(ident.Traits, s)
				}
			}
		}
	}
	return ident, nil
}
