package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/messagerie/server/config"
	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/types"
)

const verifierCacheSize = 8

// Identity is the result of a successful credential verification. It carries
// the stable user id plus whatever profile claims the provider exposed.
type Identity struct {
	UserId   string
	Email    string
	Name     string
	Username string
}

// Resolver verifies OIDC ID-tokens against the configured providers. Provider
// discovery happens once per provider, verified by an LRU-cached verifier.
type Resolver struct {
	cfg       *config.Config
	verifiers *lru.Cache // provider name -> *oidc.IDTokenVerifier
}

func NewResolver(cfg *config.Config) (*Resolver, error) {
	cache, err := lru.New(verifierCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, verifiers: cache}, nil
}

func (r *Resolver) verifier(ctx context.Context, providerName string) (*oidc.IDTokenVerifier, error) {
	if v, ok := r.verifiers.Get(providerName); ok {
		return v.(*oidc.IDTokenVerifier), nil
	}
	var oidcConf *config.OIDCConfig
	for i := range r.cfg.OIDCConfigs {
		if r.cfg.OIDCConfigs[i].Name == providerName {
			oidcConf = &r.cfg.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		return nil, fmt.Errorf("unknown oidc provider %q: %w", providerName, types.ErrUnauthenticated)
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifier := provider.Verifier(&conf)
	r.verifiers.Add(providerName, verifier)
	return verifier, nil
}

// Resolve verifies a given OIDC ID-Token using the named provider and returns
// the authenticated identity. It is called once per connection attempt; a
// missing or invalid token rejects the connection with ErrUnauthenticated.
func (r *Resolver) Resolve(ctx context.Context, rawToken, providerName string) (*Identity, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("no credential token: %w", types.ErrUnauthenticated)
	}
	verifier, err := r.verifier(ctx, providerName)
	if err != nil {
		return nil, err
	}
	idToken, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		globals.AppLogger.Debug("token verification failed", "provider", providerName, "error", err)
		return nil, fmt.Errorf("invalid token: %w", types.ErrUnauthenticated)
	}
	claims := struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("could not parse claims: %w", types.ErrUnauthenticated)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("empty e-mail claim: %w", types.ErrUnauthenticated)
	}
	return &Identity{
		UserId:   idToken.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		Username: claims.PreferredUsername,
	}, nil
}
