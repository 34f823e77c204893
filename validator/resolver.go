package validator

import (
	"context"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
)

// JWKSKeyResolver resolves issuer keys by fetching the issuer's published
// JWK set. Issuers that are not https URLs are rejected.
func JWKSKeyResolver() KeyResolver {
	cache := jwk.NewCache(context.Background())

	return func(ctx context.Context, issuer string) (jwk.Key, error) {
		if !strings.HasPrefix(issuer, "https://") {
			return nil, errors.Errorf("cannot resolve keys for issuer %q", issuer)
		}
		jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"

		if err := cache.Register(jwksURL); err != nil {
			return nil, errors.Wrap(err, "register jwks url")
		}
		set, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch jwks for issuer %q", issuer)
		}
		key, ok := set.Key(0)
		if !ok {
			return nil, errors.Errorf("issuer %q published an empty jwk set", issuer)
		}
		return key, nil
	}
}
