// Package policy provides the registry of named credential policies and the
// built-in policy catalogue.
package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/ory/go-convenience/stringslice"
	"github.com/pkg/errors"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

// Factory builds a policy instance from the descriptor's decoded arguments.
type Factory func(args map[string]interface{}) (verifier.Policy, error)

// Registry resolves policy descriptors. A descriptor is either a bare policy
// name ("not-expired") or an object {"policy": "allowed-issuer", "args":
// {...}}.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in policies.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{factories: map[string]Factory{}}
	r.Register(PolicyNotExpired, func(_ map[string]interface{}) (verifier.Policy, error) {
		return NotExpired(clk), nil
	})
	r.Register(PolicyNotBefore, func(_ map[string]interface{}) (verifier.Policy, error) {
		return NotBefore(clk), nil
	})
	r.Register(PolicyAllowedIssuer, func(args map[string]interface{}) (verifier.Policy, error) {
		var cfg AllowedIssuerArgs
		if err := mapstructure.Decode(args, &cfg); err != nil {
			return nil, errors.Wrap(err, "decode allowed-issuer args")
		}
		return AllowedIssuer(cfg)
	})
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

func (r *Registry) Resolve(raw json.RawMessage) (verifier.Policy, error) {
	var name string
	args := map[string]interface{}{}

	if err := json.Unmarshal(raw, &name); err != nil {
		var descriptor struct {
			Policy string                 `json:"policy"`
			Args   map[string]interface{} `json:"args"`
		}
		if err := json.Unmarshal(raw, &descriptor); err != nil {
			return nil, errors.Wrap(err, "decode policy descriptor")
		}
		name = descriptor.Policy
		args = descriptor.Args
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.Errorf("unknown policy %q", name)
	}
	return factory(args)
}

const (
	PolicyNotExpired    = "not-expired"
	PolicyNotBefore     = "not-before"
	PolicyAllowedIssuer = "allowed-issuer"
)

type policyFunc struct {
	id string
	fn func(ctx context.Context, cred *credential.DigitalCredential) (interface{}, error)
}

func (p *policyFunc) ID() string { return p.id }

func (p *policyFunc) Verify(ctx context.Context, cred *credential.DigitalCredential) (interface{}, error) {
	return p.fn(ctx, cred)
}

// NotExpired fails when the credential's validity window has ended.
// Credentials without an end date pass.
func NotExpired(clk clock.Clock) verifier.Policy {
	return &policyFunc{
		id: PolicyNotExpired,
		fn: func(_ context.Context, cred *credential.DigitalCredential) (interface{}, error) {
			if cred.ValidUntil == nil {
				return "no expiration date", nil
			}
			now := clk.Now()
			if now.After(*cred.ValidUntil) {
				return nil, errors.Errorf("credential expired at %s", cred.ValidUntil.Format(time.RFC3339))
			}
			return cred.ValidUntil.Format(time.RFC3339), nil
		},
	}
}

// NotBefore fails when the credential is not yet valid.
func NotBefore(clk clock.Clock) verifier.Policy {
	return &policyFunc{
		id: PolicyNotBefore,
		fn: func(_ context.Context, cred *credential.DigitalCredential) (interface{}, error) {
			if cred.ValidFrom == nil {
				return "no validity start date", nil
			}
			now := clk.Now()
			if now.Before(*cred.ValidFrom) {
				return nil, errors.Errorf("credential not valid before %s", cred.ValidFrom.Format(time.RFC3339))
			}
			return cred.ValidFrom.Format(time.RFC3339), nil
		},
	}
}

type AllowedIssuerArgs struct {
	Issuers []string `mapstructure:"issuers"`
}

// AllowedIssuer fails unless the credential's issuer is in the configured
// allow list.
func AllowedIssuer(cfg AllowedIssuerArgs) (verifier.Policy, error) {
	if len(cfg.Issuers) == 0 {
		return nil, errors.New("allowed-issuer requires a non-empty issuers list")
	}
	return &policyFunc{
		id: PolicyAllowedIssuer,
		fn: func(_ context.Context, cred *credential.DigitalCredential) (interface{}, error) {
			if !stringslice.Has(cfg.Issuers, cred.Issuer) {
				return nil, errors.Errorf("issuer %q is not allowed", cred.Issuer)
			}
			return cred.Issuer, nil
		},
	}, nil
}
