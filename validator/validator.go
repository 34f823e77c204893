// Package validator implements the format-specific presentation validators:
// signature and holder-binding verification for jwt_vc_json, dc+sd-jwt and
// mso_mdoc presentations.
package validator

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

// KeyResolver returns the verification key for a credential issuer. It may
// perform I/O (did resolution, jwks fetch) and must honour the context.
type KeyResolver func(ctx context.Context, issuer string) (jwk.Key, error)

// StaticKeyResolver serves one key for every issuer. Useful for tests and
// single-issuer deployments.
func StaticKeyResolver(key jwk.Key) KeyResolver {
	return func(_ context.Context, _ string) (jwk.Key, error) {
		return key, nil
	}
}

// Dispatcher routes a validation request to the validator registered for its
// credential format.
type Dispatcher struct {
	validators map[credential.Format]verifier.PresentationValidator
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{validators: map[credential.Format]verifier.PresentationValidator{}}
}

func (d *Dispatcher) Register(format credential.Format, v verifier.PresentationValidator) {
	d.validators[format] = v
}

func (d *Dispatcher) Validate(ctx context.Context, req verifier.ValidationRequest) ([]*credential.DigitalCredential, error) {
	v, ok := d.validators[req.Format]
	if !ok {
		return nil, errors.Errorf("no validator registered for format %q", req.Format)
	}
	return v.Validate(ctx, req)
}
