package validator

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/ory/go-convenience/stringslice"
	"github.com/pkg/errors"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

// JWTVCValidator verifies jwt_vc_json presentations: a compact JWS whose
// payload carries the credential under the "vc" claim.
type JWTVCValidator struct {
	resolveKey KeyResolver
}

func NewJWTVCValidator(resolveKey KeyResolver) *JWTVCValidator {
	return &JWTVCValidator{resolveKey: resolveKey}
}

func (v *JWTVCValidator) Validate(ctx context.Context, req verifier.ValidationRequest) ([]*credential.DigitalCredential, error) {
	token, err := verifyJWS(ctx, req.Presentation, v.resolveKey)
	if err != nil {
		return nil, err
	}

	if err := checkHolderBinding(token, req.Audience, req.Nonce); err != nil {
		return nil, err
	}

	vcClaim, ok := token.Get("vc")
	if !ok {
		return nil, errors.New("jwt_vc_json presentation has no vc claim")
	}
	vc, ok := vcClaim.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected vc claim type: %T", vcClaim)
	}

	claims := map[string]interface{}{}
	if subject, ok := vc["credentialSubject"].(map[string]interface{}); ok {
		for k, val := range subject {
			claims[k] = val
		}
	}

	cred := &credential.DigitalCredential{
		Format:  credential.FormatJWTVCJSON,
		Issuer:  token.Issuer(),
		Subject: token.Subject(),
		Claims:  claims,
		Raw:     req.Presentation,
	}
	if exp := token.Expiration(); !exp.IsZero() {
		cred.ValidUntil = timePtr(exp)
	}
	if nbf := token.NotBefore(); !nbf.IsZero() {
		cred.ValidFrom = timePtr(nbf)
	}
	return []*credential.DigitalCredential{cred}, nil
}

// verifyJWS parses the claims, resolves the issuer's key and verifies the
// signature.
func verifyJWS(ctx context.Context, compact string, resolveKey KeyResolver) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(compact), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt")
	}

	key, err := resolveKey(ctx, token.Issuer())
	if err != nil {
		return nil, errors.Wrapf(err, "resolve key for issuer %q", token.Issuer())
	}

	msg, err := jws.Parse([]byte(compact))
	if err != nil {
		return nil, errors.Wrap(err, "parse jws")
	}
	if len(msg.Signatures()) == 0 {
		return nil, errors.New("jws has no signature")
	}
	alg := msg.Signatures()[0].ProtectedHeaders().Algorithm()

	if _, err := jws.Verify([]byte(compact), jws.WithKey(alg, key)); err != nil {
		return nil, errors.Wrap(err, "verify signature")
	}
	return token, nil
}

func checkHolderBinding(token jwt.Token, audience, nonce string) error {
	if audience != "" && !stringslice.Has(token.Audience(), audience) {
		return errors.Errorf("audience mismatch: %v", token.Audience())
	}
	if nonce != "" {
		got, ok := token.Get("nonce")
		if !ok || got != nonce {
			return errors.New("nonce mismatch")
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
