package validator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/ory/go-convenience/stringslice"
	"github.com/pkg/errors"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

const kbJWTType = "kb+jwt"

// SDJWTValidator verifies dc+sd-jwt presentations: the issuer-signed JWT,
// the disclosure digests and the holder's Key Binding JWT.
type SDJWTValidator struct {
	resolveKey KeyResolver

	// requireKeyBinding rejects presentations without a KB-JWT. On by
	// default; disable only for issuance-time checks.
	requireKeyBinding bool
}

func NewSDJWTValidator(resolveKey KeyResolver) *SDJWTValidator {
	return &SDJWTValidator{resolveKey: resolveKey, requireKeyBinding: true}
}

func (v *SDJWTValidator) Validate(ctx context.Context, req verifier.ValidationRequest) ([]*credential.DigitalCredential, error) {
	parts := strings.Split(req.Presentation, "~")
	if len(parts) < 2 {
		return nil, errors.New("not an sd-jwt presentation")
	}
	issuerJWT := parts[0]
	disclosures := parts[1 : len(parts)-1]
	kbJWT := parts[len(parts)-1]

	token, err := verifyJWS(ctx, issuerJWT, v.resolveKey)
	if err != nil {
		return nil, errors.Wrap(err, "verify issuer jwt")
	}

	payload := token.PrivateClaims()
	if alg, ok := payload["_sd_alg"]; ok && alg != "sha-256" {
		return nil, errors.Errorf("unsupported _sd_alg: %v", alg)
	}

	claims, err := resolveDisclosures(payload, disclosures)
	if err != nil {
		return nil, err
	}

	if kbJWT == "" {
		if v.requireKeyBinding {
			return nil, errors.New("presentation has no key binding jwt")
		}
	} else {
		prefix := req.Presentation[:len(req.Presentation)-len(kbJWT)]
		if err := verifyKeyBinding(payload, kbJWT, prefix, req.Audience, req.Nonce); err != nil {
			return nil, errors.Wrap(err, "verify key binding")
		}
	}

	cred := &credential.DigitalCredential{
		Format:  credential.FormatDCSDJWT,
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

// resolveDisclosures checks every disclosure's digest against the _sd
// digests of the issuer payload (including digests nested in already
// resolved disclosures) and returns the disclosed claims merged with the
// payload's plain claims.
func resolveDisclosures(payload map[string]interface{}, disclosures []string) (map[string]interface{}, error) {
	digests := map[string]bool{}
	collectDigests(payload, digests)

	type decoded struct {
		name  string
		value interface{}
	}
	var resolved []decoded

	for _, disclosure := range disclosures {
		raw, err := base64.RawURLEncoding.DecodeString(disclosure)
		if err != nil {
			return nil, errors.Wrap(err, "decode disclosure")
		}

		var fields []interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "unmarshal disclosure")
		}

		// nested disclosures may carry further digests
		if len(fields) == 3 {
			collectDigests(fields[2], digests)
		}

		sum := sha256.Sum256([]byte(disclosure))
		digest := base64.RawURLEncoding.EncodeToString(sum[:])
		if !digests[digest] {
			return nil, errors.New("disclosure digest not referenced by the credential")
		}

		switch len(fields) {
		case 3:
			name, ok := fields[1].(string)
			if !ok {
				return nil, errors.New("disclosure name is not a string")
			}
			resolved = append(resolved, decoded{name: name, value: fields[2]})
		case 2:
			// array element disclosure, no claim name
		default:
			return nil, errors.Errorf("unexpected disclosure arity: %d", len(fields))
		}
	}

	claims := map[string]interface{}{}
	for k, v := range payload {
		switch k {
		case "_sd", "_sd_alg", "cnf":
			continue
		}
		claims[k] = v
	}
	for _, d := range resolved {
		claims[d.name] = d.value
	}
	return claims, nil
}

// collectDigests walks a claim tree gathering every _sd entry and every
// array-element digest ({"...": digest}).
func collectDigests(node interface{}, into map[string]bool) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if key == "_sd" {
				if list, ok := child.([]interface{}); ok {
					for _, d := range list {
						if s, ok := d.(string); ok {
							into[s] = true
						}
					}
				}
				continue
			}
			if key == "..." {
				if s, ok := child.(string); ok {
					into[s] = true
				}
				continue
			}
			collectDigests(child, into)
		}
	case []interface{}:
		for _, child := range v {
			collectDigests(child, into)
		}
	}
}

func verifyKeyBinding(payload map[string]interface{}, kbJWT, coveredPrefix, audience, nonce string) error {
	holderKey, err := confirmationKey(payload)
	if err != nil {
		return err
	}

	msg, err := jws.Parse([]byte(kbJWT))
	if err != nil {
		return errors.Wrap(err, "parse kb-jwt")
	}
	if len(msg.Signatures()) == 0 {
		return errors.New("kb-jwt has no signature")
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	if headers.Type() != kbJWTType {
		return errors.Errorf("unexpected kb-jwt typ: %q", headers.Type())
	}

	if _, err := jws.Verify([]byte(kbJWT), jws.WithKey(headers.Algorithm(), holderKey)); err != nil {
		return errors.Wrap(err, "verify kb-jwt signature")
	}

	token, err := jwt.Parse([]byte(kbJWT), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return errors.Wrap(err, "parse kb-jwt claims")
	}

	if audience != "" && !stringslice.Has(token.Audience(), audience) {
		return errors.Errorf("kb-jwt audience mismatch: %v", token.Audience())
	}
	if nonce != "" {
		got, ok := token.Get("nonce")
		if !ok || got != nonce {
			return errors.New("kb-jwt nonce mismatch")
		}
	}

	sum := sha256.Sum256([]byte(coveredPrefix))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	got, ok := token.Get("sd_hash")
	if !ok || got != expected {
		return errors.New("kb-jwt sd_hash mismatch")
	}
	return nil
}

func confirmationKey(payload map[string]interface{}) (jwk.Key, error) {
	cnf, ok := payload["cnf"].(map[string]interface{})
	if !ok {
		return nil, errors.New("credential has no cnf claim")
	}
	rawJWK, ok := cnf["jwk"]
	if !ok {
		return nil, errors.New("cnf claim has no jwk")
	}
	data, err := json.Marshal(rawJWK)
	if err != nil {
		return nil, errors.Wrap(err, "marshal cnf jwk")
	}
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse cnf jwk")
	}
	return key, nil
}
