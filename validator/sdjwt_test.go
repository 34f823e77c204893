package validator

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

func encodeDisclosure(t *testing.T, fields ...interface{}) string {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func disclosureDigest(disclosure string) string {
	sum := sha256.Sum256([]byte(disclosure))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func jwkToMap(t *testing.T, key jwk.Key) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(key)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

type sdjwtFixture struct {
	issuerKey *ecdsa.PrivateKey
	issuerPub jwk.Key
	holderKey *ecdsa.PrivateKey

	disclosure string
	issuerJWT  string
}

func newSDJWTFixture(t *testing.T) *sdjwtFixture {
	t.Helper()

	issuerKey, issuerPub := newSigningKey(t)
	holderKey, holderPub := newSigningKey(t)

	disclosure := encodeDisclosure(t, "salt-123", "family_name", "Mustermann")

	token, err := jwt.NewBuilder().
		Issuer(testIssuer).
		Subject("did:example:holder").
		NotBefore(time.Now().Add(-time.Hour)).
		Expiration(time.Now().Add(time.Hour)).
		Claim("vct", "urn:eudi:pid:1").
		Claim("_sd", []string{disclosureDigest(disclosure)}).
		Claim("_sd_alg", "sha-256").
		Claim("cnf", map[string]interface{}{"jwk": jwkToMap(t, holderPub)}).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, issuerKey))
	require.NoError(t, err)

	return &sdjwtFixture{
		issuerKey:  issuerKey,
		issuerPub:  issuerPub,
		holderKey:  holderKey,
		disclosure: disclosure,
		issuerJWT:  string(signed),
	}
}

// presentation assembles "<issuer-jwt>~<disclosures...>~<kb-jwt>".
func (f *sdjwtFixture) presentation(t *testing.T, disclosures []string, nonce string) string {
	t.Helper()

	prefix := f.issuerJWT + "~"
	for _, d := range disclosures {
		prefix += d + "~"
	}

	sum := sha256.Sum256([]byte(prefix))
	kbToken, err := jwt.NewBuilder().
		Audience([]string{testAudience}).
		IssuedAt(time.Now()).
		Claim("nonce", nonce).
		Claim("sd_hash", base64.RawURLEncoding.EncodeToString(sum[:])).
		Build()
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.TypeKey, kbJWTType))
	kbJWT, err := jwt.Sign(kbToken, jwt.WithKey(jwa.ES256, f.holderKey, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)

	return prefix + string(kbJWT)
}

func TestSDJWTValidator(t *testing.T) {
	f := newSDJWTFixture(t)
	v := NewSDJWTValidator(StaticKeyResolver(f.issuerPub))

	creds, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: f.presentation(t, []string{f.disclosure}, testNonce),
		Format:       credential.FormatDCSDJWT,
		Audience:     testAudience,
		Nonce:        testNonce,
	})
	require.NoError(t, err)
	require.Len(t, creds, 1)

	cred := creds[0]
	assert.Equal(t, credential.FormatDCSDJWT, cred.Format)
	assert.Equal(t, testIssuer, cred.Issuer)
	assert.Equal(t, "Mustermann", cred.Claims["family_name"])
	assert.Equal(t, "urn:eudi:pid:1", cred.Claims["vct"])
	assert.NotContains(t, cred.Claims, "_sd")
	assert.NotContains(t, cred.Claims, "cnf")
}

func TestSDJWTValidatorRejectsForgedDisclosure(t *testing.T) {
	f := newSDJWTFixture(t)
	v := NewSDJWTValidator(StaticKeyResolver(f.issuerPub))

	forged := encodeDisclosure(t, "salt-123", "family_name", "Hacker")

	_, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: f.presentation(t, []string{forged}, testNonce),
		Audience:     testAudience,
		Nonce:        testNonce,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not referenced")
}

func TestSDJWTValidatorRejectsWrongNonce(t *testing.T) {
	f := newSDJWTFixture(t)
	v := NewSDJWTValidator(StaticKeyResolver(f.issuerPub))

	_, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: f.presentation(t, []string{f.disclosure}, "stale-nonce"),
		Audience:     testAudience,
		Nonce:        testNonce,
	})
	assert.Error(t, err)
}

func TestSDJWTValidatorRequiresKeyBinding(t *testing.T) {
	f := newSDJWTFixture(t)
	v := NewSDJWTValidator(StaticKeyResolver(f.issuerPub))

	_, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: f.issuerJWT + "~" + f.disclosure + "~",
		Audience:     testAudience,
		Nonce:        testNonce,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key binding")
}

func TestSDJWTValidatorRejectsTamperedSDHash(t *testing.T) {
	f := newSDJWTFixture(t)
	v := NewSDJWTValidator(StaticKeyResolver(f.issuerPub))

	// KB-JWT computed without the disclosure, then disclosure appended
	presentation := f.presentation(t, nil, testNonce)
	parts := presentation[:len(f.issuerJWT)+1] + f.disclosure + "~" + presentation[len(f.issuerJWT)+1:]

	_, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: parts,
		Audience:     testAudience,
		Nonce:        testNonce,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sd_hash")
}

func TestSDJWTValidatorRejectsNonSDJWT(t *testing.T) {
	f := newSDJWTFixture(t)
	v := NewSDJWTValidator(StaticKeyResolver(f.issuerPub))

	_, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: f.issuerJWT,
	})
	assert.Error(t, err)
}
