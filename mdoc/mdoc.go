// Package mdoc implements parsing and verification of ISO/IEC 18013-5
// mobile documents as they appear in OpenID4VP responses.
package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"hash"
	"io"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/veraison/go-cose"
)

type (
	DocType           string
	NameSpace         string
	ElementIdentifier string
	ElementValue      interface{}
)

// ParseDeviceResponse decodes a base64url (no padding) CBOR DeviceResponse,
// the encoding mdoc presentations travel in inside a vp_token.
func ParseDeviceResponse(data string) (*DeviceResponse, error) {
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode device response")
	}
	var response DeviceResponse
	if err := cbor.Unmarshal(raw, &response); err != nil {
		return nil, errors.Wrap(err, "unmarshal device response")
	}
	return &response, nil
}

type DeviceResponse struct {
	Version        string          `json:"version"`
	Documents      []Document      `json:"documents,omitempty"`
	DocumentErrors []DocumentError `json:"documentErrors,omitempty"`
	Status         uint            `json:"status"`
}

type Document struct {
	DocType      DocType      `json:"docType"`
	IssuerSigned IssuerSigned `json:"issuerSigned"`
	DeviceSigned DeviceSigned `json:"deviceSigned"`
	Errors       Errors       `json:"errors,omitempty"`
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces          `json:"nameSpaces,omitempty"`
	IssuerAuth cose.UntaggedSign1Message `json:"issuerAuth"`
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth.Headers.Protected == nil {
		return 0, errors.New("issuer auth has no protected header")
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

// DocumentSigningCertificateChain extracts the x5chain from the issuer auth
// unprotected headers, leaf first.
func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	if i.IssuerAuth.Headers.Unprotected == nil {
		return nil, errors.New("issuer auth has no unprotected headers")
	}

	rawChain, ok := i.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, errors.New("x5chain not found in issuer auth headers")
	}

	var der [][]byte
	switch v := rawChain.(type) {
	case [][]byte:
		der = v
	case []byte:
		der = [][]byte{v}
	default:
		return nil, errors.Errorf("unexpected x5chain type: %T", rawChain)
	}
	if len(der) == 0 {
		return nil, errors.New("empty x5chain")
	}

	certs := make([]*x509.Certificate, 0, len(der))
	for _, data := range der {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, errors.Wrap(err, "parse x5chain certificate")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func (i *IssuerSigned) DocumentSigningCertificate() (*x509.Certificate, error) {
	certs, err := i.DocumentSigningCertificateChain()
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

func (i *IssuerSigned) DocumentSigningKey() (*ecdsa.PublicKey, error) {
	cert, err := i.DocumentSigningCertificate()
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unexpected document signing key type: %T", cert.PublicKey)
	}
	return key, nil
}

// MobileSecurityObject unwraps the tag-24 payload of the issuer auth.
func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, errors.New("issuer auth has no payload")
	}

	var tagged cbor.Tag
	if err := cbor.Unmarshal(i.IssuerAuth.Payload, &tagged); err != nil {
		return nil, errors.Wrap(err, "unmarshal issuer auth payload")
	}
	content, ok := tagged.Content.([]byte)
	if !ok {
		return nil, errors.Errorf("unexpected issuer auth payload content: %T", tagged.Content)
	}

	var mso MobileSecurityObject
	if err := cbor.Unmarshal(content, &mso); err != nil {
		return nil, errors.Wrap(err, "unmarshal mobile security object")
	}
	return &mso, nil
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

type IssuerSignedItemBytes cbor.RawMessage

func (b IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(b) == 0 {
		return nil, errors.New("empty issuer signed item")
	}
	var item IssuerSignedItem
	if err := cbor.Unmarshal(b, &item); err != nil {
		return nil, errors.Wrap(err, "unmarshal issuer signed item")
	}
	item.rawBytes = b
	return &item, nil
}

// Digest hashes the tag-24 wrapped item bytes with the MSO's digest
// algorithm.
func (b IssuerSignedItemBytes) Digest(alg string) ([]byte, error) {
	wrapped, err := cbor.Marshal(cbor.Tag{Number: 24, Content: cbor.RawMessage(b)})
	if err != nil {
		return nil, errors.Wrap(err, "marshal tagged item")
	}

	var hasher hash.Hash
	switch alg {
	case "SHA-256":
		hasher = sha256.New()
	case "SHA-384":
		hasher = sha512.New384()
	case "SHA-512":
		hasher = sha512.New()
	default:
		return nil, errors.Errorf("unsupported digest algorithm: %s", alg)
	}
	hasher.Write(wrapped)
	return hasher.Sum(nil), nil
}

type IssuerSignedItem struct {
	DigestID          DigestID          `json:"digestID"`
	Random            []byte            `json:"random"`
	ElementIdentifier ElementIdentifier `json:"elementIdentifier"`
	ElementValue      ElementValue      `json:"elementValue"`

	rawBytes IssuerSignedItemBytes
}

// Value unwraps a cbor tag, typically tag 1004 around full-date strings.
func (i *IssuerSignedItem) Value() ElementValue {
	if tag, ok := i.ElementValue.(cbor.Tag); ok {
		return tag.Content
	}
	return i.ElementValue
}

type MobileSecurityObject struct {
	Version         string        `json:"version"`
	DigestAlgorithm string        `json:"digestAlgorithm"`
	ValueDigests    ValueDigests  `json:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `json:"deviceKeyInfo"`
	DocType         DocType       `json:"docType"`
	ValidityInfo    ValidityInfo  `json:"validityInfo"`
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || m.DeviceKeyInfo.DeviceKey == nil {
		return nil, errors.New("device key not available")
	}
	return parseECDSA(m.DeviceKeyInfo.DeviceKey)
}

type DeviceKeyInfo struct {
	DeviceKey         *COSEKey           `json:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `json:"keyAuthorizations,omitempty"`
	KeyInfo           *KeyInfo           `json:"keyInfo,omitempty"`
}

type COSEKey struct {
	Kty       int             `cbor:"1,keyasint,omitempty"`
	Kid       []byte          `cbor:"2,keyasint,omitempty"`
	Alg       int             `cbor:"3,keyasint,omitempty"`
	KeyOpts   int             `cbor:"4,keyasint,omitempty"`
	IV        []byte          `cbor:"5,keyasint,omitempty"`
	CrvOrNOrK cbor.RawMessage `cbor:"-1,keyasint,omitempty"`
	XOrE      cbor.RawMessage `cbor:"-2,keyasint,omitempty"`
	Y         cbor.RawMessage `cbor:"-3,keyasint,omitempty"`
	D         []byte          `cbor:"-4,keyasint,omitempty"`
}

type KeyAuthorizations struct {
	NameSpaces   []NameSpace                       `cbor:"nameSpaces,omitempty"`
	DataElements map[NameSpace][]ElementIdentifier `cbor:"dataElements,omitempty"`
}

type KeyInfo map[int]interface{}

type (
	ValueDigests map[NameSpace]DigestIDs
	DigestIDs    map[DigestID]Digest
	DigestID     uint32
	Digest       []byte
)

type ValidityInfo struct {
	Signed         time.Time `json:"signed"`
	ValidFrom      time.Time `json:"validFrom"`
	ValidUntil     time.Time `json:"validUntil"`
	ExpectedUpdate time.Time `json:"expectedUpdate,omitempty"`
}

type DeviceSigned struct {
	NameSpaces *DeviceNameSpacesBytes `json:"nameSpaces"`
	DeviceAuth *DeviceAuth            `json:"deviceAuth"`
}

type DeviceNameSpacesBytes cbor.RawMessage

type (
	DeviceNameSpaces  map[NameSpace]DeviceSignedItems
	DeviceSignedItems map[ElementIdentifier]ElementValue
)

func (d *DeviceSigned) Alg() (cose.Algorithm, error) {
	if d == nil || d.DeviceAuth == nil || d.DeviceAuth.DeviceSignature == nil {
		return 0, errors.New("device signature not available")
	}
	if d.DeviceAuth.DeviceSignature.Headers.Protected == nil {
		return 0, errors.New("device signature has no protected header")
	}
	return d.DeviceAuth.DeviceSignature.Headers.Protected.Algorithm()
}

// DeviceAuthenticationBytes builds the tag-24 wrapped DeviceAuthentication
// structure the device signature covers (ISO 18013-5, 9.1.3.4).
func (d *DeviceSigned) DeviceAuthenticationBytes(docType DocType, sessionTranscript []byte) ([]byte, error) {
	if d == nil {
		return nil, errors.New("device signed is nil")
	}
	if len(sessionTranscript) == 0 {
		return nil, errors.New("session transcript is empty")
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		cbor.Tag{Number: 24, Content: d.NameSpaces},
	}
	payload, err := cbor.Marshal(deviceAuthentication)
	if err != nil {
		return nil, errors.Wrap(err, "marshal device authentication")
	}

	wrapped, err := cbor.Marshal(cbor.Tag{Number: 24, Content: payload})
	if err != nil {
		return nil, errors.Wrap(err, "marshal tagged device authentication")
	}
	return wrapped, nil
}

type DeviceAuth struct {
	DeviceSignature *UntaggedSign1Message `json:"deviceSignature,omitempty"`
	DeviceMac       *UntaggedSign1Message `json:"deviceMac,omitempty"`
}

type (
	DocumentError map[DocType]ErrorCode
	Errors        map[NameSpace]ErrorItems
	ErrorItems    map[ElementIdentifier]ErrorCode
	ErrorCode     int
)

// COSE curve identifiers, RFC 8152 table 22.
const (
	curveP256 = 1
	curveP384 = 2
	curveP521 = 3
)

func parseECDSA(key *COSEKey) (*ecdsa.PublicKey, error) {
	if key == nil {
		return nil, errors.New("cose key is nil")
	}

	var crv int
	if err := cbor.Unmarshal(key.CrvOrNOrK, &crv); err != nil {
		return nil, errors.Wrap(err, "unmarshal curve")
	}
	var xBytes, yBytes []byte
	if err := cbor.Unmarshal(key.XOrE, &xBytes); err != nil {
		return nil, errors.Wrap(err, "unmarshal x coordinate")
	}
	if err := cbor.Unmarshal(key.Y, &yBytes); err != nil {
		return nil, errors.Wrap(err, "unmarshal y coordinate")
	}
	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, errors.New("invalid key coordinates")
	}

	var curve elliptic.Curve
	switch crv {
	case curveP256:
		curve = elliptic.P256()
	case curveP384:
		curve = elliptic.P384()
	case curveP521:
		curve = elliptic.P521()
	default:
		return nil, errors.Errorf("unsupported curve: %d", crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// UntaggedSign1Message tolerates truncated COSE_Sign1 structures some wallet
// simulators emit; an unparseable message decodes to the zero value instead
// of failing the whole device response.
type UntaggedSign1Message cose.UntaggedSign1Message

func (m *UntaggedSign1Message) Sign(rand io.Reader, external []byte, signer cose.Signer) error {
	return (*cose.UntaggedSign1Message)(m).Sign(rand, external, signer)
}

func (m *UntaggedSign1Message) Verify(external []byte, verifier cose.Verifier) error {
	return (*cose.UntaggedSign1Message)(m).Verify(external, verifier)
}

func (m *UntaggedSign1Message) MarshalCBOR() ([]byte, error) {
	return (*cose.UntaggedSign1Message)(m).MarshalCBOR()
}

func (m *UntaggedSign1Message) UnmarshalCBOR(data []byte) error {
	var msg cose.UntaggedSign1Message
	if err := cbor.Unmarshal(data, &msg); err != nil {
		*m = UntaggedSign1Message{}
		return nil
	}
	*m = UntaggedSign1Message(msg)
	return nil
}
