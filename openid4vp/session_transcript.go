package openid4vp

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SessionTranscript reconstructs the OID4VPHandover session transcript used
// for mdoc device authentication (ISO/IEC 18013-7).
//
// mdocGeneratedNonce is the base64url (no padding) apu value from an
// encrypted response; empty for unencrypted direct_post responses.
//
// https://github.com/eu-digital-identity-wallet/eudi-lib-android-wallet-core/blob/main/wallet-core/src/main/java/eu/europa/ec/eudi/wallet/internal/Openid4VpUtils.kt
func SessionTranscript(nonce, clientID, responseURI, mdocGeneratedNonce string) ([]byte, error) {
	decodedNonce, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(mdocGeneratedNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mdocGeneratedNonce: %w", err)
	}

	clientIDToHash, err := cbor.Marshal([]interface{}{clientID, string(decodedNonce)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode client id: %w", err)
	}
	responseURIToHash, err := cbor.Marshal([]interface{}{responseURI, string(decodedNonce)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response uri: %w", err)
	}

	clientIDHash := sha256.Sum256(clientIDToHash)
	responseURIHash := sha256.Sum256(responseURIToHash)

	transcript, err := cbor.Marshal([]interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		[]interface{}{ // OID4VPHandover
			clientIDHash[:],
			responseURIHash[:],
			nonce,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}
