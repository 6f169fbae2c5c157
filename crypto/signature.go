package crypto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature [R || S || V].
const SignatureLength = 65

var errInvalidSignature = errors.New("crypto: invalid signature")

// RequestDigest hashes the parts of an API request a wallet signs. The caller
// identity is recovered from the signature over this digest, never taken from
// the request body.
func RequestDigest(method, path string, timestamp int64, nonce string, body []byte) []byte {
	return crypto.Keccak256(
		[]byte(strings.ToUpper(method)),
		[]byte{'\n'},
		[]byte(path),
		[]byte{'\n'},
		[]byte(strconv.FormatInt(timestamp, 10)),
		[]byte{'\n'},
		[]byte(nonce),
		[]byte{'\n'},
		crypto.Keccak256(body),
	)
}

// Sign produces a recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the identity that produced sig over digest.
func RecoverAddress(digest, sig []byte) ([20]byte, error) {
	var out [20]byte
	if len(sig) != SignatureLength {
		return out, fmt.Errorf("%w: length %d", errInvalidSignature, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	// Accept Ethereum-style V values (27/28) as well as raw recovery ids.
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return out, fmt.Errorf("%w: %v", errInvalidSignature, err)
	}
	copy(out[:], crypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}
