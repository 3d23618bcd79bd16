// Package auth validates AUTH requests against a configured set of bearer
// tokens, closing a gap in both the reference implementation and the
// teacher's own token handling: comparisons run over SHA-256 digests with
// crypto/subtle.ConstantTimeCompare rather than a plain == (see DESIGN.md).
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hash returns the hex-encoded SHA-256 digest of token, the form
// configured tokens are stored and compared as.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validator checks bearer tokens against a fixed set of accepted digests.
type Validator struct {
	required    bool
	tokenHashes map[string][32]byte
}

// NewValidator builds a Validator from plaintext tokens (hashed once here)
// or, if acceptHashes is true, from already-hex-encoded SHA-256 digests —
// config may carry either, matching the reference's tokens_file/tokens_hashed
// option.
func NewValidator(required bool, tokens []string, acceptHashes bool) (*Validator, error) {
	v := &Validator{required: required, tokenHashes: make(map[string][32]byte, len(tokens))}
	for _, t := range tokens {
		var digest [32]byte
		if acceptHashes {
			raw, err := hex.DecodeString(t)
			if err != nil || len(raw) != 32 {
				return nil, errInvalidHash(t)
			}
			copy(digest[:], raw)
		} else {
			digest = sha256.Sum256([]byte(t))
		}
		v.tokenHashes[hex.EncodeToString(digest[:])] = digest
	}
	return v, nil
}

type errInvalidHash string

func (e errInvalidHash) Error() string { return "auth: invalid configured token hash: " + string(e) }

// Required reports whether AUTH must precede non-exempt operations.
func (v *Validator) Required() bool { return v.required }

// Validate checks method and token, returning true only for method=="bearer"
// and a token whose digest constant-time-matches a configured hash.
func (v *Validator) Validate(method, token string) bool {
	if method != "bearer" || token == "" {
		return false
	}
	candidate := sha256.Sum256([]byte(token))
	for _, want := range v.tokenHashes {
		if subtle.ConstantTimeCompare(candidate[:], want[:]) == 1 {
			return true
		}
	}
	return false
}
