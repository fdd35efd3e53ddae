package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams are the Argon2id cost settings. They are encoded into every
// hash so stored principals keep verifying after the defaults change.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
}

var defaultParams = argonParams{memory: 64 * 1024, time: 1, threads: 4}

const (
	argonKeyLen = 32
	saltLen     = 16
)

var b64 = base64.RawStdEncoding

// HashAPIKey hashes a principal's API key with Argon2id and returns the
// encoded form $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	sum := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// DummyVerify burns the same Argon2id cost as a real check. Token exchange
// calls it when the subject is unknown so timing does not reveal which
// subjects exist.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, argonKeyLen)
}

// VerifyAPIKey checks an API key against a hash produced by HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("auth: unsupported argon2 version")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode params: %w", err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, nil, nil, fmt.Errorf("auth: invalid hash params")
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	sum, err := b64.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(sum) == 0 {
		return p, nil, nil, fmt.Errorf("auth: empty hash")
	}
	return p, salt, sum, nil
}
