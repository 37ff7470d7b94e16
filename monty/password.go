package monty

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"golang.org/x/crypto/argon2"
	"strings"
)

var errInvalidPasswordHash = errors.New("invalid password hash")

// argon2Params are the argon2id cost settings encoded into each stored
// hash, so hashes made with older settings still verify.
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultArgon2Params = argon2Params{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
}

func (p argon2Params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// HashPassword hashes a password using Argon2id, in the PHC string format
// stored in [RuntimeConfig.AdminPassword]:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	return hashPassword(password)
}

func hashPassword(password string) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		b64.EncodeToString(salt),
		b64.EncodeToString(p.key(password, salt)),
	), nil
}

// parsePasswordHash splits a hash made by hashPassword into its
// parameters, salt and key
func parsePasswordHash(encoded string) (p argon2Params, salt, key []byte, err error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return p, nil, nil, errInvalidPasswordHash
	}
	if _, err = fmt.Sscanf(
		fields[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads,
	); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %w", errInvalidPasswordHash, err)
	}
	b64 := base64.RawStdEncoding
	if salt, err = b64.DecodeString(fields[4]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt", errInvalidPasswordHash)
	}
	if key, err = b64.DecodeString(fields[5]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad key", errInvalidPasswordHash)
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// verifyPassword reports whether password matches storedHash
func verifyPassword(storedHash, password string) (bool, error) {
	p, salt, want, err := parsePasswordHash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, p.key(password, salt)) == 1, nil
}

// derive64ByteKey stretches the configured API secret into the 64 bytes
// used for session cookie authentication
func derive64ByteKey(input string) []byte {
	sum := sha512.Sum512([]byte(input))
	return sum[:]
}
