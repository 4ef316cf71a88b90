// Package cryptoutil implements ShadowBox's crypto primitives: the Argon2id
// KDF that turns a password into a master key, AES-256-GCM AEAD for blob and
// DEK-wrap encryption, and HKDF-SHA256 sub-key derivation for the wire-key
// hierarchy. Every fallible operation here returns a *shadowerr.Error so
// callers can branch on its Kind without string-matching: a failed AEAD
// open is IntegrityFailure (AuthFailure from UnwrapDEK), while entropy,
// HKDF, and bad key/salt/nonce size errors are all IOError.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the size in bytes of a per-box Argon2id salt.
	SaltSize = 16
	// KeySize is the size in bytes of every derived symmetric key (master
	// key, DEK, and HKDF sub-keys).
	KeySize = 32
	// NonceSize is the size in bytes of an AES-GCM nonce.
	NonceSize = 12
	// TagSize is the size in bytes of an AES-GCM authentication tag.
	TagSize = 16

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB, i.e. 64 MiB
	argonThreads = 1
)

// HKDF info strings for the sub-key hierarchy.
const (
	InfoDEKWrap = "dek-wrap"
	InfoWireV1  = "wire-v1"
)

// NewSalt returns a fresh random 16-byte Argon2id salt.
func NewSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// NewDEK returns a fresh random 32-byte data-encryption key.
func NewDEK() ([]byte, error) {
	return randomBytes(KeySize)
}

// NewNonce returns a fresh random 12-byte AES-GCM nonce. A nonce must never
// be reused under the same key; always drawing fresh entropy here is what
// guarantees that.
func NewNonce() ([]byte, error) {
	return randomBytes(NonceSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "read entropy", err)
	}
	return b, nil
}

// DeriveMasterKey runs Argon2id over password+salt to produce the 32-byte
// master key (m=64 MiB, t=3, p=1).
func DeriveMasterKey(password string, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, shadowerr.Newf(shadowerr.IOError, "kdf salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
	return key, nil
}

// SubKey derives a 32-byte sub-key from masterKey using HKDF-SHA256 with the
// given info string (e.g. InfoDEKWrap, InfoWireV1).
func SubKey(masterKey []byte, info string) ([]byte, error) {
	return hkdfDerive(masterKey, nil, info)
}

// HKDFWithSalt derives a 32-byte sub-key from secret using HKDF-SHA256 with
// an explicit salt, used by the Share Server/Client to turn (code, nonces)
// into the wire key.
func HKDFWithSalt(secret, salt []byte, info string) ([]byte, error) {
	return hkdfDerive(secret, salt, info)
}

func hkdfDerive(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "hkdf expand", err)
	}
	return out, nil
}

// Seal encrypts plaintext with AES-256-GCM under key, using the provided
// nonce (12 bytes), and returns the ciphertext and the 16-byte tag split
// apart — matching the Blob row shape, which stores nonce, tag, and
// ciphertext separately.
func Seal(key, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != NonceSize {
		return nil, nil, shadowerr.Newf(shadowerr.IOError, "nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - TagSize
	return sealed[:ctLen], sealed[ctLen:], nil
}

// Open decrypts ciphertext+tag with AES-256-GCM under key and nonce. Any
// failure — wrong key, tampered ciphertext, or wrong tag — surfaces as
// IntegrityFailure.
func Open(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, shadowerr.Newf(shadowerr.IOError, "nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IntegrityFailure, "aead open failed", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, shadowerr.Newf(shadowerr.IOError, "key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "new gcm", err)
	}
	return gcm, nil
}

// WrapDEK encrypts dek under wrapKey for storage in Box.WrappedDEK. The
// format is nonce || ciphertext || tag.
func WrapDEK(wrapKey, dek []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	ct, tag, err := Seal(wrapKey, nonce, dek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct)+len(tag))
	out = append(out, nonce...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// UnwrapDEK decrypts a Box.WrappedDEK blob produced by WrapDEK. A tag
// mismatch (wrong password) surfaces as AuthFailure.
func UnwrapDEK(wrapKey, wrapped []byte) ([]byte, error) {
	if len(wrapped) < NonceSize+TagSize {
		return nil, shadowerr.New(shadowerr.AuthFailure, "wrapped dek too short")
	}
	nonce := wrapped[:NonceSize]
	tag := wrapped[len(wrapped)-TagSize:]
	ct := wrapped[NonceSize : len(wrapped)-TagSize]

	dek, err := Open(wrapKey, nonce, ct, tag)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.AuthFailure, "unwrap dek", err)
	}
	return dek, nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual reports whether a and b are byte-for-byte equal, without
// leaking timing information — used to compare the AUTH frame's HMAC
// against the server's expectation.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zero bytes in place. Used by the Session Manager
// to scrub DEK material from memory on lock.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
