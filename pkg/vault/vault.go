// Package vault encrypts credential material at rest. Secrets are sealed with
// AES-256-CBC, authenticated with HMAC-SHA256 over the ciphertext, and stored
// as base64(iv || mac || ciphertext).
//
// When constructed without a key the vault degrades to a pass-through: Encrypt
// and Decrypt return their input unchanged. This mode exists for installations
// that predate encryption and is insecure; configure VAULT_KEY in production.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrIntegrity reports a MAC mismatch: the blob was tampered with or was
	// sealed under a different key.
	ErrIntegrity = errors.New("vault: integrity check failed")
	// ErrMalformed reports a blob too short to contain iv, mac and ciphertext.
	ErrMalformed = errors.New("vault: malformed blob")
)

const (
	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

// Vault seals and opens secrets under a per-installation key.
type Vault struct {
	encKey []byte
	macKey []byte
}

// New derives encryption and MAC keys from the configured secret. An empty
// secret yields a pass-through vault.
func New(secret string) *Vault {
	if secret == "" {
		return &Vault{}
	}
	enc := sha256.Sum256([]byte("enc:" + secret))
	mac := sha256.Sum256([]byte("mac:" + secret))
	return &Vault{encKey: enc[:], macKey: mac[:]}
}

// Enabled reports whether a key is configured.
func (v *Vault) Enabled() bool {
	return len(v.encKey) > 0
}

// Encrypt seals plaintext. Pass-through when no key is configured.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if !v.Enabled() {
		return plaintext, nil
	}
	block, err := aes.NewCipher(v.encKey)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: read iv: %w", err)
	}
	padded := pad(plaintext)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, v.macKey)
	mac.Write(ct)

	blob := make([]byte, 0, ivSize+macSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, mac.Sum(nil)...)
	blob = append(blob, ct...)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(blob)))
	base64.StdEncoding.Encode(out, blob)
	return out, nil
}

// Decrypt opens a sealed blob. The MAC is recomputed over the ciphertext and
// compared in constant time; a mismatch returns ErrIntegrity, which is distinct
// from the no-key pass-through mode.
func (v *Vault) Decrypt(sealed []byte) ([]byte, error) {
	if !v.Enabled() {
		return sealed, nil
	}
	blob := make([]byte, base64.StdEncoding.DecodedLen(len(sealed)))
	n, err := base64.StdEncoding.Decode(blob, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	blob = blob[:n]
	if len(blob) < ivSize+macSize+aes.BlockSize {
		return nil, ErrMalformed
	}
	iv := blob[:ivSize]
	storedMAC := blob[ivSize : ivSize+macSize]
	ct := blob[ivSize+macSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrMalformed
	}

	mac := hmac.New(sha256.New, v.macKey)
	mac.Write(ct)
	if !hmac.Equal(storedMAC, mac.Sum(nil)) {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(v.encKey)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return unpad(plain)
}

// EncryptString is a convenience wrapper for string secrets.
func (v *Vault) EncryptString(plaintext string) ([]byte, error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString opens a sealed blob as a string.
func (v *Vault) DecryptString(sealed []byte) (string, error) {
	plain, err := v.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// pad applies PKCS#7 padding to a full block multiple.
func pad(in []byte) []byte {
	n := aes.BlockSize - len(in)%aes.BlockSize
	out := make([]byte, len(in)+n)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrMalformed
	}
	n := int(in[len(in)-1])
	if n == 0 || n > aes.BlockSize || n > len(in) {
		return nil, ErrMalformed
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, ErrMalformed
		}
	}
	return in[:len(in)-n], nil
}
