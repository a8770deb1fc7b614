// Package cryptutil implements authenticated encryption for persisted
// connection-string credentials, plus key rotation over the operational
// store. See spec §4.2.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	nonceSize = 12
	saltSize  = 16
)

// Encrypt seals plaintext under the AES-256-GCM key keyHex (32 bytes, hex
// encoded). The stored blob is base64(nonce ‖ ciphertext+tag ‖ aad) then hex.
func Encrypt(keyHex, plaintext string) (string, error) {
	aead, err := newAEAD(keyHex)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	aad := make([]byte, saltSize)
	if _, err := rand.Read(aad); err != nil {
		return "", fmt.Errorf("generate aad: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), aad)

	blob := make([]byte, 0, len(nonce)+len(sealed)+len(aad))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	blob = append(blob, aad...)

	b64 := base64.StdEncoding.EncodeToString(blob)
	return hex.EncodeToString([]byte(b64)), nil
}

// Decrypt opens a blob produced by Encrypt under keyHex. ok is false (with a
// nil error) on authentication failure, which callers use to detect a stale
// key during rotation rather than treating it as a hard error.
func Decrypt(keyHex, cipherHex string) (plaintext string, ok bool, err error) {
	aead, err := newAEAD(keyHex)
	if err != nil {
		return "", false, err
	}

	b64Bytes, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", false, fmt.Errorf("decode hex: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(string(b64Bytes))
	if err != nil {
		return "", false, fmt.Errorf("decode base64: %w", err)
	}
	if len(blob) < nonceSize+saltSize+aead.Overhead() {
		return "", false, fmt.Errorf("ciphertext too short")
	}

	nonce := blob[:nonceSize]
	aad := blob[len(blob)-saltSize:]
	sealed := blob[nonceSize : len(blob)-saltSize]

	opened, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", false, nil
	}
	return string(opened), true, nil
}

func newAEAD(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
