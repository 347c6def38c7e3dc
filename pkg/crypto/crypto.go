// Package crypto implements the relay's versioned envelope format for
// secrets at rest: destination passwords, and anything else stored as
// ciphertext alongside an "encryption_version" column.
//
// Tokens are self-describing strings of the form "v1.<alg>.<parts...>".
// Three algorithms are supported; all require a 32-byte master key.
package crypto

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
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	TokenVersion = "v1"

	AlgAESGCM     = "aes-256-gcm"
	AlgChaCha20   = "chacha20-poly1305"
	AlgAESCBCHMAC = "aes-256-cbc-hmac"
)

var (
	ErrKeyNotFound          = errors.New("crypto: key not found")
	ErrInvalidKeyLength     = errors.New("crypto: key must be exactly 32 bytes")
	ErrInvalidToken         = errors.New("crypto: malformed envelope token")
	ErrAuthTagMismatch      = errors.New("crypto: authentication failed")
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")
)

const cbcHMACDomain = "v1|aes-256-cbc-hmac|"

// Encrypt produces a versioned envelope token for plaintext under the given
// 32-byte master key. keyID is only consumed by aes-256-cbc-hmac, where it
// seeds HKDF subkey derivation; it is otherwise ignored.
func Encrypt(alg string, key []byte, keyID string, plaintext []byte) (string, error) {
	if len(key) != 32 {
		return "", ErrInvalidKeyLength
	}
	switch alg {
	case AlgAESGCM:
		return encryptAESGCM(key, plaintext)
	case AlgChaCha20:
		return encryptChaCha20(key, plaintext)
	case AlgAESCBCHMAC:
		return encryptCBCHMAC(key, keyID, plaintext)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// Decrypt reverses Encrypt. The token self-describes its algorithm; key must
// be the 32-byte master key material for the version the token was encrypted
// under, and keyID must match the key_id used at encryption time (only
// aes-256-cbc-hmac actually uses it).
func Decrypt(token string, key []byte, keyID string) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	parts := strings.Split(token, ".")
	if len(parts) < 3 || parts[0] != TokenVersion {
		return nil, ErrInvalidToken
	}
	alg := parts[1]
	switch alg {
	case AlgAESGCM:
		if len(parts) != 4 {
			return nil, ErrInvalidToken
		}
		return decryptAESGCM(key, parts[2], parts[3])
	case AlgChaCha20:
		if len(parts) != 4 {
			return nil, ErrInvalidToken
		}
		return decryptChaCha20(key, parts[2], parts[3])
	case AlgAESCBCHMAC:
		if len(parts) != 5 {
			return nil, ErrInvalidToken
		}
		return decryptCBCHMAC(key, keyID, parts[2], parts[3], parts[4])
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return b, nil
}

// --- aes-256-gcm -------------------------------------------------------

func encryptAESGCM(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	return fmt.Sprintf("%s.%s.%s.%s", TokenVersion, AlgAESGCM, b64(iv), b64(ct)), nil
}

func decryptAESGCM(key []byte, ivB64, ctB64 string) ([]byte, error) {
	iv, err := unb64(ivB64)
	if err != nil {
		return nil, err
	}
	ct, err := unb64(ctB64)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, ErrInvalidToken
	}
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return pt, nil
}

// --- chacha20-poly1305 --------------------------------------------------

func encryptChaCha20(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return fmt.Sprintf("%s.%s.%s.%s", TokenVersion, AlgChaCha20, b64(nonce), b64(ct)), nil
}

func decryptChaCha20(key []byte, nonceB64, ctB64 string) ([]byte, error) {
	nonce, err := unb64(nonceB64)
	if err != nil {
		return nil, err
	}
	ct, err := unb64(ctB64)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return pt, nil
}

// --- aes-256-cbc-hmac (encrypt-then-MAC) --------------------------------

func cbcSubkeys(masterKey []byte, keyID string) (encKey, macKey []byte, err error) {
	salt := sha256.Sum256([]byte(keyID))
	encKey, err = hkdfExpand(masterKey, salt[:], []byte("aes-cbc|enc"))
	if err != nil {
		return nil, nil, err
	}
	macKey, err = hkdfExpand(masterKey, salt[:], []byte("aes-cbc|mac"))
	if err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func hkdfExpand(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidToken
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidToken
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidToken
		}
	}
	return data[:len(data)-padLen], nil
}

func encryptCBCHMAC(masterKey []byte, keyID string, plaintext []byte) (string, error) {
	encKey, macKey, err := cbcSubkeys(masterKey, keyID)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := cbcHMAC(macKey, iv, ct)
	return fmt.Sprintf("%s.%s.%s.%s.%s", TokenVersion, AlgAESCBCHMAC, b64(iv), b64(ct), b64(mac)), nil
}

func decryptCBCHMAC(masterKey []byte, keyID, ivB64, ctB64, tagB64 string) ([]byte, error) {
	iv, err := unb64(ivB64)
	if err != nil {
		return nil, err
	}
	ct, err := unb64(ctB64)
	if err != nil {
		return nil, err
	}
	tag, err := unb64(tagB64)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize || len(ct)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}
	encKey, macKey, err := cbcSubkeys(masterKey, keyID)
	if err != nil {
		return nil, err
	}
	expected := cbcHMAC(macKey, iv, ct)
	if !hmac.Equal(expected, tag) {
		return nil, ErrAuthTagMismatch
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func cbcHMAC(macKey, iv, ct []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write([]byte(cbcHMACDomain))
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)
}
