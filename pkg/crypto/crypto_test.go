package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func mustKey(t *testing.T, seed byte) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestRoundTrip(t *testing.T) {
	algs := []string{AlgAESGCM, AlgChaCha20, AlgAESCBCHMAC}
	plaintext := []byte("s3cr3t-destination-password")

	for _, alg := range algs {
		key := mustKey(t, 1)
		token, err := Encrypt(alg, key, "PRIMARY", plaintext)
		if err != nil {
			t.Fatalf("%s: Encrypt failed: %v", alg, err)
		}
		if !strings.HasPrefix(token, "v1."+alg+".") {
			t.Fatalf("%s: unexpected token shape: %s", alg, token)
		}
		got, err := Decrypt(token, key, "PRIMARY")
		if err != nil {
			t.Fatalf("%s: Decrypt failed: %v", alg, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("%s: expected %q, got %q", alg, plaintext, got)
		}
	}
}

func TestAuthTagTamper(t *testing.T) {
	algs := []string{AlgAESGCM, AlgChaCha20, AlgAESCBCHMAC}
	for _, alg := range algs {
		key := mustKey(t, 2)
		token, err := Encrypt(alg, key, "PRIMARY", []byte("payload"))
		if err != nil {
			t.Fatalf("%s: Encrypt failed: %v", alg, err)
		}
		parts := strings.Split(token, ".")
		tampered := flipLastByte(t, parts[len(parts)-1])
		parts[len(parts)-1] = tampered
		badToken := strings.Join(parts, ".")

		if _, err := Decrypt(badToken, key, "PRIMARY"); err == nil {
			t.Errorf("%s: expected decrypt to fail on tampered tag", alg)
		}
	}
}

func flipLastByte(t *testing.T, encoded string) string {
	t.Helper()
	raw, err := unb64(encoded)
	if err != nil {
		t.Fatalf("unb64: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty decoded value")
	}
	raw[len(raw)-1] ^= 0xFF
	return b64(raw)
}

func TestCBCHMACKeyIsolation(t *testing.T) {
	master := mustKey(t, 3)
	token, err := Encrypt(AlgAESCBCHMAC, master, "TENANT_A", []byte("value"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(token, master, "TENANT_B"); err == nil {
		t.Error("expected decrypt under a different key_id to fail")
	}
	if _, err := Decrypt(token, master, "TENANT_A"); err != nil {
		t.Errorf("decrypt under the matching key_id should succeed: %v", err)
	}
}

func TestInvalidKeyLength(t *testing.T) {
	if _, err := Encrypt(AlgAESGCM, []byte("tooshort"), "k", []byte("x")); err != ErrInvalidKeyLength {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	key := mustKey(t, 4)
	if _, err := Encrypt("rot13", key, "k", []byte("x")); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}
