package secretbox

import (
	"encoding/base64"
	"testing"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	box, err := New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	return box
}

func TestEncryptDecrypt(t *testing.T) {
	box := testBox(t)
	ciphertext, err := box.Encrypt("binance-api-secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plaintext, err := box.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plaintext != "binance-api-secret" {
		t.Fatalf("unexpected plaintext: %s", plaintext)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	box := testBox(t)
	ciphertext, err := box.Encrypt("binance-api-secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[len(raw)-1] ^= 0xff
	if _, err := box.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatalf("tampered ciphertext must not decrypt")
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("empty key accepted")
	}
	if _, err := New("not-base64!"); err == nil {
		t.Fatalf("invalid base64 accepted")
	}
	if _, err := New(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Fatalf("short key accepted")
	}
}
