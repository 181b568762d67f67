package security

import (
	"strings"
	"testing"
)

func TestRoundTripIndependentOfSecretLength(t *testing.T) {
	secrets := []string{
		"",
		"short",
		strings.Repeat("k", 32),
		strings.Repeat("long-master-secret-", 8),
	}
	plaintexts := []string{"", "p@ssw0rd", "密码🙂 with ünïcode", strings.Repeat("x", 4096)}

	for _, secret := range secrets {
		c, err := NewCipher(secret)
		if err != nil {
			t.Fatalf("new cipher (len %d): %v", len(secret), err)
		}
		for _, plain := range plaintexts {
			encoded, err := c.EncryptString(plain)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			got, ok := c.DecryptString(encoded)
			if !ok || got != plain {
				t.Fatalf("round trip failed for secret len %d", len(secret))
			}
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := NewCipher("secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	a, _ := c.EncryptString("same")
	b, _ := c.EncryptString("same")
	if a == b {
		t.Fatalf("expected different ciphertexts for repeated encryption")
	}
}

func TestDecryptMalformedFailsSoft(t *testing.T) {
	c, _ := NewCipher("secret")
	other, _ := NewCipher("another secret")

	encoded, _ := other.EncryptString("hidden")
	if _, ok := c.DecryptString(encoded); ok {
		t.Fatalf("decrypt with wrong key must fail")
	}
	if _, ok := c.DecryptString("not base64!!"); ok {
		t.Fatalf("invalid base64 must fail")
	}
	if _, ok := c.DecryptString("AAAA"); ok {
		t.Fatalf("short ciphertext must fail")
	}
}
