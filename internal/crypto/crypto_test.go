package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := "sk-ant-REDACTED"

	encrypted, err := Encrypt(original, "test-master-passphrase")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !IsEncrypted(encrypted) {
		t.Fatalf("expected encrypted value to start with %q prefix, got %q", encPrefix, encrypted)
	}

	if encrypted == original {
		t.Fatal("encrypted value should differ from plaintext")
	}

	decrypted, err := Decrypt(encrypted, "test-master-passphrase")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if decrypted != original {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, original)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	encrypted, err := Encrypt("", "test-master-passphrase")
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}

	if encrypted != "" {
		t.Fatalf("encrypting empty string should return empty, got %q", encrypted)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	// A value without the "enc:v1:" prefix should be returned as-is.
	plain := "sk-plain-api-key"
	result, err := Decrypt(plain, "test-master-passphrase")
	if err != nil {
		t.Fatalf("Decrypt plaintext: %v", err)
	}

	if result != plain {
		t.Fatalf("plaintext passthrough failed: got %q, want %q", result, plain)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := Encrypt("secret", "correct-passphrase")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(encrypted, "wrong-passphrase")
	if err == nil {
		t.Fatal("expected error when decrypting with wrong passphrase")
	}
}

func TestEncryptEmptyPassphraseErrors(t *testing.T) {
	if _, err := Encrypt("secret", ""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"enc:v1:abc123", true},
		{"enc:v1:", true},
		{"enc:abc", false}, // legacy v0 prefix no longer recognized
		{"ENC:V1:abc", false},
		{"plaintext", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsEncrypted(tt.value); got != tt.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	key1 := DeriveKey("passphrase", salt)
	key2 := DeriveKey("passphrase", salt)

	if len(key1) != 32 {
		t.Fatalf("key length = %d, want 32", len(key1))
	}
	if string(key1) != string(key2) {
		t.Fatal("same passphrase+salt should derive the same key")
	}

	key3 := DeriveKey("different-passphrase", salt)
	if string(key1) == string(key3) {
		t.Fatal("different passphrases should derive different keys")
	}

	key4 := DeriveKey("passphrase", []byte("fedcba9876543210"))
	if string(key1) == string(key4) {
		t.Fatal("different salts should derive different keys")
	}
}

func TestEncryptUniqueSaltsAndNonces(t *testing.T) {
	plain := "same-plaintext"

	enc1, _ := Encrypt(plain, "passphrase")
	enc2, _ := Encrypt(plain, "passphrase")

	if enc1 == enc2 {
		t.Fatal("two encryptions of the same plaintext should produce different ciphertext (unique salt/nonce)")
	}

	dec1, _ := Decrypt(enc1, "passphrase")
	dec2, _ := Decrypt(enc2, "passphrase")

	if dec1 != plain || dec2 != plain {
		t.Fatalf("both should decrypt to %q, got %q and %q", plain, dec1, dec2)
	}
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	if _, err := Decrypt(encPrefix+"YWJj", "passphrase"); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
	if !strings.HasPrefix(encPrefix, "enc:v1:") {
		t.Fatal("sanity: prefix constant drifted")
	}
}
