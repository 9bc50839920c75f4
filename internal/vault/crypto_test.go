package vault

import (
	"errors"
	"testing"
)

var masterKey = []byte("thisis32byteslongsecretkey123456") // 32 bytes for AES-256

func TestEncryptDecrypt(t *testing.T) {
	plaintext := "internal-key-rotated"

	ciphertext, err := Encrypt(plaintext, masterKey)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("Ciphertext should not be equal to plaintext")
	}

	decrypted, err := Decrypt(ciphertext, masterKey)
	if err != nil {
		t.Fatalf("Decryption failed: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Expected %s, got %s", plaintext, decrypted)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	other := []byte("another32byteslongsecretkey65432")

	ciphertext, err := Encrypt("Secret message", masterKey)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}
	if _, err := Decrypt(ciphertext, other); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Expected ErrDecrypt, got %v", err)
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := Encrypt("test", []byte("shortkey")); err == nil {
		t.Fatal("Encryption should fail with invalid key size")
	}
}

func TestDecryptMalformed(t *testing.T) {
	if _, err := Decrypt("not-hex", masterKey); err == nil {
		t.Fatal("Decryption should fail with malformed hex")
	}
	if _, err := Decrypt("abcdef", masterKey); !errors.Is(err, ErrCiphertextShort) {
		t.Fatalf("Expected ErrCiphertextShort, got %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	sealed, err := Seal("bot-token", masterKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("Sealed value missing prefix: %s", sealed)
	}

	got, err := Open(sealed, masterKey)
	if err != nil || got != "bot-token" {
		t.Fatalf("Open = %q, %v", got, err)
	}

	plain, err := Open("plain-value", nil)
	if err != nil || plain != "plain-value" {
		t.Fatalf("Open of plain value = %q, %v", plain, err)
	}

	if _, err := Open(sealed, nil); !errors.Is(err, ErrMasterKeyRequired) {
		t.Fatalf("Expected ErrMasterKeyRequired, got %v", err)
	}
}

func TestSecretsEqual(t *testing.T) {
	if !SecretsEqual("abc", "abc") {
		t.Error("equal secrets should match")
	}
	if SecretsEqual("abc", "abd") {
		t.Error("different secrets should not match")
	}
	if SecretsEqual("", "") {
		t.Error("an unset secret must never match")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert("overseer.internal", "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to generate self-signed cert: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("Generated certificate is empty")
	}
	if cert.PrivateKey == nil {
		t.Fatal("Generated private key is nil")
	}
}
