package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateSaltLength(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	if len(salt) != SaltSize {
		t.Errorf("len(salt) = %d, want %d", len(salt), SaltSize)
	}
}

func TestGenerateSaltRandomness(t *testing.T) {
	salt1, _ := GenerateSalt()
	salt2, _ := GenerateSalt()
	if bytes.Equal(salt1, salt2) {
		t.Error("two generated salts should not be equal")
	}
}

func TestGenerateKeyLengthAndRandomness(t *testing.T) {
	key1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(key1) != KeySize {
		t.Errorf("len(key) = %d, want %d", len(key1), KeySize)
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key1, key2) {
		t.Error("two generated keys should not be equal")
	}
}

func TestDeriveKeyConsistency(t *testing.T) {
	salt, _ := GenerateSalt()
	key1 := DeriveKey("test passphrase", salt)
	key2 := DeriveKey("test passphrase", salt)
	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase and salt should derive the same key")
	}
	if len(key1) != KeySize {
		t.Errorf("len(key) = %d, want %d", len(key1), KeySize)
	}
}

func TestDeriveKeyDifferentPassphrases(t *testing.T) {
	salt, _ := GenerateSalt()
	key1 := DeriveKey("passphrase1", salt)
	key2 := DeriveKey("passphrase2", salt)
	if bytes.Equal(key1, key2) {
		t.Error("different passphrases should derive different keys")
	}
}

func TestDeriveKeyDifferentSalts(t *testing.T) {
	salt1, _ := GenerateSalt()
	salt2, _ := GenerateSalt()
	key1 := DeriveKey("test passphrase", salt1)
	key2 := DeriveKey("test passphrase", salt2)
	if bytes.Equal(key1, key2) {
		t.Error("different salts should derive different keys")
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	salt, _ := GenerateSalt()
	key := DeriveKey("test passphrase", salt)

	plaintext := []byte("Hello, World! This is a test message.")
	encrypted, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptProducesDifferentCiphertext(t *testing.T) {
	salt, _ := GenerateSalt()
	key := DeriveKey("passphrase", salt)

	plaintext := []byte("test data")
	e1, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	e2, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(e1, e2) {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	salt, _ := GenerateSalt()
	key1 := DeriveKey("passphrase1", salt)
	key2 := DeriveKey("passphrase2", salt)

	encrypted, err := Encrypt([]byte("secret data"), key1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(encrypted, key2); err == nil {
		t.Error("expected decryption with the wrong key to fail")
	}
}

func TestDecryptWithCorruptedDataFails(t *testing.T) {
	salt, _ := GenerateSalt()
	key := DeriveKey("passphrase", salt)

	encrypted, err := Encrypt([]byte("secret data"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	encrypted[NonceSize+5] ^= 0xFF

	if _, err := Decrypt(encrypted, key); err == nil {
		t.Error("expected decryption of corrupted ciphertext to fail")
	}
}

func TestEncryptInvalidKeySize(t *testing.T) {
	shortKey := make([]byte, 16)
	if _, err := Encrypt([]byte("data"), shortKey); err == nil {
		t.Error("expected error for short key")
	}
}

func TestDecryptDataTooShort(t *testing.T) {
	salt, _ := GenerateSalt()
	key := DeriveKey("passphrase", salt)
	if _, err := Decrypt(make([]byte, 5), key); err == nil {
		t.Error("expected error for data shorter than the nonce")
	}
}

func TestBase64Roundtrip(t *testing.T) {
	data := []byte("test binary data \x00\x01\x02")
	encoded := EncodeBase64(data)
	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("decoded = %v, want %v", decoded, data)
	}
}

func TestHexRoundtrip(t *testing.T) {
	data := []byte{0, 1, 2, 255, 128, 64}
	encoded := EncodeKeyHex(data)
	decoded, err := DecodeKeyHex(encoded)
	if err != nil {
		t.Fatalf("DecodeKeyHex: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("decoded = %v, want %v", decoded, data)
	}
}

func TestHexDecodeInvalid(t *testing.T) {
	if _, err := DecodeKeyHex("xyz"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := DecodeKeyHex("abc"); err == nil {
		t.Error("expected error for odd-length hex input")
	}
}

func TestEncryptEmptyData(t *testing.T) {
	salt, _ := GenerateSalt()
	key := DeriveKey("passphrase", salt)

	encrypted, err := Encrypt([]byte{}, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(decrypted) != 0 {
		t.Errorf("decrypted = %v, want empty", decrypted)
	}
}

func TestEncryptLargeData(t *testing.T) {
	salt, _ := GenerateSalt()
	key := DeriveKey("passphrase", salt)

	plaintext := make([]byte, 1_000_000)
	for i := range plaintext {
		plaintext[i] = byte(i % 256)
	}
	encrypted, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("large round trip mismatch")
	}
}
