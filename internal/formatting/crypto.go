package formatting

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AlgorithmXChaCha20Poly1305 names the only supported event encryption scheme.
const AlgorithmXChaCha20Poly1305 = "xchacha20poly1305.v1"

const (
	minMasterKeyLength = 32
	roomKeyInfoPrefix  = "edithistory room key:"
)

var (
	// ErrMissingKey indicates that an encrypted event arrived without a configured key ring.
	ErrMissingKey = errors.New("formatting: encryption key not configured")
	// ErrShortMasterKey indicates that the master key is too short to derive room keys.
	ErrShortMasterKey = errors.New("formatting: master key too short")
	// ErrUnsupportedAlgorithm indicates an encrypted payload using an unknown scheme.
	ErrUnsupportedAlgorithm = errors.New("formatting: unsupported encryption algorithm")
	// ErrMalformedCiphertext indicates ciphertext that cannot be decoded or authenticated.
	ErrMalformedCiphertext = errors.New("formatting: malformed ciphertext")
)

// EncryptedContent is the content of an m.room.encrypted event.
type EncryptedContent struct {
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
}

// KeyRing derives per-room keys from a master secret.
type KeyRing struct {
	master []byte
}

// NewKeyRing validates master and returns a key ring.
func NewKeyRing(master []byte) (*KeyRing, error) {
	if len(master) < minMasterKeyLength {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortMasterKey, len(master), minMasterKeyLength)
	}
	return &KeyRing{master: append([]byte(nil), master...)}, nil
}

// NewKeyRingFromBase64 decodes a standard base64 master key.
func NewKeyRingFromBase64(encoded string) (*KeyRing, error) {
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("formatting: decode master key: %w", err)
	}
	return NewKeyRing(master)
}

// RoomKey derives the symmetric key of roomID.
func (k *KeyRing) RoomKey(roomID string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, k.master, nil, []byte(roomKeyInfoPrefix+roomID))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext for roomID. The room id is bound as associated data.
func (k *KeyRing) Seal(roomID string, plaintext []byte) (EncryptedContent, error) {
	aead, err := k.aead(roomID)
	if err != nil {
		return EncryptedContent{}, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedContent{}, err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(roomID))
	return EncryptedContent{
		Algorithm:  AlgorithmXChaCha20Poly1305,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Open reverses Seal.
func (k *KeyRing) Open(roomID string, content EncryptedContent) ([]byte, error) {
	if content.Algorithm != AlgorithmXChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, content.Algorithm)
	}
	sealed, err := base64.StdEncoding.DecodeString(content.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	aead, err := k.aead(roomID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedCiphertext)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return plaintext, nil
}

// EncryptEvent wraps an inner event of eventType into m.room.encrypted content.
func (k *KeyRing) EncryptEvent(roomID, eventType string, content json.RawMessage) (json.RawMessage, error) {
	inner, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: eventType, Content: content})
	if err != nil {
		return nil, err
	}
	sealed, err := k.Seal(roomID, inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}

func (k *KeyRing) aead(roomID string) (cipher.AEAD, error) {
	key, err := k.RoomKey(roomID)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
