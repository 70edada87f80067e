package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// envelopeVersion prefixes every ciphertext so the format can evolve.
const envelopeVersion = "v1"

// UnavailableContent replaces message bodies whose ciphertext can no
// longer be decrypted, so history fetches degrade instead of failing.
const UnavailableContent = "[content unavailable]"

// Encryptor seals and opens field-level ciphertexts with AES-256-GCM.
// The key ring maps key id to key material; the envelope records which
// key sealed each ciphertext, so rotation never requires re-encrypting
// history.
type Encryptor struct {
	keys     map[string]cipher.AEAD
	activeID string
}

// NewEncryptor builds an encryptor from a key ring of base64-encoded
// or passphrase keys. Raw keys shorter than 32 bytes are stretched
// with SHA-256. activeID selects the key for new writes and must be
// present in the ring.
func NewEncryptor(keyring map[string]string, activeID string) (*Encryptor, error) {
	if len(keyring) == 0 {
		return nil, fmt.Errorf("encryption key ring is empty")
	}
	if _, ok := keyring[activeID]; !ok {
		return nil, fmt.Errorf("active key %q: %w", activeID, ErrUnknownKey)
	}

	keys := make(map[string]cipher.AEAD, len(keyring))
	for id, material := range keyring {
		aead, err := buildAEAD(material)
		if err != nil {
			return nil, fmt.Errorf("failed to build key %q: %w", id, err)
		}
		keys[id] = aead
	}
	return &Encryptor{keys: keys, activeID: activeID}, nil
}

func buildAEAD(material string) (cipher.AEAD, error) {
	var key []byte
	if decoded, err := base64.StdEncoding.DecodeString(material); err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		sum := sha256.Sum256([]byte(material))
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ActiveKeyID reports the key used for new writes.
func (e *Encryptor) ActiveKeyID() string { return e.activeID }

// Encrypt seals plaintext into a versioned envelope:
// v1:<key_id>:<base64(nonce || ciphertext)>.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	aead := e.keys[e.activeID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("%s:%s:%s", envelopeVersion, e.activeID,
		base64.StdEncoding.EncodeToString(sealed)), nil
}

// EncryptString seals a string.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// EncryptMap serializes a map to JSON and seals it.
func (e *Encryptor) EncryptMap(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize data: %w", err)
	}
	return e.Encrypt(raw)
}

// Decrypt opens an envelope. Tampered ciphertexts, unknown key ids and
// malformed envelopes all come back as ErrDecryptFailed so callers can
// degrade uniformly.
func (e *Encryptor) Decrypt(envelope string) ([]byte, error) {
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return nil, ErrDecryptFailed
	}
	aead, ok := e.keys[parts[1]]
	if !ok {
		return nil, ErrDecryptFailed
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// DecryptString opens an envelope into a string.
func (e *Encryptor) DecryptString(envelope string) (string, error) {
	raw, err := e.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecryptMap opens an envelope into a map.
func (e *Encryptor) DecryptMap(envelope string) (map[string]interface{}, error) {
	raw, err := e.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// DecryptOrUnavailable opens an envelope and substitutes the sentinel
// body on failure. History reads use this so one bad row cannot sink
// a page.
func (e *Encryptor) DecryptOrUnavailable(envelope string) string {
	s, err := e.DecryptString(envelope)
	if err != nil {
		return UnavailableContent
	}
	return s
}
