package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/fault"
)

// Tagged ciphertext format: $dcv1$<version>$<base64(nonce || ciphertext)>.
// The tag makes "is this already encrypted" a property of storage layout
// instead of a guess about string shape, so plaintext that happens to look
// base64-like is never misclassified.
const (
	cipherPrefix    = "$dcv1$"
	cipherSeparator = "$"
)

// IsEncrypted reports whether s carries the tagged ciphertext format.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, cipherPrefix)
}

// SensitiveFields is the default set of per-record fields encrypted at
// the datastore boundary.
var SensitiveFields = map[string]bool{
	"family_name":             true,
	"given_name":              true,
	"family_name_kana":        true,
	"given_name_kana":         true,
	"phone_number":            true,
	"emergency_contact_phone": true,
	"address":                 true,
	"email":                   true,
	"record_body":             true,
}

// FieldCipher is the encrypt-on-write / decrypt-on-read hook applied at
// the datastore boundary. Encryption keys come from the injected
// KeyManager, never from ambient configuration.
type FieldCipher struct {
	km     *KeyManager
	logger *zap.Logger
	audit  *audit.Recorder
}

// NewFieldCipher creates a field cipher over km.
func NewFieldCipher(km *KeyManager, recorder *audit.Recorder, logger *zap.Logger) *FieldCipher {
	return &FieldCipher{km: km, logger: logger, audit: recorder}
}

// Encrypt encrypts a field value with the active key version. Empty
// input and already-tagged ciphertext pass through unchanged, so repeated
// writes never double-encrypt.
func (fc *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	version, key := fc.km.activeKey()
	ciphertext, nonce, err := fc.km.enc.Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt field: %w", err)
	}

	payload := base64.StdEncoding.EncodeToString(append(nonce, ciphertext...))
	return cipherPrefix + strconv.Itoa(version) + cipherSeparator + payload, nil
}

// Decrypt decrypts a tagged field value, resolving retired key versions
// transparently. Untagged input is plaintext by definition of the storage
// layout and is returned unchanged. Any failure on tagged input fails
// closed: the caller gets a DecryptionFailed error, never garbage and
// never the raw ciphertext.
func (fc *FieldCipher) Decrypt(value string) (string, error) {
	if value == "" || !IsEncrypted(value) {
		return value, nil
	}

	version, nonce, ciphertext, err := fc.parse(value)
	if err != nil {
		return "", fc.failClosed(version, err)
	}

	key, ok := fc.km.keyFor(version)
	if !ok {
		return "", fc.failClosed(version, fmt.Errorf("unknown key version %d", version))
	}

	plaintext, err := fc.km.enc.Decrypt(key, nonce, ciphertext)
	if err != nil {
		return "", fc.failClosed(version, err)
	}

	return string(plaintext), nil
}

func (fc *FieldCipher) parse(value string) (version int, nonce, ciphertext []byte, err error) {
	rest := strings.TrimPrefix(value, cipherPrefix)
	idx := strings.Index(rest, cipherSeparator)
	if idx <= 0 {
		return 0, nil, nil, fmt.Errorf("malformed ciphertext tag")
	}

	version, err = strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("malformed ciphertext version: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(rest[idx+1:])
	if err != nil {
		return version, nil, nil, fmt.Errorf("malformed ciphertext payload: %w", err)
	}

	nonceSize := fc.km.enc.NonceSize()
	if len(payload) < nonceSize {
		return version, nil, nil, fmt.Errorf("ciphertext payload too short")
	}

	return version, payload[:nonceSize], payload[nonceSize:], nil
}

func (fc *FieldCipher) failClosed(version int, err error) error {
	fc.logger.Warn("field decryption failed",
		zap.Int("key_version", version),
		zap.Error(err))

	if fc.audit != nil {
		fc.audit.Record(context.Background(), audit.Event{
			Action:       audit.ActionDecryptFailed,
			ResourceType: audit.ResourceKey,
			ResourceID:   fmt.Sprintf("v%d", version),
			Severity:     audit.SeverityWarning,
			Status:       audit.StatusFailure,
			Details:      map[string]string{"error": err.Error()},
		})
	}

	return fault.Decryption("crypto.decrypt_field", err)
}

// EncryptRecord encrypts the sensitive fields of a record in place and
// returns the record. Non-sensitive fields pass through untouched.
func (fc *FieldCipher) EncryptRecord(record map[string]string) (map[string]string, error) {
	for field, value := range record {
		if !SensitiveFields[field] || value == "" {
			continue
		}
		encrypted, err := fc.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt record field %s: %w", field, err)
		}
		record[field] = encrypted
	}
	return record, nil
}

// DecryptRecord decrypts the sensitive fields of a record in place. A
// single undecryptable field fails the whole read; partial records of
// medical data are worse than an explicit error.
func (fc *FieldCipher) DecryptRecord(record map[string]string) (map[string]string, error) {
	for field, value := range record {
		if !SensitiveFields[field] || value == "" {
			continue
		}
		decrypted, err := fc.Decrypt(value)
		if err != nil {
			return nil, err
		}
		record[field] = decrypted
	}
	return record, nil
}
