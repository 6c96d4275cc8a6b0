package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/fault"
)

// KeyVersion is the metadata for one key in the lineage. At most one
// version has RetiredAt == nil; that version is active for new encrypts.
// Retired versions stay resolvable for as long as ciphertext may still
// reference them.
type KeyVersion struct {
	Version   int        `json:"version"`
	Algorithm Algorithm  `json:"algorithm"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// VersionStore persists key version metadata (never key material).
type VersionStore interface {
	Save(ctx context.Context, v KeyVersion) error
	Retire(ctx context.Context, version int, at time.Time) error
	List(ctx context.Context) ([]KeyVersion, error)
}

// KeyManager holds the active key reference and every retired key still
// needed to decrypt legacy ciphertext. The active pointer swap in Rotate
// is the only write; Encrypt callers racing a rotation get either the old
// or the new version, both of which remain decryptable.
type KeyManager struct {
	mu       sync.RWMutex
	enc      Encryptor
	keys     map[int][]byte
	versions map[int]KeyVersion
	active   int

	store  VersionStore // may be nil
	audit  *audit.Recorder
	logger *zap.Logger
}

// KeyManagerConfig configures the key manager.
type KeyManagerConfig struct {
	// Material is the 32-byte key material for the active version. It is
	// zeroed once the manager has derived its keys.
	Material []byte
	// MaterialHex is an alternative hex encoding of Material.
	MaterialHex string
	// RetiredMaterialHex supplies key material for retired versions in
	// the persisted lineage, keyed by version number. A retired version
	// without material stays listed but unresolvable; its ciphertext
	// fails closed until the material is supplied.
	RetiredMaterialHex map[int]string
	// Store persists version metadata across restarts. Optional.
	Store VersionStore
}

// NewKeyManager creates a key manager. An empty store (or none) is
// bootstrapped with version 1 active; otherwise the persisted lineage is
// resumed, so a restart after a rotation keeps the rotated version
// active and its predecessors retired.
func NewKeyManager(cfg *KeyManagerConfig, recorder *audit.Recorder, logger *zap.Logger) (*KeyManager, error) {
	material, err := resolveMaterial(cfg.Material, cfg.MaterialHex)
	if err != nil {
		return nil, err
	}
	defer SecureZeroKey(material)

	enc := NewAESGCMEncryptor()
	km := &KeyManager{
		enc:      enc,
		keys:     make(map[int][]byte),
		versions: make(map[int]KeyVersion),
		store:    cfg.Store,
		audit:    recorder,
		logger:   logger,
	}

	var lineage []KeyVersion
	if km.store != nil {
		lineage, err = km.store.List(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load key lineage: %w", err)
		}
	}

	if len(lineage) == 0 {
		v := KeyVersion{Version: 1, Algorithm: enc.Algorithm(), CreatedAt: time.Now().UTC()}
		km.keys[1] = deriveFieldKey(material, 1)
		km.versions[1] = v
		km.active = 1

		if km.store != nil {
			if err := km.store.Save(context.Background(), v); err != nil {
				return nil, fmt.Errorf("persist key version: %w", err)
			}
		}
		return km, nil
	}

	if err := km.resume(lineage, material, cfg.RetiredMaterialHex); err != nil {
		return nil, err
	}
	return km, nil
}

// resume rebuilds the in-memory key set from the persisted lineage. The
// configured material belongs to the persisted active version; retired
// versions get their keys from the per-version material the operator
// supplied.
func (km *KeyManager) resume(lineage []KeyVersion, material []byte, retired map[int]string) error {
	active := 0
	for _, v := range lineage {
		km.versions[v.Version] = v
		if v.RetiredAt == nil && v.Version > active {
			active = v.Version
		}
	}
	if active == 0 {
		return fault.New(fault.KindIntegrity, "crypto.key_lineage",
			"persisted key lineage has no active version")
	}
	km.active = active
	km.keys[active] = deriveFieldKey(material, active)

	var unresolved []int
	for _, v := range lineage {
		if v.Version == active {
			continue
		}
		hexMaterial, ok := retired[v.Version]
		if !ok {
			unresolved = append(unresolved, v.Version)
			continue
		}
		m, err := resolveMaterial(nil, hexMaterial)
		if err != nil {
			return fmt.Errorf("retired key material v%d: %w", v.Version, err)
		}
		km.keys[v.Version] = deriveFieldKey(m, v.Version)
		SecureZeroKey(m)
	}
	if len(unresolved) > 0 {
		km.logger.Warn("retired key versions without material, their ciphertext is unreadable",
			zap.Ints("versions", unresolved))
	}

	km.logger.Info("key lineage resumed",
		zap.Int("active_version", active),
		zap.Int("versions", len(lineage)))
	return nil
}

func resolveMaterial(material []byte, materialHex string) ([]byte, error) {
	if material == nil && materialHex != "" {
		decoded, err := hex.DecodeString(materialHex)
		if err != nil {
			return nil, fault.Wrap(fault.KindPrecondition, "crypto.key_material", err)
		}
		material = decoded
	}
	if material == nil {
		return nil, fault.Precondition("crypto.key_material", "key material required")
	}
	if len(material) != 32 {
		return nil, fault.Newf(fault.KindPrecondition, "crypto.key_material",
			"key material must be 32 bytes, got %d", len(material))
	}
	return material, nil
}

// deriveFieldKey derives the per-version field key from the supplied
// material with HKDF-SHA256, binding the version into the info string.
func deriveFieldKey(material []byte, version int) []byte {
	info := []byte(fmt.Sprintf("durability-field-key:v%d", version))
	salt := sha256.Sum256([]byte("durability-key-salt-v1"))

	reader := hkdf.New(sha256.New, material, salt[:], info)
	key := make([]byte, 32)
	if _, err := reader.Read(key); err != nil {
		// hkdf.Read only fails past its output limit, which 32 bytes
		// cannot reach.
		panic(fmt.Sprintf("hkdf derivation: %v", err))
	}
	return key
}

// ActiveVersion returns the metadata of the active key.
func (km *KeyManager) ActiveVersion() KeyVersion {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.versions[km.active]
}

// keyFor resolves a version's key, retired versions included.
func (km *KeyManager) keyFor(version int) ([]byte, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	key, ok := km.keys[version]
	return key, ok
}

// activeKey returns the active version number and its key.
func (km *KeyManager) activeKey() (int, []byte) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.active, km.keys[km.active]
}

// Rotate installs new key material as the next active version and
// retires the previous one. Retired keys stay in memory so historical
// ciphertext remains decryptable; re-encrypting existing data is a
// separate maintenance operation, not part of rotation.
func (km *KeyManager) Rotate(ctx context.Context, material []byte) (previous int, err error) {
	if len(material) != 32 {
		return 0, fault.Newf(fault.KindPrecondition, "crypto.rotate",
			"key material must be 32 bytes, got %d", len(material))
	}

	now := time.Now().UTC()

	km.mu.Lock()
	previous = km.active
	next := previous + 1
	retired := km.versions[previous]
	retired.RetiredAt = &now
	km.versions[previous] = retired

	v := KeyVersion{Version: next, Algorithm: km.enc.Algorithm(), CreatedAt: now}
	km.keys[next] = deriveFieldKey(material, next)
	km.versions[next] = v
	km.active = next
	km.mu.Unlock()
	SecureZeroKey(material)

	if km.store != nil {
		if err := km.store.Retire(ctx, previous, now); err != nil {
			km.logger.Error("persist key retirement failed",
				zap.Int("version", previous), zap.Error(err))
		}
		if err := km.store.Save(ctx, v); err != nil {
			km.logger.Error("persist key version failed",
				zap.Int("version", next), zap.Error(err))
		}
	}

	km.logger.Info("encryption key rotated",
		zap.Int("previous_version", previous),
		zap.Int("active_version", next))

	if km.audit != nil {
		km.audit.Record(ctx, audit.Event{
			Action:       audit.ActionKeyRotated,
			ResourceType: audit.ResourceKey,
			ResourceID:   fmt.Sprintf("v%d", next),
			Severity:     audit.SeverityCritical,
			Details: map[string]string{
				"previous_version": fmt.Sprintf("%d", previous),
				"active_version":   fmt.Sprintf("%d", next),
				"algorithm":        string(km.enc.Algorithm()),
			},
		})
	}

	return previous, nil
}

// Status reports the key lineage without exposing material.
type Status struct {
	ActiveVersion   int       `json:"active_version"`
	Algorithm       Algorithm `json:"algorithm"`
	CreatedAt       time.Time `json:"created_at"`
	RetiredVersions int       `json:"retired_versions"`
}

// Status returns the current key lineage summary.
func (km *KeyManager) Status() Status {
	km.mu.RLock()
	defer km.mu.RUnlock()
	active := km.versions[km.active]
	return Status{
		ActiveVersion:   active.Version,
		Algorithm:       active.Algorithm,
		CreatedAt:       active.CreatedAt,
		RetiredVersions: len(km.versions) - 1,
	}
}
