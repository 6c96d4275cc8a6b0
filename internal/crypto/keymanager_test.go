package crypto

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/fault"
)

// memoryVersionStore mirrors the Postgres store semantics: Save is
// insert-only, retirement goes through Retire.
type memoryVersionStore struct {
	mu       sync.Mutex
	versions map[int]KeyVersion
}

func newMemoryVersionStore() *memoryVersionStore {
	return &memoryVersionStore{versions: make(map[int]KeyVersion)}
}

func (s *memoryVersionStore) Save(_ context.Context, v KeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[v.Version]; exists {
		return nil
	}
	s.versions[v.Version] = v
	return nil
}

func (s *memoryVersionStore) Retire(_ context.Context, version int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[version]; ok {
		v.RetiredAt = &at
		s.versions[version] = v
	}
	return nil
}

func (s *memoryVersionStore) List(_ context.Context) ([]KeyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeyVersion
	for _, v := range s.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func newTestKeyManager(t *testing.T) (*KeyManager, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	material, err := GenerateKeyMaterial()
	require.NoError(t, err)

	km, err := NewKeyManager(&KeyManagerConfig{Material: material},
		audit.NewRecorder(sink, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	return km, sink
}

func TestNewKeyManagerStartsAtVersionOne(t *testing.T) {
	km, _ := newTestKeyManager(t)

	status := km.Status()
	assert.Equal(t, 1, status.ActiveVersion)
	assert.Equal(t, AlgorithmAESGCM, status.Algorithm)
	assert.Equal(t, 0, status.RetiredVersions)
	assert.Nil(t, km.ActiveVersion().RetiredAt)
}

func TestNewKeyManagerRejectsBadMaterial(t *testing.T) {
	recorder := audit.NewRecorder(audit.NewMemorySink(), zap.NewNop())

	_, err := NewKeyManager(&KeyManagerConfig{}, recorder, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))

	_, err = NewKeyManager(&KeyManagerConfig{Material: []byte("short")}, recorder, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))

	_, err = NewKeyManager(&KeyManagerConfig{MaterialHex: "not hex"}, recorder, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))
}

func TestRotateAdvancesVersionAndRetiresPrevious(t *testing.T) {
	km, sink := newTestKeyManager(t)

	material, err := GenerateKeyMaterial()
	require.NoError(t, err)
	previous, err := km.Rotate(context.Background(), material)
	require.NoError(t, err)
	assert.Equal(t, 1, previous)

	status := km.Status()
	assert.Equal(t, 2, status.ActiveVersion)
	assert.Equal(t, 1, status.RetiredVersions)

	// Retired key remains resolvable for old ciphertext.
	_, ok := km.keyFor(1)
	assert.True(t, ok)

	events := sink.ByAction(audit.ActionKeyRotated)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
}

func TestRotateRejectsBadMaterial(t *testing.T) {
	km, _ := newTestKeyManager(t)

	_, err := km.Rotate(context.Background(), []byte("too short"))
	require.Error(t, err)
	assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))
	assert.Equal(t, 1, km.Status().ActiveVersion)
}

func TestKeyManagerResumesLineageAfterRestart(t *testing.T) {
	store := newMemoryVersionStore()
	recorder := audit.NewRecorder(audit.NewMemorySink(), zap.NewNop())

	material1, err := GenerateKeyMaterial()
	require.NoError(t, err)
	hex1 := hex.EncodeToString(material1)
	material2, err := GenerateKeyMaterial()
	require.NoError(t, err)
	hex2 := hex.EncodeToString(material2)

	km1, err := NewKeyManager(&KeyManagerConfig{MaterialHex: hex1, Store: store},
		recorder, zap.NewNop())
	require.NoError(t, err)
	fc1 := NewFieldCipher(km1, recorder, zap.NewNop())

	oldCiphertext, err := fc1.Encrypt("before rotation")
	require.NoError(t, err)

	rotMaterial, err := hex.DecodeString(hex2)
	require.NoError(t, err)
	_, err = km1.Rotate(context.Background(), rotMaterial)
	require.NoError(t, err)
	newCiphertext, err := fc1.Encrypt("after rotation")
	require.NoError(t, err)

	km2, err := NewKeyManager(&KeyManagerConfig{
		MaterialHex:        hex2,
		RetiredMaterialHex: map[int]string{1: hex1},
		Store:              store,
	}, recorder, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, km2.Status().ActiveVersion)
	assert.Equal(t, 1, km2.Status().RetiredVersions)

	// The durable lineage keeps exactly one unretired version.
	lineage, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	unretired := 0
	for _, v := range lineage {
		if v.RetiredAt == nil {
			unretired++
		}
	}
	assert.Equal(t, 1, unretired)

	fc2 := NewFieldCipher(km2, recorder, zap.NewNop())
	got, err := fc2.Decrypt(oldCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "before rotation", got)
	got, err = fc2.Decrypt(newCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", got)
}

func TestKeyManagerRestartWithoutRetiredMaterialFailsClosed(t *testing.T) {
	store := newMemoryVersionStore()
	recorder := audit.NewRecorder(audit.NewMemorySink(), zap.NewNop())

	material1, err := GenerateKeyMaterial()
	require.NoError(t, err)
	hex1 := hex.EncodeToString(material1)
	material2, err := GenerateKeyMaterial()
	require.NoError(t, err)
	hex2 := hex.EncodeToString(material2)

	km1, err := NewKeyManager(&KeyManagerConfig{MaterialHex: hex1, Store: store},
		recorder, zap.NewNop())
	require.NoError(t, err)
	fc1 := NewFieldCipher(km1, recorder, zap.NewNop())
	legacy, err := fc1.Encrypt("legacy record")
	require.NoError(t, err)

	rotMaterial, err := hex.DecodeString(hex2)
	require.NoError(t, err)
	_, err = km1.Rotate(context.Background(), rotMaterial)
	require.NoError(t, err)
	current, err := fc1.Encrypt("current record")
	require.NoError(t, err)

	km2, err := NewKeyManager(&KeyManagerConfig{MaterialHex: hex2, Store: store},
		recorder, zap.NewNop())
	require.NoError(t, err)
	fc2 := NewFieldCipher(km2, recorder, zap.NewNop())

	// Version 1 material was not re-supplied; its ciphertext fails
	// closed instead of returning garbage.
	_, err = fc2.Decrypt(legacy)
	require.Error(t, err)
	assert.Equal(t, fault.KindDecryption, fault.KindOf(err))

	got, err := fc2.Decrypt(current)
	require.NoError(t, err)
	assert.Equal(t, "current record", got)
}

func TestDerivedKeysDifferPerVersion(t *testing.T) {
	material, err := GenerateKeyMaterial()
	require.NoError(t, err)

	k1 := deriveFieldKey(material, 1)
	k2 := deriveFieldKey(material, 2)
	assert.Len(t, k1, 32)
	assert.Len(t, k2, 32)
	assert.NotEqual(t, k1, k2)

	// Derivation is deterministic for the same inputs.
	assert.Equal(t, k1, deriveFieldKey(material, 1))
}
