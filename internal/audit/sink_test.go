package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingSink struct {
	calls int
}

func (f *failingSink) Append(_ context.Context, _ Event) error {
	f.calls++
	return errors.New("database unavailable")
}

func TestRecorderFillsDefaults(t *testing.T) {
	sink := NewMemorySink()
	recorder := NewRecorder(sink, zap.NewNop())

	recorder.Record(context.Background(), Event{
		Action:       ActionBackupStarted,
		ResourceType: ResourceBackup,
		ResourceID:   "job-1",
	})

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, SeverityInfo, e.Severity)
	assert.Equal(t, StatusSuccess, e.Status)
}

func TestRecorderKeepsExplicitFields(t *testing.T) {
	sink := NewMemorySink()
	recorder := NewRecorder(sink, zap.NewNop())

	recorder.Record(context.Background(), Event{
		Action:       ActionVerifyFailed,
		ResourceType: ResourceBackup,
		Severity:     SeverityCritical,
		Status:       StatusFailure,
	})

	events := sink.ByAction(ActionVerifyFailed)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityCritical, events[0].Severity)
	assert.Equal(t, StatusFailure, events[0].Status)
}

func TestRecorderSwallowsSinkFailures(t *testing.T) {
	sink := &failingSink{}
	recorder := NewRecorder(sink, zap.NewNop())

	// Must not panic or propagate; the primary operation goes on.
	recorder.Record(context.Background(), Event{
		Action:       ActionBackupCompleted,
		ResourceType: ResourceBackup,
	})
	assert.Equal(t, 1, sink.calls)
}

func TestMemorySinkByAction(t *testing.T) {
	sink := NewMemorySink()
	recorder := NewRecorder(sink, zap.NewNop())

	recorder.Record(context.Background(), Event{Action: ActionBackupStarted, ResourceType: ResourceBackup})
	recorder.Record(context.Background(), Event{Action: ActionBackupCompleted, ResourceType: ResourceBackup})
	recorder.Record(context.Background(), Event{Action: ActionBackupStarted, ResourceType: ResourceBackup})

	assert.Len(t, sink.ByAction(ActionBackupStarted), 2)
	assert.Len(t, sink.ByAction(ActionBackupCompleted), 1)
	assert.Empty(t, sink.ByAction(ActionKeyRotated))
}
