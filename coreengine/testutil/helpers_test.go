package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/eraif/coreengine/checkpoint"
)

// =============================================================================
// CLOCK / LOGGER
// =============================================================================

func TestStepClock(t *testing.T) {
	a, b := NewStepClock(), NewStepClock()
	first := a.Now()
	assert.Equal(t, first.Add(time.Second), a.Now())
	assert.Equal(t, first, b.Now())
}

func TestMockLoggerBind(t *testing.T) {
	log := NewMockLogger()
	child := log.Bind("workflow", "wf")
	child.Info("stage_completed", "stage", "intake")

	entry, ok := log.Find("stage_completed")
	require.True(t, ok)
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "wf", entry.Fields["workflow"])
	assert.Equal(t, "intake", entry.Fields["stage"])
	assert.False(t, log.HasMessage("missing"))
}

// =============================================================================
// CHECKPOINTER
// =============================================================================

func TestMockCheckpointer(t *testing.T) {
	ctx := context.Background()
	cp := NewMockCheckpointer()
	require.NoError(t, cp.Save(ctx, checkpoint.Record{SessionID: "s", Sequence: 1}))

	rec, err := cp.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Sequence)

	boom := errors.New("disk full")
	cp.WithSaveError(boom)
	assert.ErrorIs(t, cp.Save(ctx, checkpoint.Record{SessionID: "s", Sequence: 2}), boom)
	assert.Equal(t, 2, cp.GetSaveCount())

	cp.WithLoadError(boom)
	_, err = cp.Load(ctx, "s")
	assert.ErrorIs(t, err, boom)
}

// =============================================================================
// PROVIDERS
// =============================================================================

func TestMockProviders(t *testing.T) {
	ctx := context.Background()
	m := NewMockProviders("critical")
	require.NoError(t, m.Set().Validate())

	tr, err := m.Triage.WithRedFlags("hypotension").Analyze(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "critical", tr.Priority)
	assert.Equal(t, []string{"hypotension"}, tr.RedFlags)

	img, err := m.Imaging.WithCriticalFinding("pneumothorax", 0.95).Analyze(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, img.CriticalFindings, 1)
	assert.Equal(t, 1, m.Imaging.GetCallCount())

	boom := errors.New("model offline")
	_, err = m.Recommendations.WithError(boom).Generate(ctx, nil, nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestMockDelayHonoursContext(t *testing.T) {
	m := NewMockImaging().WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Analyze(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewMassCasualtyCaseData(t *testing.T) {
	data := NewMassCasualtyCaseData(25, "explosion")
	assert.Equal(t, "mass_casualty", data["incident_type"])
	assert.Equal(t, 25, data["incident_data"].(map[string]any)["estimated_casualties"])
}
