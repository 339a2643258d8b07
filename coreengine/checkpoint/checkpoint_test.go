package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func sampleState(t *testing.T) *casestate.CaseState {
	t.Helper()
	st := casestate.New("sess-1", map[string]any{
		"patient_id":      "P-100",
		"chief_complaint": "chest pain",
	}, casestate.WithClock(fixedClock{time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}))
	require.NoError(t, st.Transition(casestate.StatusActive))
	require.NoError(t, st.MarkStep("intake"))
	require.NoError(t, st.AddTimelineEvent("intake", "case_received", "case ingested", nil))
	return st
}

// =============================================================================
// Encode / Decode
// =============================================================================

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		encoding string
	}{
		{"plain json", false, EncodingJSON},
		{"zstd", true, EncodingZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := sampleState(t)
			rec, err := Encode(st, 3, tt.compress)
			require.NoError(t, err)

			assert.Equal(t, tt.encoding, rec.Encoding)
			assert.Equal(t, "sess-1", rec.SessionID)
			assert.Equal(t, 3, rec.Sequence)
			assert.Equal(t, "intake", rec.Step)
			assert.Equal(t, "ACTIVE", rec.Status)

			restored, err := Decode(&rec)
			require.NoError(t, err)
			assert.Equal(t, st.SessionID, restored.SessionID)
			assert.Equal(t, st.CurrentStep, restored.CurrentStep)
			assert.Equal(t, "P-100", restored.CaseData["patient_id"])
			require.Len(t, restored.Timeline, 1)
			assert.Equal(t, "case_received", restored.Timeline[0].Event)
		})
	}
}

func TestDecodeUnknownEncoding(t *testing.T) {
	rec := &Record{SessionID: "s", Encoding: "lz4", Payload: []byte("x")}
	_, err := Decode(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown encoding")
}

func TestDecodeCorruptZstd(t *testing.T) {
	rec := &Record{SessionID: "s", Encoding: EncodingZstd, Payload: []byte("not zstd")}
	_, err := Decode(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decompress")
}

// =============================================================================
// Backends
// =============================================================================

type backend interface {
	Checkpointer
	HistoryStore
}

func newRedisBackend(t *testing.T) backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCheckpointer(client, WithTTL(time.Hour))
}

func newSQLBackend(t *testing.T) backend {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	cp, err := NewSQLCheckpointer(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func backends() map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(*testing.T) backend { return NewMemoryCheckpointer() },
		"redis":  newRedisBackend,
		"sql":    newSQLBackend,
	}
}

func TestBackendSaveLoad(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := factory(t)
			st := sampleState(t)

			for seq := 1; seq <= 3; seq++ {
				require.NoError(t, st.MarkStep(fmt.Sprintf("step%d", seq)))
				rec, err := Encode(st, seq, seq%2 == 0)
				require.NoError(t, err)
				require.NoError(t, cp.Save(ctx, rec))
			}

			latest, err := cp.Load(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, 3, latest.Sequence)
			assert.Equal(t, "step3", latest.Step)

			restored, err := Decode(latest)
			require.NoError(t, err)
			assert.Equal(t, "step3", restored.CurrentStep)

			history, err := cp.History(ctx, "sess-1")
			require.NoError(t, err)
			require.Len(t, history, 3)
			for i, rec := range history {
				assert.Equal(t, i+1, rec.Sequence)
			}
			assert.Equal(t, EncodingZstd, history[1].Encoding)
		})
	}
}

func TestBackendNotFound(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := factory(t)

			_, err := cp.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = cp.History(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackendRejectsEmptySession(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			err := factory(t).Save(context.Background(), Record{Sequence: 1})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "no session_id")
		})
	}
}

// =============================================================================
// Backend specifics
// =============================================================================

func TestMemoryCheckpointerIsolatesPayload(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	payload := []byte(`{"session_id":"a"}`)
	require.NoError(t, cp.Save(ctx, Record{SessionID: "a", Sequence: 1, Payload: payload}))

	payload[2] = 'X'
	rec, err := cp.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `{"session_id":"a"}`, string(rec.Payload))

	assert.Equal(t, 1, cp.SessionCount())
	require.NoError(t, cp.Delete(ctx, "a"))
	assert.Equal(t, 0, cp.SessionCount())
}

func TestMemoryCheckpointerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryCheckpointer().Save(ctx, Record{SessionID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisCheckpointerKeysAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cp := NewRedisCheckpointer(client, WithKeyPrefix("test:cp:"), WithTTL(30*time.Minute))
	require.NoError(t, cp.Save(context.Background(), Record{SessionID: "abc", Sequence: 1, Payload: []byte("{}")}))

	assert.True(t, mr.Exists("test:cp:abc"))
	assert.True(t, mr.Exists("test:cp:abc:history"))
	assert.Equal(t, 30*time.Minute, mr.TTL("test:cp:abc"))
	assert.Equal(t, 30*time.Minute, mr.TTL("test:cp:abc:history"))

	mr.FastForward(31 * time.Minute)
	_, err := cp.Load(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCheckpointerUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	cp := NewRedisCheckpointer(client)

	mr.Close()
	err := cp.Save(context.Background(), Record{SessionID: "abc", Sequence: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cp, err := DialRedis(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	require.NoError(t, cp.Close())

	_, err = DialRedis(context.Background(), "127.0.0.1:1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestSQLCheckpointerPrune(t *testing.T) {
	ctx := context.Background()
	cp, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer cp.Close()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cp.Save(ctx, Record{SessionID: "a", Sequence: 1, Payload: []byte("{}"), SavedAt: old}))
	require.NoError(t, cp.Save(ctx, Record{SessionID: "a", Sequence: 2, Payload: []byte("{}"), SavedAt: old.Add(48 * time.Hour)}))

	n, err := cp.Prune(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err := cp.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Sequence)
}
