// Package checkpoint defines the Checkpointer contract the workflow runtime
// persists CaseState through, plus memory, Redis and SQL backends.
//
// A Record is written after every successful node. Payloads are the JSON
// snapshot of the CaseState, zstd-compressed when the session policy
// enables compression.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
)

// ErrNotFound is returned by Load for sessions with no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Payload encodings.
const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"
)

// Record is one persisted snapshot of a session.
type Record struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Encoding  string    `json:"encoding"`
	Payload   []byte    `json:"payload"`
	SavedAt   time.Time `json:"saved_at"`
}

// Checkpointer persists and loads the latest snapshot of a session.
type Checkpointer interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) (*Record, error)
}

// HistoryStore is implemented by checkpointers that keep every record.
type HistoryStore interface {
	History(ctx context.Context, sessionID string) ([]Record, error)
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Encode snapshots the state into a Record. SavedAt is wall-clock time and
// never read from the state's clock.
func Encode(st *casestate.CaseState, sequence int, compress bool) (Record, error) {
	data, err := st.Snapshot()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		SessionID: st.SessionID,
		Sequence:  sequence,
		Step:      st.CurrentStep,
		Status:    string(st.Status),
		Encoding:  EncodingJSON,
		Payload:   data,
		SavedAt:   time.Now().UTC(),
	}
	if compress {
		rec.Encoding = EncodingZstd
		rec.Payload = encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	return rec, nil
}

// Decode restores the CaseState held by a Record.
func Decode(rec *Record) (*casestate.CaseState, error) {
	data, err := rec.Snapshot()
	if err != nil {
		return nil, err
	}
	return casestate.Restore(data)
}

// Snapshot returns the uncompressed JSON payload.
func (r *Record) Snapshot() ([]byte, error) {
	switch r.Encoding {
	case "", EncodingJSON:
		return r.Payload, nil
	case EncodingZstd:
		data, err := decoder.DecodeAll(r.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress checkpoint %s/%d: %w", r.SessionID, r.Sequence, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("checkpoint %s/%d: unknown encoding %q", r.SessionID, r.Sequence, r.Encoding)
	}
}

func validate(rec Record) error {
	if rec.SessionID == "" {
		return errors.New("checkpoint record has no session_id")
	}
	return nil
}
