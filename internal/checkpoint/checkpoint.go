// Package checkpoint persists per-star results so that batch reruns can skip
// work already done. Records are keyed by a content hash of the star and its
// visit set; the result itself is an opaque gob+gzip payload.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a checkpoint record.
type Status string

const (
	// StatusPending marks a star whose processing started but never finished.
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned by Load when no record exists for the key.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one persisted checkpoint.
type Record struct {
	Key     string
	StarID  string
	Mode    string
	Status  Status
	RunID   string
	Version string
	// State is the last pipeline state reached.
	State string
	// Kind and Reason describe a failure.
	Kind   string
	Reason string
	// Payload holds the encoded result of a completed star.
	Payload []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) validate() error {
	if r == nil {
		return errors.New("nil checkpoint record")
	}
	if r.Key == "" || r.StarID == "" {
		return errors.New("checkpoint key and star id are required")
	}
	switch r.Status {
	case StatusPending, StatusDone, StatusFailed:
	default:
		return fmt.Errorf("invalid checkpoint status %q", r.Status)
	}
	return nil
}

// Store is the exists / load / store contract of a checkpoint backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// Exists reports whether any record exists for key.
	Exists(ctx context.Context, key string) (bool, error)
	// Load returns the record for key or ErrNotFound.
	Load(ctx context.Context, key string) (*Record, error)
	// Store inserts or replaces the record for rec.Key.
	Store(ctx context.Context, rec *Record) error
	// Placeholder inserts rec only if no record exists for rec.Key and
	// reports whether it was written.
	Placeholder(ctx context.Context, rec *Record) (bool, error)
	// ListFailures returns all failed records ordered by star id.
	ListFailures(ctx context.Context) ([]Record, error)
	Close() error
}

// Encode serialises v with gob and compresses the result with gzip.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(v); err != nil {
		gz.Close()
		return nil, fmt.Errorf("encode checkpoint payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress checkpoint payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode into v, which must be a pointer.
func Decode(blob []byte, v any) error {
	if len(blob) == 0 {
		return errors.New("empty checkpoint payload")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	if err := gob.NewDecoder(gz).Decode(v); err != nil {
		return fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}
	return nil
}
