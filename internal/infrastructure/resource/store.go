// Package resource layers typed (type, id) persistence over the raw kvstore
// collaborator. Heterogeneous record types share one underlying store via
// composite keys.
package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradle/tim-bank-sub000/internal/infrastructure/kvstore"
)

// ErrNotFound aliases the store sentinel so callers need only this package.
var ErrNotFound = kvstore.ErrNotFound

// keySep terminates the type segment. Ids are free-form; types must not
// contain the separator byte.
const keySep = byte(0x00)

// Entry is one record yielded by a type scan.
type Entry struct {
	ID    string
	Value json.RawMessage
}

// ListOptions bound a type scan.
type ListOptions struct {
	// StartAfter resumes a scan after the given id (exclusive).
	StartAfter string
	// Limit caps the number of entries returned; zero means no cap.
	Limit int
}

// Store is the typed key-value persistence layer.
type Store struct {
	kv kvstore.KV
}

func NewStore(kv kvstore.KV) *Store {
	return &Store{kv: kv}
}

func key(typ, id string) []byte {
	k := make([]byte, 0, len(typ)+1+len(id))
	k = append(k, typ...)
	k = append(k, keySep)
	k = append(k, id...)
	return k
}

// Put marshals v and stores it under (typ, id).
func (s *Store) Put(ctx context.Context, typ, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", typ, id, err)
	}
	return s.kv.Put(ctx, key(typ, id), raw)
}

// Get unmarshals the record at (typ, id) into out. Missing keys surface
// ErrNotFound, distinguishable from other I/O errors.
func (s *Store) Get(ctx context.Context, typ, id string, out any) error {
	raw, err := s.kv.Get(ctx, key(typ, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", typ, id, err)
	}
	return nil
}

// Delete removes the record at (typ, id). Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, typ, id string) error {
	return s.kv.Delete(ctx, key(typ, id))
}

// ListByType returns records of one type ordered by id ascending.
func (s *Store) ListByType(ctx context.Context, typ string, opts ListOptions) ([]Entry, error) {
	prefix := key(typ, "")
	var entries []Entry
	errStop := fmt.Errorf("list stop")
	err := s.kv.Scan(ctx, prefix, func(k, v []byte) error {
		id := string(k[len(prefix):])
		if opts.StartAfter != "" && id <= opts.StartAfter {
			return nil
		}
		entries = append(entries, Entry{ID: id, Value: append(json.RawMessage(nil), v...)})
		if opts.Limit > 0 && len(entries) >= opts.Limit {
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		return nil, err
	}
	return entries, nil
}
