// Package fixture implements the file-backed document test suites stage
// canned upstream responses into. A Store owns a single JSON object on disk;
// updates merge into it one serialized read-merge-write cycle at a time, and
// reads never fail.
package fixture

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
)

// Document is a mapping from fixture keys to opaque JSON values.
type Document map[string]json.RawMessage

// Op identifies the kind of document mutation observers are told about.
type Op string

const (
	// OpUpdate is a committed merge of staged keys.
	OpUpdate Op = "update"
	// OpReset is a committed wipe back to the empty object.
	OpReset Op = "reset"
	// OpRecover is a reset performed after an unreadable document.
	OpRecover Op = "recover"
	// OpExternal is an edit made to the file by something other than the
	// owning Store, noticed by a Watcher.
	OpExternal Op = "external"
)

// Change describes one committed document mutation. Keys is sorted and only
// populated for OpUpdate.
type Change struct {
	Op   Op       `json:"op"`
	Keys []string `json:"keys,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger used for recovery reporting.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotify registers an observer invoked after every committed mutation.
// Observers run synchronously on the mutating goroutine, after the in-flight
// slot has been released; they must not block for long.
func WithNotify(fn func(Change)) Option {
	return func(s *Store) {
		if fn != nil {
			s.notify = append(s.notify, fn)
		}
	}
}

// Store is a process-local file-backed JSON document. At most one
// read-merge-write cycle runs at a time: the slot channel holds the in-flight
// update token, later callers park on send and are woken in arrival order.
// Construct one per process and hand it to consumers; it has no global state.
type Store struct {
	path   string
	slot   chan struct{}
	logger pkglog.Logger
	notify []func(Change)

	mu        sync.Mutex
	lastWrite [sha256.Size]byte
}

// NewStore returns a Store persisting its document at path. The file is not
// touched until the first Read, Update or Reset.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		slot:   make(chan struct{}, 1),
		logger: pkglog.Shared(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Path returns the location of the persisted document.
func (s *Store) Path() string {
	return s.path
}

// Read returns the current document. A missing, unreadable or unparsable
// file is recovered locally: the failure is logged, the persisted document is
// reset to the empty object, and an empty mapping is returned. Read never
// returns an error. Read does not take the in-flight slot, so a read
// overlapping an update may observe either the pre- or post-update document.
func (s *Store) Read() Document {
	doc, err := s.load()
	if err != nil {
		s.recoverEmpty(err)
		return Document{}
	}
	return doc
}

// Update merges patch into the persisted document, one shallow key overwrite
// per entry, and persists the result with a single write call. When another
// update is in flight the caller waits for that cycle to finish, then runs
// its own independent read-merge-write cycle; patches are never batched into
// one write. A failed cycle surfaces its error to this caller only and always
// releases the slot. Cancelling ctx while waiting abandons the update before
// a cycle starts.
func (s *Store) Update(ctx context.Context, patch Document) error {
	if err := s.claim(ctx); err != nil {
		return err
	}

	err := func() error {
		defer s.clear()

		doc := s.loadForMerge()
		for key, value := range patch {
			doc[key] = value
		}
		return s.write(doc)
	}()
	if err != nil {
		return err
	}

	s.publish(Change{Op: OpUpdate, Keys: sortedKeys(patch)})
	return nil
}

// Reset persists the empty object through the same cycle discipline as
// Update.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.claim(ctx); err != nil {
		return err
	}

	err := func() error {
		defer s.clear()
		return s.write(Document{})
	}()
	if err != nil {
		return err
	}

	s.publish(Change{Op: OpReset})
	return nil
}

func (s *Store) claim(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) clear() {
	<-s.slot
}

func (s *Store) load() (Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode fixture document: %w", err)
	}
	if doc == nil {
		return nil, errors.New("fixture document is not a JSON object")
	}
	return doc, nil
}

// loadForMerge is the read half of an update cycle. Failures start the merge
// from an empty document; the write that follows repairs the file, so no
// separate recovery write happens inside a cycle.
func (s *Store) loadForMerge() Document {
	doc, err := s.load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnw("fixture document unreadable, merging into empty document",
				"path", s.path, "error", err)
		}
		return Document{}
	}
	return doc
}

func (s *Store) recoverEmpty(cause error) {
	if errors.Is(cause, fs.ErrNotExist) {
		s.logger.Debugw("fixture document missing, creating empty document", "path", s.path)
	} else {
		s.logger.Warnw("fixture document unreadable, resetting to empty document",
			"path", s.path, "error", cause)
	}

	if err := s.write(Document{}); err != nil {
		s.logger.Errorw("fixture document reset failed", "path", s.path, "error", err)
		return
	}
	s.publish(Change{Op: OpRecover})
}

func (s *Store) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture document: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture document: %w", err)
	}

	s.mu.Lock()
	s.lastWrite = sha256.Sum256(data)
	s.mu.Unlock()
	return nil
}

// ownWrite reports whether data matches the bytes of the store's most recent
// write. Watchers use it to suppress events caused by the store itself.
func (s *Store) ownWrite(data []byte) bool {
	sum := sha256.Sum256(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum == s.lastWrite
}

func (s *Store) publish(change Change) {
	for _, fn := range s.notify {
		fn(change)
	}
}

func sortedKeys(patch Document) []string {
	if len(patch) == 0 {
		return nil
	}
	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
