// Package registry holds the tag registry and the rabbit directory. Both are
// loaded from a single tags.yaml file into an immutable Snapshot. Reloading
// builds a new snapshot and swaps it in atomically: readers always see a
// complete configuration, and a failed reload leaves the previous snapshot
// active.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clambin/nabtag/pkg/pubsub"
)

// Snapshot is one immutable version of the configuration. Lookups are plain
// map reads and safe for concurrent use.
type Snapshot struct {
	tags     map[string]TagEntry
	rabbits  map[string]RabbitEntry
	secret   string
	loadedAt time.Time
}

// Tag resolves a uid (in any case, with or without colons) to its entry.
func (s *Snapshot) Tag(uid string) (TagEntry, bool) {
	entry, ok := s.tags[NormalizeUID(uid)]
	return entry, ok
}

// Rabbit resolves a rabbit id to its directory entry.
func (s *Snapshot) Rabbit(id string) (RabbitEntry, bool) {
	entry, ok := s.rabbits[strings.ToLower(strings.TrimSpace(id))]
	return entry, ok
}

// Tags returns all entries, sorted by label.
func (s *Snapshot) Tags() []TagEntry {
	entries := make([]TagEntry, 0, len(s.tags))
	for _, entry := range s.tags {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b TagEntry) int { return cmp.Compare(a.Label(), b.Label()) })
	return entries
}

// Rabbits returns all directory entries, sorted by id.
func (s *Snapshot) Rabbits() []RabbitEntry {
	entries := make([]RabbitEntry, 0, len(s.rabbits))
	for _, entry := range s.rabbits {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b RabbitEntry) int { return cmp.Compare(a.ID, b.ID) })
	return entries
}

// LoadedAt returns the time the snapshot was loaded.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Secret returns the instance's own relay secret (empty if relaying is not
// configured).
func (s *Snapshot) Secret() string {
	return s.secret
}

// SecretFor returns the relay secret to present to the given rabbit: its
// per-rabbit secret if one is configured, the fleet-wide secret otherwise.
func (s *Snapshot) SecretFor(rabbit RabbitEntry) string {
	if rabbit.secret != "" {
		return rabbit.secret
	}
	return s.secret
}

// Store reads tags.yaml and serves the current Snapshot. New snapshots are
// published to subscribers on every successful (re)load.
type Store struct {
	*pubsub.Publisher[*Snapshot]
	path       string
	secretFile string
	logger     *slog.Logger
	snapshot   atomic.Pointer[Snapshot]
}

func New(path string, secretFile string, logger *slog.Logger) *Store {
	return &Store{
		Publisher:  pubsub.New[*Snapshot](logger.With(slog.String("component", "registry"))),
		path:       path,
		secretFile: secretFile,
		logger:     logger,
	}
}

// Snapshot returns the active snapshot, or nil if no configuration has been
// loaded yet.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Load (re)reads the tags file. On success the new snapshot becomes active
// and is published to subscribers. On failure the active snapshot is left
// untouched and the error is returned.
func (s *Store) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer func() { _ = f.Close() }()

	tags, rabbits, err := parse(f, s.logger)
	if err != nil {
		return err
	}

	snapshot := Snapshot{tags: tags, rabbits: rabbits, loadedAt: time.Now()}
	if snapshot.secret, err = readSecret(s.secretFile); err != nil {
		return err
	}
	for id, rabbit := range rabbits {
		if rabbit.secret, err = readSecret(rabbit.SecretFile); err != nil {
			return err
		}
		rabbits[id] = rabbit
	}

	s.snapshot.Store(&snapshot)
	s.Publisher.Publish(&snapshot)
	s.logger.Info("configuration loaded",
		slog.Int("tags", len(tags)),
		slog.Int("rabbits", len(rabbits)),
	)
	return nil
}

// readSecret reads a relay secret file, trimming the trailing newline. The
// contents never appear in errors or logs, only the path does.
func readSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: secret file %s: %w", ErrConfig, path, err)
	}
	return strings.TrimSpace(string(content)), nil
}
