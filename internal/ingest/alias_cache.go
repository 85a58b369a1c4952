package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// aliasKey is (group, edge, device, alias); node-scoped entries use an
// empty device (§4.2 "device-scoped, then node-scoped" precedence).
type aliasKey struct {
	Group  string
	Edge   string
	Device string
	Alias  uint64
}

func (k aliasKey) hash() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", k.Group, k.Edge, k.Device, k.Alias)
	return h.Sum64()
}

// aliasEntry is one cache slot, keyed by aliasKey.hash() but retaining the
// original fields so Snapshot can serialize them back out.
type aliasEntry struct {
	key  aliasKey
	name string
}

// AliasCache resolves alias -> name and persists the mapping to a local
// file so it survives restart (C2, §4.2). Grounded on
// pkg/positions/checkpoint_manager.go's atomic-write pattern, trimmed from
// periodic gzip checkpointing to write-through-on-mutation snapshots.
// Entries are keyed by aliasKey.hash() rather than the struct itself, the
// same xxhash-over-canonicalized-fields approach C8's batch idempotency
// key uses (§11).
type AliasCache struct {
	mu       sync.RWMutex
	entries  map[uint64]aliasEntry
	path     string
	logger   *logrus.Logger
	throttle *rebirthThrottle
}

// RebirthRequest describes a throttled request to re-trigger a birth frame
// for an (edge, device) pair (§4.2).
type RebirthRequest struct {
	Group  string
	Edge   string
	Device string
}

func NewAliasCache(path string, cooldown time.Duration, logger *logrus.Logger) *AliasCache {
	return &AliasCache{
		entries:  make(map[uint64]aliasEntry),
		path:     path,
		logger:   logger,
		throttle: newRebirthThrottle(cooldown),
	}
}

// Resolve looks up a name for (group, edge, device, alias), preferring a
// device-scoped entry and falling back to a node-scoped one (empty device).
func (c *AliasCache) Resolve(group, edge, device string, alias uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[aliasKey{group, edge, device, alias}.hash()]; ok {
		return e.name, true
	}
	if e, ok := c.entries[aliasKey{group, edge, "", alias}.hash()]; ok {
		return e.name, true
	}
	return "", false
}

// Populate records a birth-frame-carried alias->name mapping, overwriting
// any prior value (§4.2 policy).
func (c *AliasCache) Populate(group, edge, device string, alias uint64, name string) {
	key := aliasKey{group, edge, device, alias}

	c.mu.Lock()
	c.entries[key.hash()] = aliasEntry{key: key, name: name}
	c.mu.Unlock()

	if err := c.Snapshot(); err != nil {
		c.logger.WithError(err).Warn("alias cache snapshot failed")
	}
}

// Placeholder produces the synthetic identity for an unresolved alias and
// reports whether a rebirth request should be (re-)issued under the
// per-(edge, device) throttle.
func (c *AliasCache) Placeholder(group, edge, device string, alias uint64) (string, bool) {
	shouldRebirth := c.throttle.request(group, edge, device)
	return fmt.Sprintf("alias:%d", alias), shouldRebirth
}

// snapshotFile is the on-disk representation.
type snapshotFile struct {
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Group  string `json:"group"`
	Edge   string `json:"edge"`
	Device string `json:"device"`
	Alias  uint64 `json:"alias"`
	Name   string `json:"name"`
}

// Snapshot persists the current mapping via write-temp-then-rename, so a
// crash mid-write never corrupts the file for the next Load (§4.2,
// §9 "Alias cache persistence").
func (c *AliasCache) Snapshot() error {
	c.mu.RLock()
	snap := snapshotFile{Entries: make([]snapshotEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		snap.Entries = append(snap.Entries, snapshotEntry{
			Group: e.key.Group, Edge: e.key.Edge, Device: e.key.Device, Alias: e.key.Alias, Name: e.name,
		})
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal alias snapshot: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create alias cache dir: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write alias snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename alias snapshot into place: %w", err)
	}
	return nil
}

// Load restores the mapping from disk on startup. A missing file is not an
// error (first run).
func (c *AliasCache) Load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read alias cache: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal alias cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range snap.Entries {
		key := aliasKey{e.Group, e.Edge, e.Device, e.Alias}
		c.entries[key.hash()] = aliasEntry{key: key, name: e.Name}
	}
	return nil
}

// rebirthThrottle allows at most one in-flight rebirth request per
// (edge, device), suppressing follow-ups until the cooldown elapses.
type rebirthThrottle struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSent map[string]time.Time
}

func newRebirthThrottle(cooldown time.Duration) *rebirthThrottle {
	return &rebirthThrottle{cooldown: cooldown, lastSent: make(map[string]time.Time)}
}

func (t *rebirthThrottle) request(group, edge, device string) bool {
	key := group + "/" + edge + "/" + device

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastSent[key]
	if ok && time.Since(last) < t.cooldown {
		return false
	}
	t.lastSent[key] = time.Now()
	return true
}
