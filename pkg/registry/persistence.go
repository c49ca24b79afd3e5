package registry

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"argo/pkg/cierrors"
	"argo/pkg/proto"
)

// SnapshotVersion is the on-disk snapshot format version.
const SnapshotVersion = 1

type snapshot struct {
	Version int             `json:"version"`
	Count   int             `json:"count"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Model        string `json:"model"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Status       int    `json:"status"`
	RegisteredAt int64  `json:"registered_at"`
}

// SaveState writes the registry snapshot to path. Write errors propagate.
func (r *Registry) SaveState(path string) error {
	r.mu.Lock()
	snap := snapshot{
		Version: SnapshotVersion,
		Count:   len(r.order),
		Entries: make([]snapshotEntry, 0, len(r.order)),
	}
	for _, name := range r.order {
		entry := r.entries[name]
		snap.Entries = append(snap.Entries, snapshotEntry{
			Name:         entry.Name,
			Role:         entry.Role,
			Model:        entry.Model,
			Host:         entry.Host,
			Port:         entry.Port,
			Status:       int(entry.Status),
			RegisteredAt: entry.RegisteredAt.Unix(),
		})
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return cierrors.Wrap(cierrors.KindInternal, "registry.save_state", err, "marshal snapshot")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cierrors.Wrap(cierrors.KindTransport, "registry.save_state", err, path)
	}

	r.log.Info("Saved registry snapshot: %d entries to %s", snap.Count, path)
	return nil
}

// LoadState restores entries from a snapshot at path. Recovery is best
// effort: a missing file leaves the registry empty, an unreadable or
// malformed snapshot is logged and skipped, and individually malformed
// entries are dropped without aborting the rest.
func (r *Registry) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Debug("No snapshot at %s, starting empty", path)
			return nil
		}
		r.log.Warn("Snapshot %s unreadable, starting empty: %v", path, err)
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.log.Warn("Snapshot %s malformed, starting empty: %v", path, err)
		return nil
	}
	if snap.Version != SnapshotVersion {
		r.log.Warn("Snapshot %s has unknown version %d, starting empty", path, snap.Version)
		return nil
	}

	restored := 0
	for i := range snap.Entries {
		se := &snap.Entries[i]
		if err := r.restoreEntry(se); err != nil {
			r.log.Warn("Skipping snapshot entry %d (%q): %v", i, se.Name, err)
			continue
		}
		restored++
	}

	r.log.Info("Restored %d of %d snapshot entries from %s", restored, len(snap.Entries), path)
	return nil
}

func (r *Registry) restoreEntry(se *snapshotEntry) error {
	if err := validateIdentity(se.Name, se.Role, se.Model); err != nil {
		return err
	}
	if !proto.Status(se.Status).Valid() {
		return cierrors.Newf(cierrors.KindProtocol, "registry.load_state",
			"invalid status %d", se.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= MaxCIs {
		return cierrors.Newf(cierrors.KindResourceExhausted, "registry.load_state",
			"registry full (%d entries)", MaxCIs)
	}
	if _, exists := r.entries[se.Name]; exists {
		return cierrors.Newf(cierrors.KindStateConflict, "registry.load_state",
			"duplicate name %q", se.Name)
	}

	host := se.Host
	if host == "" {
		host = DefaultHost
	}
	entry := &Entry{
		Name:          se.Name,
		Role:          se.Role,
		Model:         se.Model,
		Host:          host,
		Port:          se.Port,
		Status:        proto.Status(se.Status),
		RegisteredAt:  time.Unix(se.RegisteredAt, 0),
		LastHeartbeat: time.Now(),
		socketFD:      -1,
	}
	r.entries[se.Name] = entry
	r.order = append(r.order, se.Name)
	return nil
}
