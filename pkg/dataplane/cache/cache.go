// Package cache durably stores the last successfully-applied snapshot on
// the local node, so a restart can serve last-known-good forwarding
// state before the first successful poll of the control plane completes.
package cache

import (
	"encoding/json"
	"fmt"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/store/kv"
	"github.com/meshrelay/gateway/pkg/store/kv/bolt"
	"github.com/meshrelay/gateway/pkg/util/id"
)

const lastAppliedKey = "last_applied_version"

type record struct {
	VersionID id.ID           `json:"version_id"`
	Snapshot  config.Snapshot `json:"snapshot"`
}

// Cache wraps a kv.Store specialized to the single "last applied
// snapshot" record the reconciler needs to survive a restart.
type Cache struct {
	store kv.Store
}

// Open opens (creating if necessary) the local durable cache at path.
func Open(path string) (*Cache, error) {
	store, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Save persists versionID and snapshot as the last successfully applied
// state.
func (c *Cache) Save(versionID id.ID, snapshot config.Snapshot) error {
	data, err := json.Marshal(record{VersionID: versionID, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("encode cached snapshot: %w", err)
	}
	return c.store.Put([]byte(lastAppliedKey), data)
}

// Load returns the last successfully-applied version id and snapshot, or
// ok=false if nothing has been cached yet.
func (c *Cache) Load() (id.ID, config.Snapshot, bool, error) {
	data, err := c.store.Get([]byte(lastAppliedKey))
	if err != nil {
		return id.Nil, config.Snapshot{}, false, fmt.Errorf("read cached snapshot: %w", err)
	}
	if data == nil {
		return id.Nil, config.Snapshot{}, false, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return id.Nil, config.Snapshot{}, false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return rec.VersionID, rec.Snapshot, true, nil
}
