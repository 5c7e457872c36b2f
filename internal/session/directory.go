package session

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const directoryCleanup = time.Minute

// Directory indexes the coordinators a process runs, one per session.
// Left sessions stay readable for a grace period and are closed when they
// expire.
type Directory struct {
	cache  *cache.Cache
	logger *zap.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory(logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		cache:  cache.New(cache.NoExpiration, directoryCleanup),
		logger: logger.Named("directory"),
	}
	d.cache.OnEvicted(func(id string, v interface{}) {
		if c, ok := v.(*Coordinator); ok {
			d.logger.Debug("closing retired session", zap.String("session_id", id))
			_ = c.Close()
		}
	})
	return d
}

// Register indexes c under its current session ID.
func (d *Directory) Register(c *Coordinator) string {
	id := c.Info().ID
	d.cache.Set(id, c, cache.NoExpiration)
	return id
}

// Get returns the coordinator for a session.
func (d *Directory) Get(sessionID string) (*Coordinator, bool) {
	if v, found := d.cache.Get(sessionID); found {
		return v.(*Coordinator), true
	}
	return nil, false
}

// List returns the indexed session IDs, sorted.
func (d *Directory) List() []string {
	items := d.cache.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Retire keeps a session readable for grace, then closes its coordinator.
// A zero grace closes it now.
func (d *Directory) Retire(sessionID string, grace time.Duration) {
	v, found := d.cache.Get(sessionID)
	if !found {
		return
	}
	if grace <= 0 {
		d.cache.Delete(sessionID)
		return
	}
	d.cache.Set(sessionID, v, grace)
}

// Close closes every indexed coordinator.
func (d *Directory) Close() {
	for _, id := range d.List() {
		d.cache.Delete(id)
	}
}
