package cache

import (
	"sort"
	"time"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// CachedAssocWindow is the assoc_list cache entry (spec §3 "Cache
// entries"): a time-descending slice bounded to a configured window, a
// monotone version stamp, and a freshness deadline. Holding the list as
// its own value type lets AppendAssoc splice in a new edge without
// invalidating the whole L2 entry, per spec §4.5's incremental-append
// cache policy.
type CachedAssocWindow struct {
	Items      []model.Association
	Version    uint64
	FreshUntil time.Time
}

// Fresh reports whether the window can still be served without touching
// the backend.
func (w CachedAssocWindow) Fresh(now time.Time) bool {
	return now.Before(w.FreshUntil)
}

// withInserted returns a copy of the window with assoc inserted in
// time-descending order via binary search, truncated to maxWindow
// entries, with Version bumped.
func (w CachedAssocWindow) withInserted(assoc model.Association, maxWindow int, ttl time.Duration, now time.Time) CachedAssocWindow {
	items := make([]model.Association, len(w.Items), len(w.Items)+1)
	copy(items, w.Items)

	idx := sort.Search(len(items), func(i int) bool { return items[i].Time <= assoc.Time })
	items = append(items, model.Association{})
	copy(items[idx+1:], items[idx:])
	items[idx] = assoc

	if maxWindow > 0 && len(items) > maxWindow {
		items = items[:maxWindow]
	}

	return CachedAssocWindow{
		Items:      items,
		Version:    w.Version + 1,
		FreshUntil: now.Add(ttl),
	}
}

// withRemoved returns a copy of the window with any entry matching id2
// removed, Version bumped. Used when assoc_delete's inverse-pair
// transaction commits.
func (w CachedAssocWindow) withRemoved(id2 model.TaoID, ttl time.Duration, now time.Time) CachedAssocWindow {
	items := make([]model.Association, 0, len(w.Items))
	for _, item := range w.Items {
		if item.ID2 == id2 {
			continue
		}
		items = append(items, item)
	}
	return CachedAssocWindow{
		Items:      items,
		Version:    w.Version + 1,
		FreshUntil: now.Add(ttl),
	}
}
