package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus drops finished jobs past the TTL, then the oldest entries
// until at most statusMax remain. Running jobs are never dropped.
func (d *Dispatcher) pruneStatus(now time.Time) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	for id, st := range d.status {
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.StartedAt
		}
		if now.Sub(ref) > d.statusTTL {
			delete(d.status, id)
		}
	}
	if len(d.status) <= d.statusMax {
		return
	}

	type entry struct {
		id string
		t  time.Time
	}
	items := make([]entry, 0, len(d.status))
	for id, st := range d.status {
		if st.Running {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.StartedAt
		}
		items = append(items, entry{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(d.status) - d.statusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(d.status, items[i].id)
	}
}
