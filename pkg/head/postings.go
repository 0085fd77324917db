package head

import (
	"sort"
	"sync"

	"github.com/famarks/tsdb/pkg/tsid"
)

// postingList is the head's posting list (spec §3 "a sorted set of
// live TSIDs used only for full-scan enumeration; query-time label
// matching is delegated to the external indexer").
type postingList struct {
	mtx sync.RWMutex
	ids map[tsid.TSID]struct{}
}

func newPostingList() *postingList {
	return &postingList{ids: map[tsid.TSID]struct{}{}}
}

func (p *postingList) add(id tsid.TSID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.ids[id] = struct{}{}
}

func (p *postingList) del(ids map[tsid.TSID]struct{}) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for id := range ids {
		delete(p.ids, id)
	}
}

// All returns every posted TSID in sorted order.
func (p *postingList) All() []tsid.TSID {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	out := make([]tsid.TSID, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (p *postingList) size() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.ids)
}
