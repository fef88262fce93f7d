package engine

import "github.com/zkvault/vault-engine/internal/ledger"

type dedupeKey struct {
	from    ledger.Address
	queryID uint64
}

// dedupe remembers the last n keys, evicting the oldest first.
type dedupe struct {
	set  map[dedupeKey]struct{}
	ring []dedupeKey
	next int
}

func newDedupe(n int) *dedupe {
	return &dedupe{
		set:  make(map[dedupeKey]struct{}, n),
		ring: make([]dedupeKey, 0, n),
	}
}

func (d *dedupe) has(k dedupeKey) bool {
	_, ok := d.set[k]
	return ok
}

func (d *dedupe) add(k dedupeKey) {
	if d.has(k) {
		return
	}
	if len(d.ring) < cap(d.ring) {
		d.ring = append(d.ring, k)
	} else {
		delete(d.set, d.ring[d.next])
		d.ring[d.next] = k
		d.next = (d.next + 1) % len(d.ring)
	}
	d.set[k] = struct{}{}
}
