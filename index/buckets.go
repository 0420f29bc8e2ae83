package index

import "sort"

// bucketIndex is one reverse index: feature value to the set of entity
// ids carrying that value. Lookup is an amortized O(1) map access.
type bucketIndex struct {
	buckets map[string]map[string]struct{}
}

func newBucketIndex() *bucketIndex {
	return &bucketIndex{buckets: make(map[string]map[string]struct{})}
}

func (b *bucketIndex) add(value, id string) {
	set, ok := b.buckets[value]
	if !ok {
		set = make(map[string]struct{})
		b.buckets[value] = set
	}
	set[id] = struct{}{}
}

func (b *bucketIndex) remove(value, id string) {
	set, ok := b.buckets[value]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.buckets, value)
	}
}

func (b *bucketIndex) lookup(value string) map[string]struct{} {
	return b.buckets[value]
}

func (b *bucketIndex) reset() {
	b.buckets = make(map[string]map[string]struct{})
}

// dateEntry is one element of the ordered date index.
type dateEntry struct {
	ts int64 // UnixMicro
	id string
}

// dateIndex keeps (timestamp, id) pairs sorted so range queries run in
// O(log n + k).
type dateIndex struct {
	entries []dateEntry
}

func newDateIndex() *dateIndex {
	return &dateIndex{}
}

func (d *dateIndex) search(ts int64, id string) int {
	return sort.Search(len(d.entries), func(i int) bool {
		e := d.entries[i]
		if e.ts != ts {
			return e.ts >= ts
		}
		return e.id >= id
	})
}

func (d *dateIndex) add(ts int64, id string) {
	i := d.search(ts, id)
	if i < len(d.entries) && d.entries[i].ts == ts && d.entries[i].id == id {
		return
	}
	d.entries = append(d.entries, dateEntry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = dateEntry{ts: ts, id: id}
}

func (d *dateIndex) remove(ts int64, id string) {
	i := d.search(ts, id)
	if i >= len(d.entries) || d.entries[i].ts != ts || d.entries[i].id != id {
		return
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
}

// rangeQuery returns the ids of entries with from <= ts < to.
func (d *dateIndex) rangeQuery(from, to int64) map[string]struct{} {
	out := make(map[string]struct{})
	i := sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].ts >= from
	})
	for ; i < len(d.entries) && d.entries[i].ts < to; i++ {
		out[d.entries[i].id] = struct{}{}
	}
	return out
}

func (d *dateIndex) reset() {
	d.entries = nil
}
