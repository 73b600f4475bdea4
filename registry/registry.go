// Package registry tracks known slaves: their last-seen time, last
// reported requested-max and actual-draw amps, and the timestamps of
// their last significant changes (spec.md §3, §4.4).
package registry

import (
	"log"
	"time"

	"twcmaster/protocol"
)

// MaxSlaves bounds the registry size; admitting a fourth slave evicts the
// oldest entry (spec.md invariant #3).
const MaxSlaves = 3

// UnseenSentinel is the sentinel value for amp fields before the first
// sample is seen.
const UnseenSentinel int32 = -1

// Record is the per-slave state the allocation policy reads and mutates.
type Record struct {
	ID TwcId

	LastRxAt time.Time

	LastReqMaxCA        int32
	LastActualCA        int32
	LastReqMaxChangedAt time.Time
	LastActualChangedAt time.Time
}

// TwcId is an alias so callers outside protocol don't need to import both
// packages just to key the registry.
type TwcId = protocol.TwcId

func newRecord(id TwcId, now time.Time) *Record {
	return &Record{
		ID:           id,
		LastRxAt:     now,
		LastReqMaxCA: UnseenSentinel,
		LastActualCA: UnseenSentinel,
	}
}

// Registry is a bounded, insertion-ordered map of known slaves.
type Registry struct {
	order []TwcId
	byID  map[TwcId]*Record
	rr    int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[TwcId]*Record)}
}

// Len reports the number of known slaves.
func (r *Registry) Len() int {
	return len(r.order)
}

// Get returns the record for id, if known.
func (r *Registry) Get(id TwcId) (*Record, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// Upsert registers id if it isn't already known, evicting the oldest
// entry first if the registry is already at MaxSlaves. It is idempotent
// on existing IDs: an existing record is left untouched. Returns the
// record (existing or freshly created) and whether it was newly created.
func (r *Registry) Upsert(id TwcId, now time.Time) (*Record, bool) {
	if rec, ok := r.byID[id]; ok {
		return rec, false
	}
	if len(r.order) >= MaxSlaves {
		oldest := r.order[0]
		log.Printf("registry: evicting oldest slave %v to admit %v", oldest, id)
		r.delete(oldest)
	}
	rec := newRecord(id, now)
	r.byID[id] = rec
	r.order = append(r.order, id)
	return rec, true
}

// Touch updates LastRxAt for a known slave. It is a no-op for unknown IDs.
func (r *Registry) Touch(id TwcId, now time.Time) {
	if rec, ok := r.byID[id]; ok {
		rec.LastRxAt = now
	}
}

// Delete removes id from the registry.
func (r *Registry) Delete(id TwcId) {
	r.delete(id)
}

func (r *Registry) delete(id TwcId) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.rr >= len(r.order) {
		r.rr = 0
	}
}

// Next advances the round-robin pointer and returns the next slave's
// record, in stable insertion order. It returns (nil, false) when the
// registry is empty.
func (r *Registry) Next() (*Record, bool) {
	if len(r.order) == 0 {
		return nil, false
	}
	r.rr = (r.rr + 1) % len(r.order)
	id := r.order[r.rr]
	return r.byID[id], true
}

// SumReqMax returns the sum of LastReqMaxCA across all known slaves,
// clamping negative (unseen-sentinel) values to zero first.
func (r *Registry) SumReqMax() int32 {
	var sum int32
	for _, id := range r.order {
		v := r.byID[id].LastReqMaxCA
		if v < 0 {
			v = 0
		}
		sum += v
	}
	return sum
}
