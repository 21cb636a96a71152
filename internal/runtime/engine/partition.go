package engine

import (
	"time"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/transport"
)

// PartitionStatus is the dispatch state of one partition.
type PartitionStatus string

const (
	PartitionActive   PartitionStatus = "ACTIVE"
	PartitionBlocked  PartitionStatus = "BLOCKED"
	PartitionDraining PartitionStatus = "DRAINING"
)

type itemState int

const (
	itemQueued itemState = iota
	itemInFlight
	itemDelayed
	itemDone
)

type workItem struct {
	record transport.Record
	// attempts made so far
	attempt      uint
	state        itemState
	nextEligible time.Time
	timer        *time.Timer
}

func (w *workItem) eligible(now time.Time) bool {
	switch w.state {
	case itemQueued:
		return true
	case itemDelayed:
		return !now.Before(w.nextEligible)
	default:
		return false
	}
}

func (w *workItem) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// orderKey scopes KEY ordering to one partition. Keyless records share the
// partition as their key.
type orderKey struct {
	keyless bool
	key     string
}

func keyOf(r transport.Record) orderKey {
	if len(r.Key) == 0 {
		return orderKey{keyless: true}
	}
	return orderKey{key: string(r.Key)}
}

// partition holds the buffered window of one partition in offset order.
// Terminal items stay in the window until every lower offset is terminal.
type partition struct {
	id    int32
	items []*workItem
	// cursor is the highest offset of the contiguous terminal prefix.
	cursor    int64
	committed int64
	highest   int64
	inFlight  int
}

func newPartition(id int32) *partition {
	return &partition{id: id, cursor: -1, committed: -1, highest: -1}
}

// accept appends r unless its offset was already seen.
func (p *partition) accept(r transport.Record) bool {
	if r.Offset <= p.highest {
		return false
	}
	p.highest = r.Offset
	p.items = append(p.items, &workItem{record: r})
	return true
}

// advance moves the cursor over the terminal prefix and drops it from the
// window. It returns the number of items dropped.
func (p *partition) advance() int {
	n := 0
	for n < len(p.items) && p.items[n].state == itemDone {
		p.cursor = p.items[n].record.Offset
		n++
	}
	if n > 0 {
		clear(p.items[:n])
		p.items = p.items[n:]
	}
	return n
}

func (p *partition) head() *workItem {
	for _, it := range p.items {
		if it.state != itemDone {
			return it
		}
	}
	return nil
}

// collect appends up to limit eligible items to dst following order and
// marks them in flight.
func (p *partition) collect(dst []*workItem, limit int, order config.ProcessingOrder, now time.Time) []*workItem {
	if limit <= 0 {
		return dst
	}
	switch order {
	case config.OrderKey:
		seen := make(map[orderKey]struct{})
		for _, it := range p.items {
			if len(dst) >= limit {
				break
			}
			if it.state == itemDone {
				continue
			}
			k := keyOf(it.record)
			if _, blocked := seen[k]; blocked {
				continue
			}
			seen[k] = struct{}{}
			if it.eligible(now) {
				dst = p.take(dst, it)
			}
		}
	case config.OrderUnordered:
		for _, it := range p.items {
			if len(dst) >= limit {
				break
			}
			if it.eligible(now) {
				dst = p.take(dst, it)
			}
		}
	default:
		if p.inFlight > 0 {
			return dst
		}
		if it := p.head(); it != nil && it.eligible(now) {
			dst = p.take(dst, it)
		}
	}
	return dst
}

func (p *partition) take(dst []*workItem, it *workItem) []*workItem {
	it.stopTimer()
	it.state = itemInFlight
	p.inFlight++
	return append(dst, it)
}

func (p *partition) status(order config.ProcessingOrder, draining bool) PartitionStatus {
	if draining {
		return PartitionDraining
	}
	if order == config.OrderPartition {
		if it := p.head(); it != nil && it.state == itemDelayed {
			return PartitionBlocked
		}
	}
	return PartitionActive
}

func (p *partition) snapshot(order config.ProcessingOrder, draining bool) PartitionSnapshot {
	s := PartitionSnapshot{
		ID:        p.id,
		Status:    p.status(order, draining),
		Cursor:    p.cursor,
		Committed: p.committed,
		InFlight:  p.inFlight,
	}
	for _, it := range p.items {
		switch it.state {
		case itemQueued:
			s.Pending++
		case itemDelayed:
			s.Delayed++
		}
	}
	return s
}

// PartitionSnapshot is the published state of one partition. Cursor and
// Committed are -1 until the first record is done or committed.
type PartitionSnapshot struct {
	ID        int32           `json:"id"`
	Status    PartitionStatus `json:"status"`
	Cursor    int64           `json:"cursor"`
	Committed int64           `json:"committed"`
	Pending   int             `json:"pending"`
	Delayed   int             `json:"delayed"`
	InFlight  int             `json:"in_flight"`
}
