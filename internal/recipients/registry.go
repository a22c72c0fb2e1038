// Package recipients holds the in-memory registry of extracted phone numbers
// and their per-recipient send/delivery state.
package recipients

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/allyourbase/smsbatch/internal/phone"
)

// subscriberBufferSize is the per-subscriber channel buffer. Changes are
// dropped for a subscriber whose buffer is full; Snapshot stays authoritative.
const subscriberBufferSize = 256

// State is the position of a record in the send/poll state machine.
type State string

const (
	StatePending    State = "pending"
	StateSent       State = "sent"
	StatePolling    State = "polling"
	StateTerminal   State = "terminal"
	StateSendFailed State = "send_failed"
)

// Record is one recipient. Number is the E.164 key.
type Record struct {
	Number          string                    `json:"number"`
	Phone           *phonenumbers.PhoneNumber `json:"-"`
	Sent            bool                      `json:"sent"`
	Status          string                    `json:"status"`
	State           State                     `json:"state"`
	ProviderMessage map[string]any            `json:"provider_message"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Display returns the number in international format.
func (r Record) Display() string {
	if r.Phone == nil {
		return r.Number
	}
	return phone.Display(r.Phone)
}

// MessageID returns the provider message id, or "" before a successful send.
func (r Record) MessageID() string {
	sid, _ := r.ProviderMessage["sid"].(string)
	return sid
}

func (r Record) clone() Record {
	r.ProviderMessage = maps.Clone(r.ProviderMessage)
	if r.ProviderMessage == nil {
		r.ProviderMessage = map[string]any{}
	}
	return r
}

// Registry maps canonical numbers to records. It is safe for concurrent use:
// every send/poll machine writes back through it from its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	counts  phone.Counts
	epoch   uint64

	subMu  sync.RWMutex
	subs   map[uint64]chan Record
	nextID atomic.Uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		subs:    make(map[uint64]chan Record),
	}
}

// Reset drops every record and zeroes the counters. Machines started before
// the reset can no longer write back (see Update).
func (r *Registry) Reset() {
	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.order = nil
	r.counts = phone.Counts{}
	r.epoch++
	r.mu.Unlock()
}

// Load replaces the registry contents with an extraction result. Every
// accepted match becomes a pending record.
func (r *Registry) Load(res phone.Result) {
	now := time.Now()
	r.mu.Lock()
	r.records = make(map[string]*Record, len(res.Accepted))
	r.order = make([]string, 0, len(res.Accepted))
	for _, m := range res.Accepted {
		if _, dup := r.records[m.Canonical]; dup {
			continue
		}
		r.records[m.Canonical] = &Record{
			Number:          m.Canonical,
			Phone:           m.Number,
			State:           StatePending,
			ProviderMessage: map[string]any{},
			UpdatedAt:       now,
		}
		r.order = append(r.order, m.Canonical)
	}
	r.counts = res.Counts
	r.epoch++
	r.mu.Unlock()
}

// Upsert replaces the record stored at rec.Number, leaving other keys alone.
func (r *Registry) Upsert(rec Record) {
	rec = rec.clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	r.mu.Lock()
	if _, ok := r.records[rec.Number]; !ok {
		r.order = append(r.order, rec.Number)
	}
	r.records[rec.Number] = &rec
	r.mu.Unlock()
	r.publish(rec.clone())
}

// Update applies fn to the record at key, but only while key is still present
// and the registry has not been reset or reloaded since epoch. It reports
// whether fn ran.
func (r *Registry) Update(epoch uint64, key string, fn func(*Record)) bool {
	r.mu.Lock()
	cur, ok := r.records[key]
	if !ok || r.epoch != epoch {
		r.mu.Unlock()
		return false
	}
	next := cur.clone()
	fn(&next)
	next.UpdatedAt = time.Now()
	r.records[key] = &next
	out := next.clone()
	r.mu.Unlock()
	r.publish(out)
	return true
}

// Get returns a copy of the record at key.
func (r *Registry) Get(key string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot returns copies of all records in scan order together with the
// epoch they belong to.
func (r *Registry) Snapshot() ([]Record, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.records[key].clone())
	}
	return out, r.epoch
}

// Counts returns the statistics of the last parse.
func (r *Registry) Counts() phone.Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Epoch returns the current registry generation.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Subscribe registers a listener for record changes. The returned cancel
// function unregisters it and closes the channel.
func (r *Registry) Subscribe() (<-chan Record, func()) {
	id := r.nextID.Add(1)
	ch := make(chan Record, subscriberBufferSize)

	r.subMu.Lock()
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(rec Record) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// String is used in log lines.
func (r *Registry) String() string {
	c := r.Counts()
	return fmt.Sprintf("registry{records=%d detected=%d valid=%d mobile=%d}", r.Len(), c.Detected, c.Valid, c.Mobile)
}
