package sessions

import (
	"errors"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/atriumworld/atrium/pkg/palette"
	"github.com/atriumworld/atrium/pkg/protocol"
)

// ErrDuplicateSession means Add was called for an id that is already live.
var ErrDuplicateSession = errors.New("session id already registered")

// Record is the authoritative state for one connected participant.
type Record struct {
	ID           string
	Position     protocol.Vec3
	Rotation     protocol.Vec3
	Color        palette.Color
	LastActivity time.Time
}

// Registry owns the id -> Record map. Records only leave through Remove;
// readers always get copies, never live references.
type Registry struct {
	mutex   deadlock.RWMutex
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
	}
}

func (r *Registry) Add(record Record) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.records[record.ID]; exists {
		return ErrDuplicateSession
	}

	record.LastActivity = time.Now()
	r.records[record.ID] = &record
	return nil
}

// Remove deletes a session and returns its final record. Removing an id
// that is not present is a no-op, so duplicate disconnect signals are
// always safe.
func (r *Registry) Remove(id string) (Record, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, exists := r.records[id]
	if !exists {
		return Record{}, false
	}

	delete(r.records, id)
	return *record, true
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return Record{}, false
	}
	return *record, true
}

// Touch refreshes a session's activity timestamp.
func (r *Registry) Touch(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, exists := r.records[id]
	if !exists {
		return false
	}
	record.LastActivity = time.Now()
	return true
}

// UpdateTransform overwrites position and rotation and refreshes the
// activity timestamp. Last write wins; values are not validated here.
func (r *Registry) UpdateTransform(id string, position protocol.Vec3, rotation protocol.Vec3) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, exists := r.records[id]
	if !exists {
		return false
	}

	record.Position = position
	record.Rotation = rotation
	record.LastActivity = time.Now()
	return true
}

func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.records)
}

// Snapshot copies every record out of the registry. Mutation after the
// snapshot is taken never changes what was handed out.
func (r *Registry) Snapshot() []Record {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	records := make([]Record, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, *record)
	}
	return records
}

// InactiveSince lists ids whose last activity is older than the cutoff.
func (r *Registry) InactiveSince(cutoff time.Time) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]string, 0)
	for id, record := range r.records {
		if record.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
