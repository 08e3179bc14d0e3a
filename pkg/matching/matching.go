// Package matching pairs a fill on the CFD venue with the binary execution
// that follows it. Both venues only share the asset and the direction of the
// signal, so entries are matched by that pair in FIFO order.
package matching

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/igolaizola/sigbridge/pkg/signal"
)

type Entry struct {
	ID        string
	Asset     string
	Direction signal.Direction
	// OrderID is the id of the filled order on the CFD venue.
	OrderID   string
	Strategy  string
	Opposite  bool
	CreatedAt time.Time
}

// ExecutionDirection is the direction the binary venue must trade.
func (e *Entry) ExecutionDirection() signal.Direction {
	if e.Opposite {
		return e.Direction.Opposite()
	}
	return e.Direction
}

// Store persists entries. DequeueMatch must select and remove the oldest
// entry of the (asset, direction) bucket atomically.
type Store interface {
	Enqueue(e *Entry) error
	DequeueMatch(asset string, direction signal.Direction) (*Entry, bool, error)
	Delete(id string) error
}

type Queue struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Queue {
	return &Queue{
		store: store,
		now:   time.Now,
	}
}

func Normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Enqueue appends a new entry. Several entries for the same asset and
// direction are legit, each one gets its own execution.
func (q *Queue) Enqueue(asset string, direction signal.Direction, orderID, strategy string, opposite bool) (*Entry, error) {
	e := &Entry{
		ID:        uuid.NewString(),
		Asset:     Normalize(asset),
		Direction: direction,
		OrderID:   orderID,
		Strategy:  strategy,
		Opposite:  opposite,
		CreatedAt: q.now().UTC(),
	}
	if err := q.store.Enqueue(e); err != nil {
		return nil, fmt.Errorf("matching: couldn't enqueue %s %s: %w", e.Asset, e.Direction, err)
	}
	return e, nil
}

// DequeueMatch removes and returns the oldest entry for asset and direction.
// It returns false if there is none.
func (q *Queue) DequeueMatch(asset string, direction signal.Direction) (*Entry, bool, error) {
	asset = Normalize(asset)
	e, ok, err := q.store.DequeueMatch(asset, direction)
	if err != nil {
		return nil, false, fmt.Errorf("matching: couldn't dequeue %s %s: %w", asset, direction, err)
	}
	if !ok {
		return nil, false, nil
	}
	if e.Asset != asset || e.Direction != direction {
		panic(fmt.Sprintf("matching: dequeued entry %s (%s %s) from bucket %s %s", e.ID, e.Asset, e.Direction, asset, direction))
	}
	return e, true, nil
}

func (q *Queue) Delete(id string) error {
	if err := q.store.Delete(id); err != nil {
		return fmt.Errorf("matching: couldn't delete %s: %w", id, err)
	}
	return nil
}
