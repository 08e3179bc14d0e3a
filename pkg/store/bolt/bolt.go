// Package bolt persists the matching queue, the compounding signals, ladder
// states and trades, and the relay executions in a single bolt file.
package bolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/igolaizola/sigbridge/pkg/compound"
	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/relay"
	"github.com/igolaizola/sigbridge/pkg/signal"
)

var (
	queueBucket      = []byte("queue")
	queueIndexBucket = []byte("queue_index")
	signalsBucket    = []byte("signals")
	statesBucket     = []byte("states")
	tradesBucket     = []byte("trades")
	executionsBucket = []byte("executions")
)

// Fixed width so keys sort by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: couldn't open bolt db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{queueBucket, queueIndexBucket, signalsBucket, statesBucket, tradesBucket, executionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: couldn't create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

type Store struct {
	db *bolt.DB
}

func (s *Store) Close() error {
	return s.db.Close()
}

func timeKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(timeLayout) + "|" + id)
}

func put(b *bolt.Bucket, key []byte, v interface{}) error {
	byt, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("couldn't encode: %w", err)
	}
	return b.Put(key, byt)
}

// Matching queue

func bucketName(asset string, direction signal.Direction) []byte {
	return []byte(asset + "|" + string(direction))
}

// Enqueue appends e to its asset and direction bucket. Keys come from the
// bucket sequence so iteration order is insertion order.
func (s *Store) Enqueue(e *matching.Entry) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(e.Asset, e.Direction)
		b, err := tx.Bucket(queueBucket).CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := put(b, key, e); err != nil {
			return err
		}
		return tx.Bucket(queueIndexBucket).Put([]byte(e.ID), append(key, name...))
	}); err != nil {
		return fmt.Errorf("bolt: couldn't enqueue %s: %w", e.ID, err)
	}
	return nil
}

// DequeueMatch removes the first entry of the bucket. Bolt allows a single
// writer, so no two callers can get the same entry.
func (s *Store) DequeueMatch(asset string, direction signal.Direction) (*matching.Entry, bool, error) {
	var entry *matching.Entry
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket).Bucket(bucketName(asset, direction))
		if b == nil {
			return nil
		}
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		var e matching.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("couldn't decode: %w", err)
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		if err := tx.Bucket(queueIndexBucket).Delete([]byte(e.ID)); err != nil {
			return err
		}
		entry = &e
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("bolt: couldn't dequeue %s %s: %w", asset, direction, err)
	}
	return entry, entry != nil, nil
}

func (s *Store) Delete(id string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(queueIndexBucket)
		v := index.Get([]byte(id))
		if len(v) < 8 {
			return nil
		}
		key, name := v[:8], v[8:]
		if b := tx.Bucket(queueBucket).Bucket(name); b != nil {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return index.Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("bolt: couldn't delete %s: %w", id, err)
	}
	return nil
}

// Compounding signals

func signalKey(p *compound.PendingSignal) []byte {
	return timeKey(p.ReceivedAt, p.ID)
}

func (s *Store) CreateSignal(p *compound.PendingSignal, window time.Duration) error {
	key := signalKey(p)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(signalsBucket)
		c := b.Cursor()

		// Time range
		min := []byte(p.ReceivedAt.Add(-window).UTC().Format(timeLayout))
		max := []byte(p.ReceivedAt.Add(window).UTC().Format(timeLayout) + "|~")

		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var o compound.PendingSignal
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("bolt: couldn't decode %s: %w", k, err)
			}
			if o.Status.Resolved() {
				continue
			}
			if o.ProviderID == p.ProviderID && o.Asset == p.Asset && o.Direction == p.Direction {
				return fmt.Errorf("%w: %s %s %s matches %s", compound.ErrDuplicate, p.ProviderID, p.Asset, p.Direction, o.ID)
			}
		}
		if err := put(b, key, p); err != nil {
			return fmt.Errorf("bolt: couldn't put %s: %w", key, err)
		}
		return nil
	})
}

func updateSignal(tx *bolt.Tx, p *compound.PendingSignal) error {
	b := tx.Bucket(signalsBucket)
	key := signalKey(p)
	if b.Get(key) == nil {
		return fmt.Errorf("signal %s not found", p.ID)
	}
	return put(b, key, p)
}

func (s *Store) UpdateSignal(p *compound.PendingSignal) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return updateSignal(tx, p)
	}); err != nil {
		return fmt.Errorf("bolt: couldn't update signal %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListSignals(statuses ...compound.Status) ([]*compound.PendingSignal, error) {
	var signals []*compound.PendingSignal
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(signalsBucket).ForEach(func(k, v []byte) error {
			var p compound.PendingSignal
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("couldn't decode %s: %w", k, err)
			}
			for _, st := range statuses {
				if p.Status == st {
					signals = append(signals, &p)
					break
				}
			}
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("bolt: couldn't query signals: %w", err)
	}
	return signals, nil
}

// Ladder states

func (s *Store) State(providerID string) (*compound.State, bool, error) {
	var st *compound.State
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(statesBucket).Get([]byte(providerID))
		if v == nil {
			return nil
		}
		st = &compound.State{}
		return json.Unmarshal(v, st)
	}); err != nil {
		return nil, false, fmt.Errorf("bolt: couldn't get state %s: %w", providerID, err)
	}
	return st, st != nil, nil
}

func (s *Store) SaveState(st *compound.State) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(statesBucket), []byte(st.ProviderID), st)
	}); err != nil {
		return fmt.Errorf("bolt: couldn't save state %s: %w", st.ProviderID, err)
	}
	return nil
}

func (s *Store) ListStates() ([]*compound.State, error) {
	var states []*compound.State
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statesBucket).ForEach(func(k, v []byte) error {
			var st compound.State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("couldn't decode %s: %w", k, err)
			}
			states = append(states, &st)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("bolt: couldn't query states: %w", err)
	}
	return states, nil
}

// Counter trades

func tradeKey(t *compound.CounterTrade) []byte {
	return timeKey(t.ExecutedAt, t.ID)
}

func (s *Store) Execute(p *compound.PendingSignal, t *compound.CounterTrade) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if err := updateSignal(tx, p); err != nil {
			return err
		}
		return put(tx.Bucket(tradesBucket), tradeKey(t), t)
	}); err != nil {
		return fmt.Errorf("bolt: couldn't store trade %s of signal %s: %w", t.ID, p.ID, err)
	}
	return nil
}

func (s *Store) UnsettledTrades() ([]*compound.CounterTrade, error) {
	var trades []*compound.CounterTrade
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tradesBucket).ForEach(func(k, v []byte) error {
			var t compound.CounterTrade
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("couldn't decode %s: %w", k, err)
			}
			if !t.IsSettled() {
				trades = append(trades, &t)
			}
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("bolt: couldn't query trades: %w", err)
	}
	return trades, nil
}

func (s *Store) Settle(t *compound.CounterTrade, st *compound.State) error {
	key := tradeKey(t)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tradesBucket)
		if b.Get(key) == nil {
			return fmt.Errorf("trade %s not found", t.ID)
		}
		if err := put(b, key, t); err != nil {
			return err
		}
		return put(tx.Bucket(statesBucket), []byte(st.ProviderID), st)
	}); err != nil {
		return fmt.Errorf("bolt: couldn't settle %s: %w", key, err)
	}
	return nil
}

// Relay executions

func (s *Store) SaveExecution(e *relay.Execution) error {
	key := timeKey(e.ExecutedAt, e.ID)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(executionsBucket), key, e)
	}); err != nil {
		return fmt.Errorf("bolt: couldn't put %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListExecutions(from time.Time, to time.Time) ([]*relay.Execution, error) {
	var execs []*relay.Execution
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(executionsBucket).Cursor()

		// Time range
		min := []byte(from.UTC().Format(timeLayout))
		max := []byte(to.UTC().Format(timeLayout) + "|~")

		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var e relay.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("couldn't decode: %w", err)
			}
			execs = append(execs, &e)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("bolt: couldn't query executions: %w", err)
	}
	return execs, nil
}
