package notify

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/encoding"
)

// Key layout (sorted for efficient iteration)
const (
	pebblePrefixNotif = "/notif/" // /notif/{id:016x}
)

// Group commit configuration
const (
	notifBatchMaxSize     = 100
	notifBatchMaxWait     = 2 * time.Millisecond
	notifBatchChannelSize = 1000
)

// notifBatchOp represents a batched write operation
type notifBatchOp struct {
	fn      func(batch *pebble.Batch) error
	promise *future.Promise[error]
}

// PebbleStore persists notification history in Pebble. Writes go through a
// group-commit batch writer so bursts of pushes amortize fsync cost.
type PebbleStore struct {
	db   *pebble.DB
	path string

	batchCh   chan *notifBatchOp
	stopBatch chan struct{}
	batchWg   sync.WaitGroup

	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a notification store at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open notification store: %w", err)
	}

	s := &PebbleStore{
		db:        db,
		path:      path,
		batchCh:   make(chan *notifBatchOp, notifBatchChannelSize),
		stopBatch: make(chan struct{}),
	}

	s.batchWg.Add(1)
	go s.batchWriter()

	log.Debug().Str("path", path).Msg("Notification store opened")
	return s, nil
}

func notifKey(id uint64) []byte {
	key := make([]byte, len(pebblePrefixNotif)+8)
	copy(key, pebblePrefixNotif)
	binary.BigEndian.PutUint64(key[len(pebblePrefixNotif):], id)
	return key
}

// Append enqueues the entry for the batch writer. The returned future
// resolves when the write is committed.
func (s *PebbleStore) Append(n Notification) *future.Future[error] {
	p := future.NewPromise[error]()

	payload, err := encoding.Marshal(&n)
	if err != nil {
		p.Set(nil, fmt.Errorf("failed to serialize notification: %w", err))
		return p.Future()
	}

	op := &notifBatchOp{
		fn: func(batch *pebble.Batch) error {
			return batch.Set(notifKey(n.ID), payload, nil)
		},
		promise: p,
	}

	select {
	case s.batchCh <- op:
	case <-s.stopBatch:
		p.Set(nil, fmt.Errorf("notification store is closed"))
	}
	return p.Future()
}

// batchWriter groups queued operations into a single Pebble batch
func (s *PebbleStore) batchWriter() {
	defer s.batchWg.Done()

	for {
		select {
		case op := <-s.batchCh:
			s.flushBatch(op)
		case <-s.stopBatch:
			// Drain remaining operations before exiting
			for {
				select {
				case op := <-s.batchCh:
					s.flushBatch(op)
				default:
					return
				}
			}
		}
	}
}

func (s *PebbleStore) flushBatch(first *notifBatchOp) {
	ops := []*notifBatchOp{first}
	timer := time.NewTimer(notifBatchMaxWait)
	defer timer.Stop()

collect:
	for len(ops) < notifBatchMaxSize {
		select {
		case op := <-s.batchCh:
			ops = append(ops, op)
		case <-timer.C:
			break collect
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		if err := op.fn(batch); err != nil {
			op.promise.Set(nil, err)
			op.promise = nil
		}
	}

	err := batch.Commit(pebble.Sync)
	for _, op := range ops {
		if op.promise != nil {
			op.promise.Set(nil, err)
		}
	}
}

// SetRead rewrites the stored entry with the new read flag.
// Missing entries are ignored, the buffer may hold entries already trimmed.
func (s *PebbleStore) SetRead(id uint64, read bool) error {
	key := notifKey(id)

	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notification %d: %w", id, err)
	}

	var n Notification
	err = encoding.Unmarshal(val, &n)
	closer.Close()
	if err != nil {
		return fmt.Errorf("failed to deserialize notification %d: %w", id, err)
	}

	n.Read = read
	payload, err := encoding.Marshal(&n)
	if err != nil {
		return err
	}

	p := future.NewPromise[error]()
	op := &notifBatchOp{
		fn: func(batch *pebble.Batch) error {
			return batch.Set(key, payload, nil)
		},
		promise: p,
	}

	select {
	case s.batchCh <- op:
	case <-s.stopBatch:
		return fmt.Errorf("notification store is closed")
	}

	_, err = p.Future().Get()
	return err
}

// Recent returns up to limit entries, oldest first.
func (s *PebbleStore) Recent(limit int) ([]Notification, error) {
	prefix := []byte(pebblePrefixNotif)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: notifPrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Notification
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			continue
		}

		var n Notification
		if err := encoding.Unmarshal(val, &n); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable notification entry")
			continue
		}
		entries = append(entries, n)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Trim deletes all but the newest keep entries
func (s *PebbleStore) Trim(keep int) error {
	if keep <= 0 {
		return nil
	}

	prefix := []byte(pebblePrefixNotif)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: notifPrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}

	var keys [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		keys = append(keys, key)
	}
	iter.Close()

	if len(keys) <= keep {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, key := range keys[:len(keys)-keep] {
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// Close stops the batch writer and closes the database. Idempotent.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.stopBatch)
	s.batchWg.Wait()

	return s.db.Close()
}

func notifPrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
