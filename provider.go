package vespa

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/parthasl/vespa/utils"
	"github.com/pkg/errors"
)

// Provider is the synchronous persistence interface the scheduled
// operations execute against. Implementations are oblivious to
// threading; the pools above them guarantee that one bucket is only
// ever touched from its own mountpoint's stripe.
type Provider interface {
	Put(ctx context.Context, bucket BucketID, entry DocumentEntry, body []byte) error
	Get(ctx context.Context, bucket BucketID, docID string) (DocumentEntry, []byte, error)
	Remove(ctx context.Context, bucket BucketID, docID string, timestamp uint64) error
	Visit(ctx context.Context, bucket BucketID, fn func(DocumentEntry, []byte) error) error
	ApplyDiff(ctx context.Context, bucket BucketID, entries []DiffEntry) (int, error)
	ListEntries(ctx context.Context, bucket BucketID) ([]DocumentEntry, error)
	DiskUsage() uint64
	Close() error
}

var writeOptions = pebble.WriteOptions{Sync: false}

// storedDoc is the on-disk value: entry metadata plus document body.
type storedDoc struct {
	Timestamp uint64 `cbor:"1,keyasint"`
	Checksum  uint64 `cbor:"2,keyasint"`
	Tombstone bool   `cbor:"3,keyasint,omitempty"`
	Body      []byte `cbor:"4,keyasint,omitempty"`
}

// PebbleStore keeps one pebble instance per mountpoint. A bucket lives
// on exactly one of them, decided by the same mapping the persistence
// pools use.
type PebbleStore struct {
	dbs  []*pebble.DB
	dirs []string
	log  utils.Logger
}

func OpenPebbleStore(dirs []string, log utils.Logger) (*PebbleStore, error) {
	if len(dirs) == 0 {
		return nil, ErrNoMountpoints
	}
	s := &PebbleStore{dirs: dirs, log: log}
	for _, dir := range dirs {
		db, err := pebble.Open(dir, &pebble.Options{})
		if err != nil {
			_ = s.Close()
			return nil, errors.Wrapf(err, "opening mountpoint %s", dir)
		}
		s.dbs = append(s.dbs, db)
	}
	return s, nil
}

func (s *PebbleStore) db(bucket BucketID) *pebble.DB {
	return s.dbs[MountpointIndex(bucket, len(s.dbs))]
}

// Mountpoints returns the mountpoint directories in pool order.
func (s *PebbleStore) Mountpoints() []string {
	return s.dirs
}

// DBs exposes the per-mountpoint instances for metrics collection.
func (s *PebbleStore) DBs() []*pebble.DB {
	return s.dbs
}

func docKey(bucket BucketID, docID string) []byte {
	key := make([]byte, 0, 9+len(docID))
	key = append(key, 'E')
	key = binary.BigEndian.AppendUint64(key, uint64(bucket))
	key = append(key, docID...)
	return key
}

func bucketBounds(bucket BucketID) (lo, hi []byte) {
	lo = docKey(bucket, "")
	if bucket == ^BucketID(0) {
		return lo, []byte{'F'}
	}
	hi = docKey(bucket+1, "")
	return
}

func (s *PebbleStore) load(bucket BucketID, docID string) (storedDoc, bool, error) {
	val, clo, err := s.db(bucket).Get(docKey(bucket, docID))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return storedDoc{}, false, nil
	}
	if err != nil {
		return storedDoc{}, false, errors.Wrapf(err, "reading %s/%s", bucket, docID)
	}
	var doc storedDoc
	err = cbor.Unmarshal(val, &doc)
	_ = clo.Close()
	if err != nil {
		return storedDoc{}, false, errors.Wrapf(err, "decoding %s/%s", bucket, docID)
	}
	return doc, true, nil
}

func (s *PebbleStore) store(bucket BucketID, docID string, doc storedDoc) error {
	raw, err := cbor.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.db(bucket).Set(docKey(bucket, docID), raw, &writeOptions); err != nil {
		return errors.Wrapf(err, "writing %s/%s", bucket, docID)
	}
	return nil
}

func (s *PebbleStore) Put(ctx context.Context, bucket BucketID, entry DocumentEntry, body []byte) error {
	if entry.Checksum == 0 {
		entry.Checksum = xxhash.Sum64(body)
	}
	existing, ok, err := s.load(bucket, entry.DocID)
	if err != nil {
		return err
	}
	if ok && existing.Timestamp >= entry.Timestamp {
		// superseded write, drop it
		return nil
	}
	return s.store(bucket, entry.DocID, storedDoc{
		Timestamp: entry.Timestamp,
		Checksum:  entry.Checksum,
		Body:      body,
	})
}

func (s *PebbleStore) Get(ctx context.Context, bucket BucketID, docID string) (DocumentEntry, []byte, error) {
	doc, ok, err := s.load(bucket, docID)
	if err != nil {
		return DocumentEntry{}, nil, err
	}
	if !ok || doc.Tombstone {
		return DocumentEntry{}, nil, ErrNotFound
	}
	entry := DocumentEntry{
		DocID:     docID,
		Timestamp: doc.Timestamp,
		Checksum:  doc.Checksum,
	}
	return entry, doc.Body, nil
}

// Remove writes a tombstone; nothing is deleted in place. The
// tombstone rides the merge protocol like any other entry until
// garbage collection retires it.
func (s *PebbleStore) Remove(ctx context.Context, bucket BucketID, docID string, timestamp uint64) error {
	existing, ok, err := s.load(bucket, docID)
	if err != nil {
		return err
	}
	if ok && existing.Timestamp >= timestamp {
		return nil
	}
	return s.store(bucket, docID, storedDoc{
		Timestamp: timestamp,
		Tombstone: true,
	})
}

func (s *PebbleStore) Visit(ctx context.Context, bucket BucketID, fn func(DocumentEntry, []byte) error) error {
	lo, hi := bucketBounds(bucket)
	it, err := s.db(bucket).NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return errors.Wrapf(err, "visiting %s", bucket)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var doc storedDoc
		if err := cbor.Unmarshal(it.Value(), &doc); err != nil {
			return errors.Wrapf(err, "decoding %s/%s", bucket, it.Key()[9:])
		}
		entry := DocumentEntry{
			DocID:     string(it.Key()[9:]),
			Timestamp: doc.Timestamp,
			Checksum:  doc.Checksum,
			Tombstone: doc.Tombstone,
		}
		body := append([]byte(nil), doc.Body...)
		if err := fn(entry, body); err != nil {
			return err
		}
	}
	return it.Error()
}

// ApplyDiff applies transferred entries, idempotently per entry: an
// existing equal-or-newer timestamp wins and the entry is skipped. The
// whole diff commits as one batch, so a failed apply leaves no partial
// state behind. Every failure names the entry it stopped on.
func (s *PebbleStore) ApplyDiff(ctx context.Context, bucket BucketID, entries []DiffEntry) (applied int, err error) {
	batch := s.db(bucket).NewBatch()
	defer batch.Close()
	for _, de := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e := de.Entry
		if !e.Tombstone && len(de.Body) > 0 && e.Checksum != 0 && xxhash.Sum64(de.Body) != e.Checksum {
			return 0, fmt.Errorf("vespa: checksum mismatch applying %s/%s", bucket, e.DocID)
		}
		existing, ok, err := s.load(bucket, e.DocID)
		if err != nil {
			return 0, err
		}
		if ok && existing.Timestamp >= e.Timestamp {
			continue
		}
		raw, err := cbor.Marshal(storedDoc{
			Timestamp: e.Timestamp,
			Checksum:  e.Checksum,
			Tombstone: e.Tombstone,
			Body:      de.Body,
		})
		if err != nil {
			return 0, err
		}
		if err := batch.Set(docKey(bucket, e.DocID), raw, nil); err != nil {
			return 0, errors.Wrapf(err, "applying %s/%s", bucket, e.DocID)
		}
		applied++
	}
	if err := batch.Commit(&writeOptions); err != nil {
		return 0, errors.Wrapf(err, "committing diff for %s", bucket)
	}
	return applied, nil
}

func (s *PebbleStore) ListEntries(ctx context.Context, bucket BucketID) (entries []DocumentEntry, err error) {
	err = s.Visit(ctx, bucket, func(e DocumentEntry, _ []byte) error {
		entries = append(entries, e)
		return nil
	})
	return
}

func (s *PebbleStore) DiskUsage() (used uint64) {
	for _, db := range s.dbs {
		used += db.Metrics().DiskSpaceUsage()
	}
	return
}

func (s *PebbleStore) Close() error {
	var last error
	for _, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			last = err
		}
	}
	s.dbs = nil
	return last
}
