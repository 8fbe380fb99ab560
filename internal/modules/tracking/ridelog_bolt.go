// README: Device-local ride log on bbolt; rows are JSON values under big-endian sequence keys.
package tracking

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	rideLogBucket     = []byte("ride_logs")
	rideSummaryBucket = []byte("ride_summaries")
)

const rideDBName = "rides.db"

type BoltRideLog struct {
	db *bbolt.DB
}

// OpenBoltRideLog opens (or creates) rides.db under dir, creating dir when
// writable. A writable handle holds a file lock, so only one tracker per
// directory can write at a time.
func OpenBoltRideLog(dir string, readOnly bool) (*BoltRideLog, error) {
	if !readOnly {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ride log dir: %w", err)
		}
	}
	db, err := bbolt.Open(filepath.Join(dir, rideDBName), 0600, &bbolt.Options{
		Timeout:  2 * time.Second,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open ride log: %w", err)
	}
	if !readOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range [][]byte{rideLogBucket, rideSummaryBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init ride log buckets: %w", err)
		}
	}
	return &BoltRideLog{db: db}, nil
}

func (b *BoltRideLog) Close() error {
	return b.db.Close()
}

func (b *BoltRideLog) AppendLog(_ context.Context, row RideLogRow) error {
	return b.put(rideLogBucket, row)
}

func (b *BoltRideLog) AppendSummary(_ context.Context, row RideSummaryRow) error {
	return b.put(rideSummaryBucket, row)
}

func (b *BoltRideLog) put(bucket []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return fmt.Errorf("missing bucket %s", bucket)
		}
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		return bk.Put(seqKey(seq), data)
	})
}

// ListSummaries returns the most recent rides first.
func (b *BoltRideLog) ListSummaries(_ context.Context, limit int) ([]RideSummaryRow, error) {
	var out []RideSummaryRow
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(rideSummaryBucket)
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var row RideSummaryRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("decode summary %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RideEndAt.After(out[j].RideEndAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Logs returns every log row in insertion order.
func (b *BoltRideLog) Logs() ([]RideLogRow, error) {
	var out []RideLogRow
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(rideLogBucket)
		if bk == nil {
			return errors.New("no ride log bucket")
		}
		return bk.ForEach(func(_, v []byte) error {
			var row RideLogRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out = append(out, row)
			return nil
		})
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
