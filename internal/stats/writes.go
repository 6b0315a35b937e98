// Package stats counts bucket writes by outcome for shutdown and debug reporting.
package stats

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// BucketWrites counts bucket upserts. Safe for concurrent use.
type BucketWrites struct {
	inserted atomic.Int64 // first write of a bucket row
	revised  atomic.Int64 // newer version replacing a stored row
	stale    atomic.Int64 // rejected because a newer version was stored
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Inserted int64 `json:"inserted"`
	Revised  int64 `json:"revised"`
	Stale    int64 `json:"stale"`
}

// Accepted is the number of writes that changed the store.
func (s Snapshot) Accepted() int64 { return s.Inserted + s.Revised }

// NewBucketWrites creates zeroed counters.
func NewBucketWrites() *BucketWrites {
	return &BucketWrites{}
}

func (w *BucketWrites) RecordInsert()   { w.inserted.Add(1) }
func (w *BucketWrites) RecordRevision() { w.revised.Add(1) }
func (w *BucketWrites) RecordStale()    { w.stale.Add(1) }

// Snapshot returns the current counts.
func (w *BucketWrites) Snapshot() Snapshot {
	return Snapshot{
		Inserted: w.inserted.Load(),
		Revised:  w.revised.Load(),
		Stale:    w.stale.Load(),
	}
}

func (w *BucketWrites) String() string {
	s := w.Snapshot()
	return fmt.Sprintf("inserted=%d revised=%d stale=%d", s.Inserted, s.Revised, s.Stale)
}

// LogSummary logs the counters at INFO level.
func (w *BucketWrites) LogSummary(logger *slog.Logger) {
	s := w.Snapshot()
	logger.Info("bucket write statistics",
		"inserted", s.Inserted,
		"revised", s.Revised,
		"stale", s.Stale,
		"accepted", s.Accepted(),
	)
}
