package tsdb

import (
	"github.com/famarks/tsdb/pkg/head"
	"github.com/famarks/tsdb/pkg/tsid"
)

// Appender is the caller-facing buffered-write handle (spec §6
// "Appender.add / Appender.commit() | rollback()").
type Appender = head.Appender

// dbAppender wraps the head's appender and asks the background loop
// to run a compaction pass as soon as a commit pushes the head past
// its compactable span, rather than waiting for the next tick
// (grounded on original_source/db/DBAppender.hpp).
type dbAppender struct {
	app head.Appender
	db  *DB
}

func (a *dbAppender) Add(id tsid.TSID, t int64, v float64) error {
	return a.app.Add(id, t, v)
}

func (a *dbAppender) Commit() error {
	err := a.app.Commit()
	// Checked on every commit rather than on a timer: under a high
	// ingest rate the head could otherwise grow well past its
	// compactable span between two one-minute ticks.
	if a.db.head.MaxTime()-a.db.head.MinTime() > a.db.opts.BlockRanges[0]/2*3 {
		a.db.signalCompaction()
	}
	return err
}

func (a *dbAppender) Rollback() error {
	return a.app.Rollback()
}
