package head

import (
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tsid"
	"github.com/famarks/tsdb/pkg/wal"
)

// Appender buffers samples for a single commit (spec §6 "Appender.add
// / Appender.commit() | rollback()").
type Appender interface {
	// Add buffers (id, t, v). It fails fast with ErrOutOfBounds and
	// makes no state change if t is below the appender's valid window.
	Add(id tsid.TSID, t int64, v float64) error
	// Commit writes the buffered series/sample records to the WAL (if
	// any) and then applies every buffered sample to its series.
	Commit() error
	// Rollback discards buffered samples but still logs any newly
	// created series, since their ids are permanent once observed.
	Rollback() error
}

type bufferedSample struct {
	series *MemSeries
	t      int64
	v      float64
}

// headAppender is the normal, steady-state appender (spec §4.6
// "HeadAppender whose min_valid_time = max(valid_time, max_time -
// chunk_range/2)").
type headAppender struct {
	head         *Head
	minValidTime int64
	minTime      int64
	maxTime      int64

	seriesRefs []tsid.TSID
	samples    []bufferedSample
}

func (a *headAppender) Add(id tsid.TSID, t int64, v float64) error {
	if t < a.minValidTime {
		return errOutOfBounds
	}

	s, created := a.head.getOrCreate(id)
	if created {
		a.seriesRefs = append(a.seriesRefs, id)
	}

	s.mtx.Lock()
	s.pendingCommit = true
	s.mtx.Unlock()

	a.samples = append(a.samples, bufferedSample{series: s, t: t, v: v})
	return nil
}

func (a *headAppender) Commit() error {
	if err := a.log(); err != nil {
		return errors.Wrap(err, "write to wal")
	}

	for _, s := range a.samples {
		s.series.mtx.Lock()
		if ok, _ := s.series.append(s.t, s.v); ok {
			if s.t < a.minTime {
				a.minTime = s.t
			}
			if s.t > a.maxTime {
				a.maxTime = s.t
			}
		}
		s.series.pendingCommit = false
		s.series.mtx.Unlock()
	}

	a.head.updateMinMaxTime(a.minTime, a.maxTime)
	a.seriesRefs = nil
	a.samples = nil
	return nil
}

func (a *headAppender) Rollback() error {
	for _, s := range a.samples {
		s.series.mtx.Lock()
		s.series.pendingCommit = false
		s.series.mtx.Unlock()
	}
	a.samples = nil
	// Series are created in head memory regardless of rollback, so
	// they must still be logged to the WAL.
	return a.log()
}

func (a *headAppender) log() error {
	if a.head.wal == nil {
		return nil
	}
	if len(a.seriesRefs) > 0 {
		buf := wal.EncodeSeries(nil, a.seriesRefs)
		if err := a.head.wal.Log(buf); err != nil {
			return errors.Wrap(err, "log series")
		}
	}
	if len(a.samples) > 0 {
		recs := make([]wal.Sample, len(a.samples))
		for i, s := range a.samples {
			recs[i] = wal.Sample{Ref: s.series.Ref, T: s.t, V: s.v}
		}
		buf := wal.EncodeSamples(nil, recs)
		if err := a.head.wal.Log(buf); err != nil {
			return errors.Wrap(err, "log samples")
		}
	}
	return nil
}

// initAppender is handed out until the head observes its first
// timestamp, at which point it substitutes a headAppender and forwards
// every call to it (spec §4.6 "appender() returns an InitAppender
// until the head has observed its first timestamp t0").
type initAppender struct {
	head *Head
	app  Appender
}

func (a *initAppender) Add(id tsid.TSID, t int64, v float64) error {
	if a.app != nil {
		return a.app.Add(id, t, v)
	}
	a.head.initTime(t)
	a.app = a.head.headAppender()
	return a.app.Add(id, t, v)
}

func (a *initAppender) Commit() error {
	if a.app == nil {
		return nil
	}
	return a.app.Commit()
}

func (a *initAppender) Rollback() error {
	if a.app == nil {
		return nil
	}
	return a.app.Rollback()
}
