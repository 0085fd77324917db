// Command tsdb is a small CLI over the storage engine: write and read
// individual samples by TSID, trigger a manual compaction, or serve a
// minimal HTTP write/query API (spec §6 "Caller API").
//
// Grounded on Polqt-golang-journey/projects/06-timeseries-db/cmd's
// write/query/serve/compact subcommand set, replacing its ad-hoc
// os.Args switch with the teacher's kingpin.v2 flag/command parsing
// and go-kit logging.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/famarks/tsdb/pkg/tsid"

	tsdbpkg "github.com/famarks/tsdb"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	app := kingpin.New("tsdb", "Embedded time-series storage engine CLI.")
	opts := tsdbpkg.DefaultOptions()
	app.Flag("wal-segment-size", "WAL segment size in bytes (0 default, negative disables WAL).").
		Int64Var(&opts.WALSegmentSize)
	app.Flag("retention-duration", "Time retention window in milliseconds (0 disables).").
		Uint64Var(&opts.RetentionDuration)

	writeCmd := app.Command("write", "Write a single sample.")
	writeDir := writeCmd.Arg("dir", "Database directory.").Required().String()
	writeID := writeCmd.Arg("tsid", "Series id, hex encoded.").Required().String()
	writeTS := writeCmd.Arg("ts", "Sample timestamp, ms.").Required().Int64()
	writeVal := writeCmd.Arg("value", "Sample value.").Required().Float64()

	queryCmd := app.Command("query", "Print samples for a series over a time range.")
	queryDir := queryCmd.Arg("dir", "Database directory.").Required().String()
	queryID := queryCmd.Arg("tsid", "Series id, hex encoded.").Required().String()
	queryFrom := queryCmd.Arg("from", "Range start, ms.").Required().Int64()
	queryTo := queryCmd.Arg("to", "Range end, ms.").Required().Int64()

	compactCmd := app.Command("compact", "Run one compaction pass synchronously.")
	compactDir := compactCmd.Arg("dir", "Database directory.").Required().String()

	serveCmd := app.Command("serve", "Serve a minimal HTTP write/query API.")
	serveDir := serveCmd.Arg("dir", "Database directory.").Required().String()
	serveAddr := serveCmd.Flag("addr", "Listen address.").Default(":9000").String()

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case writeCmd.FullCommand():
		exitOn(runWrite(logger, opts, *writeDir, *writeID, *writeTS, *writeVal))
	case queryCmd.FullCommand():
		exitOn(runQuery(logger, opts, *queryDir, *queryID, *queryFrom, *queryTo))
	case compactCmd.FullCommand():
		exitOn(runCompact(logger, opts, *compactDir))
	case serveCmd.FullCommand():
		exitOn(runServe(logger, opts, *serveDir, *serveAddr))
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB(logger log.Logger, opts *tsdbpkg.Options, dir string) (*tsdbpkg.DB, error) {
	return tsdbpkg.Open(dir, logger, nil, opts)
}

func runWrite(logger log.Logger, opts *tsdbpkg.Options, dir, idHex string, ts int64, val float64) error {
	id, err := tsid.FromHex(idHex)
	if err != nil {
		return fmt.Errorf("bad tsid: %w", err)
	}

	db, err := openDB(logger, opts, dir)
	if err != nil {
		return err
	}
	defer db.Close()

	a := db.Appender()
	if err := a.Add(id, ts, val); err != nil {
		a.Rollback()
		return err
	}
	return a.Commit()
}

func runQuery(logger log.Logger, opts *tsdbpkg.Options, dir, idHex string, from, to int64) error {
	id, err := tsid.FromHex(idHex)
	if err != nil {
		return fmt.Errorf("bad tsid: %w", err)
	}

	db, err := openDB(logger, opts, dir)
	if err != nil {
		return err
	}
	defer db.Close()

	q, err := db.Querier(from, to)
	if err != nil {
		return err
	}
	defer q.Close()

	set, err := q.Select([]tsid.TSID{id})
	if err != nil {
		return err
	}
	for set.Next() {
		seriesID, it := set.At()
		fmt.Printf("%s\n", seriesID)
		for it.Next() {
			t, v := it.At()
			fmt.Printf("  %d %f\n", t, v)
		}
		if it.Err() != nil {
			return it.Err()
		}
	}
	return set.Err()
}

func runCompact(logger log.Logger, opts *tsdbpkg.Options, dir string) error {
	db, err := openDB(logger, opts, dir)
	if err != nil {
		return err
	}
	defer db.Close()

	db.DisableCompactions()
	level.Info(logger).Log("msg", "running manual compaction", "dir", dir)
	return db.Compact()
}

func runServe(logger log.Logger, opts *tsdbpkg.Options, dir, addr string) error {
	db, err := openDB(logger, opts, dir)
	if err != nil {
		return err
	}
	defer db.Close()

	mux := http.NewServeMux()

	mux.HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			TSID   string  `json:"tsid"`
			Ts     int64   `json:"ts"`
			Value  float64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := tsid.FromHex(req.TSID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		a := db.Appender()
		if err := a.Add(id, req.Ts, req.Value); err != nil {
			a.Rollback()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := a.Commit(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		id, err := tsid.FromHex(q.Get("tsid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		from, to := parseRange(q.Get("from"), q.Get("to"))

		querier, err := db.Querier(from, to)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer querier.Close()

		set, err := querier.Select([]tsid.TSID{id})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type sample struct {
			T int64   `json:"t"`
			V float64 `json:"v"`
		}
		var samples []sample
		for set.Next() {
			_, it := set.At()
			for it.Next() {
				t, v := it.At()
				samples = append(samples, sample{T: t, V: v})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(samples)
	})

	level.Info(logger).Log("msg", "tsdb http api listening", "addr", addr, "dir", dir)
	return http.ListenAndServe(addr, mux)
}

func parseRange(from, to string) (int64, int64) {
	var f, t int64
	fmt.Sscanf(from, "%d", &f)
	if to == "" {
		t = time.Now().UnixMilli()
	} else {
		fmt.Sscanf(to, "%d", &t)
	}
	return f, t
}
