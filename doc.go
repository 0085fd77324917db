// Package tsdb ties the on-disk block store, the in-memory head, and
// the leveled compactor together behind a single lifecycle loop (spec
// §4.9). Open returns a DB that owns an advisory lock on its
// directory, replays its WAL into a fresh Head, and runs a background
// goroutine that periodically reloads blocks from disk and compacts
// both the head and on-disk blocks.
//
// Grounded on original_source/db/DB.{hpp,cpp} and DBAppender.hpp for
// the reload/compact loop, retention rules and the appender's
// commit-triggered compaction signal.
package tsdb
