// Package tablelog implements the append-only, monotonically versioned
// commit log that defines a table's live file-set (§4.2). It is the sole
// source of truth for what files are alive at any version; any in-memory
// cache on top of it is advisory.
package tablelog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/substrate"
)

const versionWidth = 20 // zero-padded, e.g. 00000000000000000017

// ColumnStats is the min/max summary of one column across a data file, used
// for predicate pruning.
type ColumnStats struct {
	Min any `json:"min,omitempty"`
	Max any `json:"max,omitempty"`
}

// FileMeta is the full metadata of one immutable data file.
type FileMeta struct {
	ID               string                 `json:"id"`
	Path             string                 `json:"path"`
	PartitionValues  map[string]string      `json:"partition_values,omitempty"`
	Rows             int64                  `json:"rows"`
	Bytes            int64                  `json:"bytes"`
	Stats            map[string]ColumnStats `json:"stats,omitempty"`
}

// Operation is the kind of a commit entry.
type Operation string

const (
	OpCreate   Operation = "create"
	OpAppend   Operation = "append"
	OpDelete   Operation = "delete"
	OpOptimize Operation = "optimize"
	OpVacuum   Operation = "vacuum"
)

// CommitEntry is one line of canonical JSON recording an atomic table
// transition (§6).
type CommitEntry struct {
	Version     int64             `json:"version"`
	TimestampMS int64             `json:"timestamp_ms"`
	Operation   Operation         `json:"operation"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Adds        []FileMeta        `json:"adds,omitempty"`
	Removes     []string          `json:"removes,omitempty"`
	Schema      *schema.Schema    `json:"schema,omitempty"`
}

// State is the resolved table state at a particular version: its schema,
// its live file-set, and the wall-clock timestamp of the commit that
// produced it.
type State struct {
	Version     int64
	Schema      schema.Schema
	Files       []FileMeta
	TimestampMS int64
}

// checkpoint is the on-disk shape of a `.checkpoint` object: a materialized
// State as of a particular version, so readers don't replay from zero.
type checkpoint struct {
	Version     int64          `json:"version"`
	TimestampMS int64          `json:"timestamp_ms"`
	Schema      schema.Schema  `json:"schema"`
	Files       []FileMeta     `json:"files"`
}

// Log is the append-only commit log of one table, layered directly on a
// Substrate.
type Log struct {
	sub                substrate.Substrate
	table              string
	checkpointInterval int
}

// New returns a Log for table, backed by sub, taking a checkpoint every
// checkpointInterval commits (default 10 per §6).
func New(sub substrate.Substrate, table string, checkpointInterval int) *Log {
	if checkpointInterval <= 0 {
		checkpointInterval = 10
	}
	return &Log{sub: sub, table: table, checkpointInterval: checkpointInterval}
}

func versionKey(table string, version int64) string {
	return fmt.Sprintf("%s/_log/%0*d.json", table, versionWidth, version)
}

func checkpointKey(table string, version int64) string {
	return fmt.Sprintf("%s/_log/%0*d.checkpoint", table, versionWidth, version)
}

// ReadHead scans the _log/ prefix and returns the maximum committed
// version, or -1 with an errs.NotFound error if the table has no commits
// yet.
func (l *Log) ReadHead(ctx context.Context) (int64, error) {
	keys, err := l.sub.List(ctx, l.table+"/_log/")
	if err != nil {
		return 0, err
	}
	head := int64(-1)
	for _, k := range keys {
		if !strings.HasSuffix(k, ".json") {
			continue
		}
		v, err := parseVersion(k)
		if err != nil {
			continue
		}
		if v > head {
			head = v
		}
	}
	if head < 0 {
		return -1, errs.New(errs.NotFound, "tablelog.ReadHead", nil).WithTable(l.table)
	}
	return head, nil
}

// latestCheckpoint returns the highest checkpoint version ≤ upTo, or -1 if
// none exists.
func (l *Log) latestCheckpoint(ctx context.Context, upTo int64) (int64, error) {
	keys, err := l.sub.List(ctx, l.table+"/_log/")
	if err != nil {
		return -1, err
	}
	best := int64(-1)
	for _, k := range keys {
		if !strings.HasSuffix(k, ".checkpoint") {
			continue
		}
		v, err := parseVersion(k)
		if err != nil {
			continue
		}
		if v <= upTo && v > best {
			best = v
		}
	}
	return best, nil
}

// ReadState replays commits to resolve table state at version. Replay
// starts from the latest checkpoint ≤ version, not from zero, bounding
// replay cost to O(commits-since-checkpoint).
func (l *Log) ReadState(ctx context.Context, version int64) (State, error) {
	cpVersion, err := l.latestCheckpoint(ctx, version)
	if err != nil {
		return State{}, err
	}

	var st State
	start := int64(0)
	if cpVersion >= 0 {
		cp, err := l.readCheckpoint(ctx, cpVersion)
		if err != nil {
			return State{}, err
		}
		st = State{Version: cp.Version, Schema: cp.Schema, Files: append([]FileMeta{}, cp.Files...), TimestampMS: cp.TimestampMS}
		start = cpVersion + 1
	}

	live := map[string]FileMeta{}
	for _, f := range st.Files {
		live[f.ID] = f
	}

	for v := start; v <= version; v++ {
		entry, err := l.readCommit(ctx, v)
		if err != nil {
			return State{}, err
		}
		if entry.Schema != nil {
			st.Schema = *entry.Schema
		}
		for _, f := range entry.Adds {
			live[f.ID] = f
		}
		for _, id := range entry.Removes {
			delete(live, id)
		}
		st.Version = entry.Version
		st.TimestampMS = entry.TimestampMS
	}

	st.Files = make([]FileMeta, 0, len(live))
	for _, f := range live {
		st.Files = append(st.Files, f)
	}
	sort.Slice(st.Files, func(i, j int) bool { return st.Files[i].ID < st.Files[j].ID })
	return st, nil
}

// History returns the most recent commit entries, newest first, up to
// limit.
func (l *Log) History(ctx context.Context, limit int) ([]CommitEntry, error) {
	head, err := l.ReadHead(ctx)
	if err != nil {
		return nil, err
	}
	var entries []CommitEntry
	for v := head; v >= 0 && len(entries) < limit; v-- {
		e, err := l.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadTimestamp binary-searches the log for the greatest version with
// timestamp ≤ targetMS.
func (l *Log) ReadTimestamp(ctx context.Context, targetMS int64) (int64, error) {
	head, err := l.ReadHead(ctx)
	if err != nil {
		return 0, err
	}
	lo, hi := int64(0), head
	result := int64(-1)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		entry, err := l.readCommit(ctx, mid)
		if err != nil {
			return 0, err
		}
		if entry.TimestampMS <= targetMS {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if result < 0 {
		return 0, errs.New(errs.VersionNotFound, "tablelog.ReadTimestamp", nil).WithTable(l.table)
	}
	return result, nil
}

// Commit attempts a CAS write at baseVersion+1. On conflict it returns
// errs.CommitConflict and the caller is responsible for re-evaluating its
// change against the new head and retrying — the log itself never retries
// (§4.2 step 2/3 are the caller's OCC protocol, implemented in txstore).
//
// Timestamps are monotonized per-table (§3, §4.2): if entry's timestamp
// would land at or before the previous commit's, it is bumped by 1ms, so
// ReadTimestamp's binary search never sees two adjacent commits tie or go
// backwards regardless of how the caller's wall clock behaves under the
// OCC retry loop.
func (l *Log) Commit(ctx context.Context, baseVersion int64, entry CommitEntry) (int64, error) {
	newVersion := baseVersion + 1
	entry.Version = newVersion

	if baseVersion >= 0 {
		prev, err := l.readCommit(ctx, baseVersion)
		if err != nil {
			return 0, err
		}
		if entry.TimestampMS <= prev.TimestampMS {
			entry.TimestampMS = prev.TimestampMS + 1
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, errs.New(errs.Internal, "tablelog.Commit", err).WithTable(l.table)
	}

	result, err := l.sub.PutIfAbsent(ctx, versionKey(l.table, newVersion), data)
	if err != nil {
		return 0, err
	}
	if result == substrate.AlreadyExists {
		return 0, errs.New(errs.CommitConflict, "tablelog.Commit", nil).WithTable(l.table).WithVersion(newVersion)
	}

	if newVersion > 0 && newVersion%int64(l.checkpointInterval) == 0 {
		if err := l.maybeCheckpoint(ctx, newVersion); err != nil {
			// Checkpointing is an optimization, not correctness-critical;
			// the error is dropped rather than failing the commit that
			// already landed.
			return newVersion, nil
		}
	}

	return newVersion, nil
}

func (l *Log) maybeCheckpoint(ctx context.Context, version int64) error {
	st, err := l.ReadState(ctx, version)
	if err != nil {
		return err
	}
	cp := checkpoint{Version: st.Version, TimestampMS: st.TimestampMS, Schema: st.Schema, Files: st.Files}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = l.sub.PutIfAbsent(ctx, checkpointKey(l.table, version), data)
	return err
}

func (l *Log) readCommit(ctx context.Context, version int64) (CommitEntry, error) {
	data, err := l.sub.Get(ctx, versionKey(l.table, version))
	if err != nil {
		return CommitEntry{}, errs.New(errs.VersionNotFound, "tablelog.readCommit", err).WithTable(l.table).WithVersion(version)
	}
	var entry CommitEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return CommitEntry{}, errs.New(errs.Internal, "tablelog.readCommit", err).WithTable(l.table).WithVersion(version)
	}
	return entry, nil
}

func (l *Log) readCheckpoint(ctx context.Context, version int64) (checkpoint, error) {
	data, err := l.sub.Get(ctx, checkpointKey(l.table, version))
	if err != nil {
		return checkpoint{}, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, errs.New(errs.Internal, "tablelog.readCheckpoint", err).WithTable(l.table)
	}
	return cp, nil
}

func parseVersion(key string) (int64, error) {
	base := key[strings.LastIndex(key, "/")+1:]
	base = strings.TrimSuffix(base, ".json")
	base = strings.TrimSuffix(base, ".checkpoint")
	return strconv.ParseInt(base, 10, 64)
}
