// Package txstore implements the transactional store (§4.3): per-table
// create/append/delete/scan/query/sql/read_version/read_timestamp/history/
// compact/cluster/vacuum/gdpr_purge_key, built directly on tablelog and
// dataio. The store itself is stateless and freely callable from any
// goroutine — callers that need read-modify-write atomicity wrap it in a
// single-writer actor (internal/auth, internal/audit).
package txstore

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/strata/internal/cache"
	"github.com/cuemby/strata/internal/config"
	"github.com/cuemby/strata/internal/dataio"
	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/substrate"
	"github.com/cuemby/strata/internal/tablelog"
)

// VersionInfo identifies one commit.
type VersionInfo struct {
	Version     int64
	TimestampMS int64
}

// DeleteMetrics is the outcome of a predicate delete.
type DeleteMetrics struct {
	Version        int64
	NumDeletedRows int64
}

// CompactMetrics is the outcome of a compact or cluster operation.
type CompactMetrics struct {
	Version      int64
	FilesAdded   int
	FilesRemoved int
}

// VacuumMetrics is the outcome of a vacuum pass.
type VacuumMetrics struct {
	FilesDeleted int
	DryRun       bool
}

// Store is the transactional store. It holds no per-table lock: per-commit
// atomicity comes entirely from tablelog's compare-and-swap.
type Store struct {
	sub        substrate.Substrate
	cfg        config.StoreConfig
	cache      *cache.FileSetCache
	scratchDir string
	registry   *substrate.TableRegistry
}

// New constructs a Store over sub with the given configuration. A local
// table registry is opened at cfg.BasePath/_registry.db so ListTables works
// regardless of which Substrate backs the data; failure to open it is
// non-fatal; ListTables degrades to an empty result (§5 treats this kind of
// local index the same way it treats the file-set cache: advisory).
func New(sub substrate.Substrate, cfg config.StoreConfig) (*Store, error) {
	fc, err := cache.New(256, 30*time.Second)
	if err != nil {
		return nil, errs.New(errs.Internal, "txstore.New", err)
	}
	scratch, err := os.MkdirTemp("", "strata-scratch-*")
	if err != nil {
		return nil, errs.New(errs.Internal, "txstore.New", err)
	}
	registry, err := substrate.NewTableRegistry(filepath.Join(cfg.BasePath, "_registry.db"))
	if err != nil {
		log.Warn("table registry unavailable, ListTables will be empty: " + err.Error())
		registry = nil
	}
	return &Store{sub: sub, cfg: cfg, cache: fc, scratchDir: scratch, registry: registry}, nil
}

func (s *Store) tableLog(table string) *tablelog.Log {
	return tablelog.New(s.sub, table, s.cfg.CheckpointInterval)
}

// Create commits version 0 for a new table, recording its schema and
// partition columns. Calling Create on an existing table returns
// errs.AlreadyExists.
func (s *Store) Create(ctx context.Context, table string, sch schema.Schema) (int64, error) {
	tl := s.tableLog(table)
	if _, err := tl.ReadHead(ctx); err == nil {
		return 0, errs.New(errs.AlreadyExists, "txstore.Create", nil).WithTable(table)
	}

	entry := tablelog.CommitEntry{
		TimestampMS: nowMS(),
		Operation:   tablelog.OpCreate,
		Schema:      &sch,
	}
	v, err := tl.Commit(ctx, -1, entry)
	if err != nil {
		return 0, err
	}
	metrics.CommitsTotal.WithLabelValues(table, string(tablelog.OpCreate)).Inc()
	if s.registry != nil {
		if err := s.registry.Register(table); err != nil {
			log.WithTable(table).Warn().Err(err).Msg("failed to register table in local registry")
		}
	}
	return v, nil
}

// ListTables returns every table name this process has created, per the
// local registry (§5). Unlike Scan/Query, this never touches the substrate:
// it is purely local bookkeeping, so a fresh process with an empty registry
// returns an empty list even if the substrate holds existing tables — callers
// that need an authoritative list should track table names themselves (e.g.
// schema.AllTables for the fixed domain set).
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	if s.registry == nil {
		return nil, nil
	}
	return s.registry.List()
}

// Append writes batch as one or more immutable data files and commits a
// single append entry referencing them (§4.3 "Append").
func (s *Store) Append(ctx context.Context, table string, batch schema.Batch) (int64, error) {
	v, _, err := s.commitWithRetry(ctx, table, "append", func(head int64, st tablelog.State) (tablelog.CommitEntry, error) {
		if err := validateSchema(st.Schema, batch); err != nil {
			return tablelog.CommitEntry{}, err
		}
		files, err := s.writeBatch(ctx, table, st.Schema, batch)
		if err != nil {
			return tablelog.CommitEntry{}, err
		}
		return tablelog.CommitEntry{
			TimestampMS: nowMS(),
			Operation:   tablelog.OpAppend,
			Adds:        files,
		}, nil
	})
	return v, err
}

// Delete removes every row matching predicate, per §4.3 "Predicate delete".
func (s *Store) Delete(ctx context.Context, table string, predicate Predicate) (DeleteMetrics, error) {
	var deletedRows int64
	v, _, err := s.commitWithRetry(ctx, table, "delete", func(head int64, st tablelog.State) (tablelog.CommitEntry, error) {
		deletedRows = 0
		var adds []tablelog.FileMeta
		var removes []string

		for _, f := range st.Files {
			if predicate.CannotMatch(f.Stats) {
				continue
			}
			batch, err := s.readFile(ctx, st.Schema, f)
			if err != nil {
				return tablelog.CommitEntry{}, err
			}
			var kept schema.Batch
			removedHere := int64(0)
			for _, row := range batch {
				if predicate.Matches(row) {
					removedHere++
					continue
				}
				kept = append(kept, row)
			}
			if removedHere == 0 {
				continue
			}
			deletedRows += removedHere
			removes = append(removes, f.ID)
			if len(kept) > 0 {
				newFiles, err := s.writeBatch(ctx, table, st.Schema, kept)
				if err != nil {
					return tablelog.CommitEntry{}, err
				}
				adds = append(adds, newFiles...)
			}
		}

		return tablelog.CommitEntry{
			TimestampMS: nowMS(),
			Operation:   tablelog.OpDelete,
			Adds:        adds,
			Removes:     removes,
			Parameters:  map[string]string{"num_deleted_rows": fmt.Sprintf("%d", deletedRows)},
		}, nil
	})
	if err != nil {
		return DeleteMetrics{}, err
	}
	return DeleteMetrics{Version: v, NumDeletedRows: deletedRows}, nil
}

// Scan returns every live row at the current head.
func (s *Store) Scan(ctx context.Context, table string) (schema.Batch, error) {
	st, err := s.headState(ctx, table)
	if err != nil {
		return nil, err
	}
	return s.readFiles(ctx, st.Schema, st.Files)
}

// ReadVersion returns every live row at version v.
func (s *Store) ReadVersion(ctx context.Context, table string, v int64) (schema.Batch, error) {
	tl := s.tableLog(table)
	head, err := tl.ReadHead(ctx)
	if err != nil {
		return nil, err
	}
	if v < 0 || v > head {
		return nil, errs.New(errs.VersionNotFound, "txstore.ReadVersion", nil).WithTable(table).WithVersion(v)
	}
	st, err := tl.ReadState(ctx, v)
	if err != nil {
		return nil, err
	}
	return s.readFiles(ctx, st.Schema, st.Files)
}

// ReadTimestamp returns the rows live at the greatest commit with timestamp
// ≤ t.
func (s *Store) ReadTimestamp(ctx context.Context, table string, t time.Time) (schema.Batch, error) {
	tl := s.tableLog(table)
	v, err := tl.ReadTimestamp(ctx, t.UnixMilli())
	if err != nil {
		return nil, err
	}
	return s.ReadVersion(ctx, table, v)
}

// History returns the most recent commit entries, newest first.
func (s *Store) History(ctx context.Context, table string, limit int) ([]tablelog.CommitEntry, error) {
	return s.tableLog(table).History(ctx, limit)
}

// Version returns the current head version.
func (s *Store) Version(ctx context.Context, table string) (int64, error) {
	return s.tableLog(table).ReadHead(ctx)
}

// Query runs a WHERE clause against the table's current head via the
// embedded SQL engine.
func (s *Store) Query(ctx context.Context, table, whereClause string) (schema.Batch, error) {
	sqlText := fmt.Sprintf("SELECT * FROM %s", table)
	if whereClause != "" {
		sqlText += " WHERE " + whereClause
	}
	return s.SQL(ctx, table, sqlText)
}

// SQL runs an arbitrary SQL statement against the table's current head.
func (s *Store) SQL(ctx context.Context, table, fullSQL string) (schema.Batch, error) {
	st, err := s.headState(ctx, table)
	if err != nil {
		return nil, err
	}
	paths, cleanup, err := s.stageFiles(ctx, table, st.Files)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return dataio.Query(ctx, table, paths, fullSQL)
}

func (s *Store) headState(ctx context.Context, table string) (tablelog.State, error) {
	if st, ok := s.cache.Get(table); ok {
		return st, nil
	}
	tl := s.tableLog(table)
	head, err := tl.ReadHead(ctx)
	if err != nil {
		return tablelog.State{}, err
	}
	st, err := tl.ReadState(ctx, head)
	if err != nil {
		return tablelog.State{}, err
	}
	s.cache.Put(table, st)
	return st, nil
}

// Close releases the store's scratch directory and local registry handle.
func (s *Store) Close() error {
	if s.registry != nil {
		_ = s.registry.Close()
	}
	return os.RemoveAll(s.scratchDir)
}

func nowMS() int64 { return time.Now().UnixMilli() }

func validateSchema(want schema.Schema, batch schema.Batch) error {
	for _, row := range batch {
		for k := range row {
			if _, ok := want.Column(k); !ok {
				return errs.New(errs.SchemaMismatch, "txstore.validateSchema", fmt.Errorf("unknown column %q", k))
			}
		}
		for _, c := range want.Columns {
			v, present := row[c.Name]
			if (!present || v == nil) && !c.Nullable {
				return errs.New(errs.SchemaMismatch, "txstore.validateSchema", fmt.Errorf("column %q is not nullable", c.Name))
			}
		}
	}
	return nil
}

// writeBatch partitions rows by partition-column tuple, splits each
// partition into target-file-size buckets, encodes each bucket, and writes
// it to the substrate, returning the resulting FileMeta list.
func (s *Store) writeBatch(ctx context.Context, table string, sch schema.Schema, batch schema.Batch) ([]tablelog.FileMeta, error) {
	groups := partitionRows(sch, batch)

	var files []tablelog.FileMeta
	for _, g := range groups {
		buckets := bucketBySize(sch, g.rows, s.cfg.TargetFileBytes)
		for _, bucket := range buckets {
			data, stats, err := dataio.EncodeFile(sch, bucket)
			if err != nil {
				return nil, err
			}
			id := uuid.NewString()
			path := filepath.ToSlash(filepath.Join(table, g.path, id+".dat"))
			if err := s.sub.Put(ctx, path, data); err != nil {
				return nil, err
			}
			files = append(files, tablelog.FileMeta{
				ID:              id,
				Path:            path,
				PartitionValues: g.values,
				Rows:            int64(len(bucket)),
				Bytes:           int64(len(data)),
				Stats:           stats,
			})
		}
	}
	return files, nil
}

type partitionGroup struct {
	path   string
	values map[string]string
	rows   schema.Batch
}

func partitionRows(sch schema.Schema, batch schema.Batch) []partitionGroup {
	if len(sch.PartitionColumns) == 0 {
		return []partitionGroup{{rows: batch}}
	}
	index := map[string]*partitionGroup{}
	var order []string
	for _, row := range batch {
		values := make(map[string]string, len(sch.PartitionColumns))
		var parts []string
		for _, col := range sch.PartitionColumns {
			v := fmt.Sprintf("%v", row[col])
			values[col] = v
			parts = append(parts, fmt.Sprintf("%s=%s", col, v))
		}
		key := filepath.Join(parts...)
		g, ok := index[key]
		if !ok {
			g = &partitionGroup{path: key, values: values}
			index[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, row)
	}
	sort.Strings(order)
	groups := make([]partitionGroup, 0, len(order))
	for _, k := range order {
		groups = append(groups, *index[k])
	}
	return groups
}

// bucketBySize splits rows into chunks approximating targetBytes, by
// encoding once to estimate per-row size and re-chunking if oversized.
func bucketBySize(sch schema.Schema, rows schema.Batch, targetBytes int64) []schema.Batch {
	if len(rows) == 0 {
		return nil
	}
	data, _, err := dataio.EncodeFile(sch, rows)
	if err != nil || int64(len(data)) <= targetBytes || len(rows) == 1 {
		return []schema.Batch{rows}
	}
	perRow := int64(len(data)) / int64(len(rows))
	if perRow == 0 {
		perRow = 1
	}
	rowsPerBucket := int(targetBytes / perRow)
	if rowsPerBucket < 1 {
		rowsPerBucket = 1
	}
	var buckets []schema.Batch
	for i := 0; i < len(rows); i += rowsPerBucket {
		end := i + rowsPerBucket
		if end > len(rows) {
			end = len(rows)
		}
		buckets = append(buckets, rows[i:end])
	}
	return buckets
}

func (s *Store) readFile(ctx context.Context, sch schema.Schema, f tablelog.FileMeta) (schema.Batch, error) {
	data, err := s.sub.Get(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	return dataio.DecodeFile(sch, data)
}

func (s *Store) readFiles(ctx context.Context, sch schema.Schema, files []tablelog.FileMeta) (schema.Batch, error) {
	var out schema.Batch
	for _, f := range files {
		batch, err := s.readFile(ctx, sch, f)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// stageFiles copies every live file's bytes into the store's local scratch
// directory so the embedded SQL engine (which reads real file paths, not
// substrate keys) can open them regardless of the backing substrate.
func (s *Store) stageFiles(ctx context.Context, table string, files []tablelog.FileMeta) ([]string, func(), error) {
	dir := filepath.Join(s.scratchDir, table, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errs.New(errs.Internal, "txstore.stageFiles", err)
	}
	var paths []string
	for _, f := range files {
		data, err := s.sub.Get(ctx, f.Path)
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		local := filepath.Join(dir, f.ID+".dat")
		if err := os.WriteFile(local, data, 0o644); err != nil {
			os.RemoveAll(dir)
			return nil, nil, errs.New(errs.Internal, "txstore.stageFiles", err)
		}
		paths = append(paths, local)
	}
	return paths, func() { os.RemoveAll(dir) }, nil
}

// commitWithRetry implements the optimistic-concurrency protocol of §4.2:
// read head, build the commit entry against the freshest state, attempt the
// CAS, and on conflict re-read and rebuild — appends are always safe to
// retry, and delete/compact/cluster recompute their selection against the
// new state on every call to build, so they are too.
func (s *Store) commitWithRetry(
	ctx context.Context,
	table string,
	op string,
	build func(head int64, st tablelog.State) (tablelog.CommitEntry, error),
) (int64, tablelog.State, error) {
	timer := metrics.NewTimer()
	tl := s.tableLog(table)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.CommitRetryMax; attempt++ {
		head, err := tl.ReadHead(ctx)
		if err != nil {
			return 0, tablelog.State{}, err
		}
		st, err := tl.ReadState(ctx, head)
		if err != nil {
			return 0, tablelog.State{}, err
		}

		entry, err := build(head, st)
		if err != nil {
			return 0, tablelog.State{}, err
		}

		v, err := tl.Commit(ctx, head, entry)
		if err == nil {
			s.cache.Invalidate(table)
			metrics.CommitsTotal.WithLabelValues(table, op).Inc()
			metrics.CommitRetries.WithLabelValues(table).Observe(float64(attempt))
			timer.ObserveDurationVec(metrics.CommitDuration, table, op)
			return v, st, nil
		}
		if !errs.Is(err, errs.CommitConflict) {
			return 0, tablelog.State{}, err
		}

		metrics.CommitConflictsTotal.WithLabelValues(table).Inc()
		lastErr = err
		log.WithTable(table).Debug().Int("attempt", attempt).Msg("commit conflict, retrying")
		sleepWithJitter(attempt, s.cfg.CommitRetryInitialMS)
	}
	return 0, tablelog.State{}, lastErr
}

func sleepWithJitter(attempt, initialMS int) {
	backoff := time.Duration(initialMS) * time.Millisecond * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
	time.Sleep(backoff + jitter)
}
