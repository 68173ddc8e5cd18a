package txstore

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/tablelog"
)

// Compact merges small files (below SmallFileBytes) within each
// partition into target-sized files (§4.3 "Compact"). It is a pure rewrite
// of the row bag, so it is always safe to retry on conflict: the selection
// of small files is recomputed against the current state on every attempt.
func (s *Store) Compact(ctx context.Context, table string) (CompactMetrics, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, table)

	var added, removed int
	v, _, err := s.commitWithRetry(ctx, table, "compact", func(head int64, st tablelog.State) (tablelog.CommitEntry, error) {
		added, removed = 0, 0
		small := make(map[string][]tablelog.FileMeta) // partition path -> small files
		for _, f := range st.Files {
			if f.Bytes < s.cfg.SmallFileBytes {
				small[partitionKey(f)] = append(small[partitionKey(f)], f)
			}
		}

		var adds []tablelog.FileMeta
		var removes []string
		for _, files := range small {
			if len(files) < 2 {
				continue // nothing to merge
			}
			var rows schema.Batch
			for _, f := range files {
				batch, err := s.readFile(ctx, st.Schema, f)
				if err != nil {
					return tablelog.CommitEntry{}, err
				}
				rows = append(rows, batch...)
				removes = append(removes, f.ID)
			}
			newFiles, err := s.writeBatch(ctx, table, st.Schema, rows)
			if err != nil {
				return tablelog.CommitEntry{}, err
			}
			adds = append(adds, newFiles...)
		}
		added, removed = len(adds), len(removes)

		return tablelog.CommitEntry{
			TimestampMS: nowMS(),
			Operation:   tablelog.OpOptimize,
			Parameters:  map[string]string{"kind": "compact"},
			Adds:        adds,
			Removes:     removes,
		}, nil
	})
	if err != nil {
		return CompactMetrics{}, err
	}
	return CompactMetrics{Version: v, FilesAdded: added, FilesRemoved: removed}, nil
}

// Cluster rewrites each partition's file-set in z-order over columns, so
// rows with similar values on those columns land in the same file (§4.3
// "Cluster"). Like compaction, it recomputes its input on every retry, so
// it is always safe to retry on conflict.
func (s *Store) Cluster(ctx context.Context, table string, columns []string) (CompactMetrics, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterDuration, table)

	var added, removed int
	v, _, err := s.commitWithRetry(ctx, table, "cluster", func(head int64, st tablelog.State) (tablelog.CommitEntry, error) {
		byPartition := map[string][]tablelog.FileMeta{}
		for _, f := range st.Files {
			byPartition[partitionKey(f)] = append(byPartition[partitionKey(f)], f)
		}

		var adds []tablelog.FileMeta
		var removes []string
		for _, files := range byPartition {
			var rows schema.Batch
			for _, f := range files {
				batch, err := s.readFile(ctx, st.Schema, f)
				if err != nil {
					return tablelog.CommitEntry{}, err
				}
				rows = append(rows, batch...)
				removes = append(removes, f.ID)
			}
			sorted := zOrderSort(rows, columns)
			newFiles, err := s.writeBatch(ctx, table, st.Schema, sorted)
			if err != nil {
				return tablelog.CommitEntry{}, err
			}
			adds = append(adds, newFiles...)
		}
		added, removed = len(adds), len(removes)

		return tablelog.CommitEntry{
			TimestampMS: nowMS(),
			Operation:   tablelog.OpOptimize,
			Parameters:  map[string]string{"kind": "cluster"},
			Adds:        adds,
			Removes:     removes,
		}, nil
	})
	if err != nil {
		return CompactMetrics{}, err
	}
	return CompactMetrics{Version: v, FilesAdded: added, FilesRemoved: removed}, nil
}

// Vacuum reclaims data files no longer referenced by any commit within the
// retention horizon (§4.3 "Vacuum"). retention=0 is refused unless enforce
// is true, because it can break an in-flight time-travel read.
func (s *Store) Vacuum(ctx context.Context, table string, retentionHours int64, dryRun bool, enforce bool) (VacuumMetrics, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VacuumDuration, table)

	if retentionHours == 0 && !enforce {
		return VacuumMetrics{}, errs.New(errs.Internal, "txstore.Vacuum", errNoEnforce).WithTable(table)
	}

	horizon := time.Now().Add(-time.Duration(retentionHours) * time.Hour).UnixMilli()

	tl := s.tableLog(table)
	head, err := tl.ReadHead(ctx)
	if err != nil {
		return VacuumMetrics{}, err
	}

	referenced := map[string]bool{}
	entries, err := tl.History(ctx, int(head)+1)
	if err != nil {
		return VacuumMetrics{}, err
	}
	for _, e := range entries {
		if e.TimestampMS >= horizon {
			for _, f := range e.Adds {
				referenced[f.ID] = true
			}
			// A file removed by a commit inside the retention horizon was
			// still live for every version up to that removal, some of
			// which may be timestamped inside the horizon too — it must
			// stay time-travellable, not just the still-live set (§4.3
			// "any removed-but-still-time-travellable files").
			for _, id := range e.Removes {
				referenced[id] = true
			}
		}
	}
	// Still-live files at head are always referenced, regardless of age.
	st, err := tl.ReadState(ctx, head)
	if err != nil {
		return VacuumMetrics{}, err
	}
	for _, f := range st.Files {
		referenced[f.ID] = true
	}

	allKeys, err := s.sub.List(ctx, table+"/")
	if err != nil {
		return VacuumMetrics{}, err
	}

	deleted := 0
	for _, key := range allKeys {
		if !isDataFileKey(key) {
			continue
		}
		id := fileIDFromKey(key)
		if referenced[id] {
			continue
		}
		deleted++
		if !dryRun {
			if err := s.sub.Delete(ctx, key); err != nil {
				return VacuumMetrics{}, err
			}
		}
	}
	metrics.FilesDeletedTotal.WithLabelValues(table).Add(float64(deleted))
	return VacuumMetrics{FilesDeleted: deleted, DryRun: dryRun}, nil
}

// GDPRPurgeKey fans out a predicate-delete across tables for one subject
// key (e.g. a user id), then runs an immediate zero-retention, enforced
// vacuum on each — the auth actor's gdpr_delete contract (§4.4).
func (s *Store) GDPRPurgeKey(ctx context.Context, tables []schema.TableDefinition, predicateFor func(table string) (Predicate, bool)) (map[string]DeleteMetrics, error) {
	results := make(map[string]DeleteMetrics, len(tables))
	for _, t := range tables {
		pred, ok := predicateFor(t.Name)
		if !ok {
			continue
		}
		m, err := s.Delete(ctx, t.Name, pred)
		if err != nil {
			return results, err
		}
		results[t.Name] = m
		if _, err := s.Vacuum(ctx, t.Name, 0, false, true); err != nil {
			return results, err
		}
	}
	return results, nil
}

func partitionKey(f tablelog.FileMeta) string {
	return f.Path[:len(f.Path)-len(f.ID)-len(".dat")]
}

func isDataFileKey(key string) bool {
	return len(key) > 4 && key[len(key)-4:] == ".dat"
}

func fileIDFromKey(key string) string {
	base := key
	if i := lastSlash(key); i >= 0 {
		base = key[i+1:]
	}
	return base[:len(base)-len(".dat")]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

var errNoEnforce = errNoEnforceType{}

type errNoEnforceType struct{}

func (errNoEnforceType) Error() string {
	return "vacuum at retention 0 requires enforce=true: it can break an in-flight time-travel read"
}

// zOrderSort sorts rows by interleaving the bit-ranks of columns, giving a
// single-pass approximation of a Hilbert/Z-order space-filling curve
// (§4.3 "Cluster"): rows with similar tuples on the clustering columns end
// up adjacent, and therefore in the same output file.
func zOrderSort(rows schema.Batch, columns []string) schema.Batch {
	if len(rows) == 0 || len(columns) == 0 {
		return rows
	}
	ranks := make([]map[any]uint32, len(columns))
	for i, col := range columns {
		values := map[any]bool{}
		for _, r := range rows {
			values[normalizeKey(r[col])] = true
		}
		unique := make([]any, 0, len(values))
		for v := range values {
			unique = append(unique, v)
		}
		sort.Slice(unique, func(a, b int) bool { return lessAny(unique[a], unique[b]) })
		rank := make(map[any]uint32, len(unique))
		for r, v := range unique {
			rank[v] = uint32(r)
		}
		ranks[i] = rank
	}

	keys := make([]uint64, len(rows))
	for i, r := range rows {
		keys[i] = zOrderKey(r, columns, ranks)
	}

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })

	sorted := make(schema.Batch, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	return sorted
}

func zOrderKey(row schema.Row, columns []string, ranks []map[any]uint32) uint64 {
	var key uint64
	for bit := 0; bit < 21; bit++ { // 21 bits/column * up to 3 columns fits uint64
		for ci, col := range columns {
			rank := ranks[ci][normalizeKey(row[col])]
			b := (rank >> uint(bit)) & 1
			key |= uint64(b) << uint(bit*len(columns)+ci)
		}
	}
	return key
}

func normalizeKey(v any) any {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		return n
	default:
		return v
	}
}

func lessAny(a, b any) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return false
}
