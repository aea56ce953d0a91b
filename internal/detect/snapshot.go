package detect

import (
	"context"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// SnapshotDetector merges the sorted source and target key streams. Rows
// only in the source are inserts, rows in both with different content are
// updates and rows only in the target are deletes.
type SnapshotDetector struct{}

// Name implements Detector.
func (SnapshotDetector) Name() string { return FullSnapshot }

type keyed struct {
	key core.Key
	rec core.Record
}

func keyRows(rows []core.Record, cols []string) ([]keyed, error) {
	out := make([]keyed, len(rows))
	for i, r := range rows {
		k, err := core.KeyOf(r, cols)
		if err != nil {
			return nil, err
		}
		out[i] = keyed{key: k, rec: r}
	}
	return out, nil
}

// Detect implements Detector. Each call reads at most Limit rows from each
// side and only merges up to the smaller of the two last keys, so no key is
// judged before both streams have passed it.
func (SnapshotDetector) Detect(ctx context.Context, req Request) (*Batch, error) {
	t := req.Table
	srcRows, err := adapter.FetchPage(ctx, req.Source.DB, req.Source.Dialect, t.Descriptor.Name,
		t.SourceColumns, sourceKeys(t), req.Cursor, req.Limit, t.SourceSchema)
	if err != nil {
		return nil, err
	}
	dstRows, err := adapter.FetchPage(ctx, req.Target.DB, req.Target.Dialect, t.Descriptor.TargetName(),
		t.TargetColumns, targetKeys(t), req.Cursor, req.Limit, t.TargetSchema)
	if err != nil {
		return nil, err
	}

	src, err := keyRows(srcRows, sourceKeys(t))
	if err != nil {
		return nil, err
	}
	dst, err := keyRows(dstRows, targetKeys(t))
	if err != nil {
		return nil, err
	}

	srcDone := req.Limit <= 0 || len(src) < req.Limit
	dstDone := req.Limit <= 0 || len(dst) < req.Limit

	// bound is the last key both streams have fully covered. Nil means both
	// streams are exhausted.
	var bound core.Key
	if !srcDone {
		bound = src[len(src)-1].key
	}
	if !dstDone {
		last := dst[len(dst)-1].key
		if bound == nil || last.Compare(bound) < 0 {
			bound = last
		}
	}
	within := func(k core.Key) bool { return bound == nil || k.Compare(bound) <= 0 }

	batch := &Batch{Cursor: req.Cursor, Done: srcDone && dstDone}
	i, j := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hasSrc := i < len(src) && within(src[i].key)
		hasDst := j < len(dst) && within(dst[j].key)
		if !hasSrc && !hasDst {
			break
		}

		var cmp int
		switch {
		case !hasDst:
			cmp = -1
		case !hasSrc:
			cmp = 1
		default:
			cmp = src[i].key.Compare(dst[j].key)
		}

		switch {
		case cmp < 0:
			ch, _, err := change(ctx, t, src[i].key, src[i].rec, nil)
			if err != nil {
				return nil, err
			}
			batch.Changes = append(batch.Changes, ch)
			batch.Cursor = src[i].key
			batch.Scanned++
			i++
		case cmp > 0:
			th, err := Fingerprint(dst[j].rec, t.TargetColumns)
			if err != nil {
				return nil, err
			}
			batch.Changes = append(batch.Changes, core.Change{
				Table:      t.Descriptor.Name,
				Operation:  core.OpDelete,
				Key:        dst[j].key,
				TargetHash: th,
			})
			batch.Cursor = dst[j].key
			j++
		default:
			ch, changed, err := change(ctx, t, src[i].key, src[i].rec, dst[j].rec)
			if err != nil {
				return nil, err
			}
			if changed {
				batch.Changes = append(batch.Changes, ch)
			}
			batch.Cursor = src[i].key
			batch.Scanned++
			i++
			j++
		}
	}
	return batch, nil
}
