package detect

import (
	"context"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// HashDetector walks the source in key order and compares each row with its
// target counterpart. It never emits deletes.
type HashDetector struct{}

// Name implements Detector.
func (HashDetector) Name() string { return Hash }

// Detect implements Detector.
func (HashDetector) Detect(ctx context.Context, req Request) (*Batch, error) {
	t := req.Table
	rows, err := adapter.FetchPage(ctx, req.Source.DB, req.Source.Dialect, t.Descriptor.Name,
		t.SourceColumns, sourceKeys(t), req.Cursor, req.Limit, t.SourceSchema)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Cursor: req.Cursor, Scanned: len(rows), Done: req.Limit <= 0 || len(rows) < req.Limit}
	if len(rows) == 0 {
		return batch, nil
	}

	keys := make([]core.Key, len(rows))
	for i, r := range rows {
		if keys[i], err = core.KeyOf(r, sourceKeys(t)); err != nil {
			return nil, err
		}
	}
	targets, err := lookupTargets(ctx, req, keys)
	if err != nil {
		return nil, err
	}

	for i, src := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, changed, err := change(ctx, t, keys[i], src, targets[keys[i].String()])
		if err != nil {
			return nil, err
		}
		if changed {
			batch.Changes = append(batch.Changes, ch)
		}
	}
	batch.Cursor = keys[len(keys)-1]
	return batch, nil
}
