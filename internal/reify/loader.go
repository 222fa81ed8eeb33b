package reify

import (
	"context"
	"strings"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/store"
)

const liveKeySep = "\x00"

// liveLoader batches live-row lookups through a dataloader so relationship
// resolution that touches many related ids loads them in one round trip per
// type. One loader lives per top-level Reify call; its cache must not
// outlive the call.
type liveLoader struct {
	loader *dataloader.Loader
}

func newLiveLoader(live store.LiveStore) *liveLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		// Group requested ids by type, remembering result positions.
		positions := make(map[string][]int)
		ids := make(map[string][]string)
		for i, key := range keys {
			typeName, id, ok := splitLiveKey(key.String())
			if !ok {
				results[i] = &dataloader.Result{Data: (*domain.Record)(nil)}
				continue
			}
			positions[typeName] = append(positions[typeName], i)
			ids[typeName] = append(ids[typeName], id)
		}

		for typeName, typeIDs := range ids {
			records, err := live.FindMany(ctx, typeName, typeIDs)
			if err != nil {
				for _, pos := range positions[typeName] {
					results[pos] = &dataloader.Result{Error: err}
				}
				continue
			}
			byID := make(map[string]*domain.Record, len(records))
			for _, rec := range records {
				byID[rec.ID] = rec
			}
			for idx, pos := range positions[typeName] {
				results[pos] = &dataloader.Result{Data: byID[typeIDs[idx]]}
			}
		}
		return results
	}

	return &liveLoader{
		loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond)),
	}
}

func splitLiveKey(key string) (typeName, id string, ok bool) {
	parts := strings.SplitN(key, liveKeySep, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Load fetches one live record, batched with concurrent lookups. Missing
// rows return (nil, nil).
func (l *liveLoader) Load(ctx context.Context, typeName, id string) (*domain.Record, error) {
	thunk := l.loader.Load(ctx, dataloader.StringKey(typeName+liveKeySep+id))
	value, err := thunk()
	if err != nil {
		return nil, err
	}
	rec, _ := value.(*domain.Record)
	return rec, nil
}
