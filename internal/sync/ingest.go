package sync

import (
	"context"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

// Ingestor normalizes provider items into external items and writes them
// idempotently. It never touches health state or the registry.
type Ingestor struct {
	items store.ExternalItemRepository
	now   func() time.Time
}

func NewIngestor(items store.ExternalItemRepository) *Ingestor {
	return &Ingestor{items: items, now: time.Now}
}

// Upsert writes the batch keyed by (user, provider, type, external id) and
// returns the number of rows written. Duplicates within the batch collapse
// to the last value; duplicates across batches overwrite rather than grow
// storage. An empty batch is a no-op.
func (in *Ingestor) Upsert(ctx context.Context, userID, accountID int64, providerName string, items []provider.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	syncedAt := in.now()

	type key struct {
		itemType   string
		externalID string
	}
	index := make(map[key]int, len(items))
	deduped := make([]store.ExternalItem, 0, len(items))

	for _, item := range items {
		row := store.ExternalItem{
			UserID:          userID,
			LinkedAccountID: &accountID,
			Provider:        providerName,
			ItemType:        item.Type,
			ExternalID:      item.ExternalID,
			URL:             item.URL,
			Title:           item.Title,
			Summary:         item.Summary,
			Status:          item.Status,
			DueAt:           item.DueAt,
			Author:          item.Author,
			Channel:         item.Channel,
			OccurredAt:      item.OccurredAt,
			RawPayload:      item.Raw,
			SyncedAt:        syncedAt,
		}

		k := key{itemType: item.Type, externalID: item.ExternalID}
		if i, seen := index[k]; seen {
			deduped[i] = row
			continue
		}
		index[k] = len(deduped)
		deduped = append(deduped, row)
	}

	return in.items.UpsertBatch(ctx, deduped)
}
