package sync

import (
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
)

// reconcile merges one pulled table into the local copy and returns the new
// canonical content of the table.
//
// A server record absent locally is inserted. A local record that is not
// offline yields to the server. An offline local record is checked for a
// material conflict and resolved last-writer-wins. Offline local records the
// server does not have are retained; other local records missing on the
// server are dropped. Server records listed in deleted are still queued for
// deletion and are not resurrected.
func reconcile(local, server []*models.Record, resolver *conflict.Resolver, deleted map[models.RecordID]bool, now int64) ([]*models.Record, []*models.ConflictItem) {
	byID := make(map[models.RecordID]*models.Record, len(local))
	for _, rec := range local {
		byID[rec.ID] = rec
	}

	merged := make([]*models.Record, 0, len(server)+len(local))
	var conflicts []*models.ConflictItem

	for _, srv := range server {
		existing, found := byID[srv.ID]
		delete(byID, srv.ID)
		if deleted[srv.ID] {
			continue
		}

		incoming := srv.Clone()
		incoming.Offline = false
		incoming.LastModified = now

		if !found || !existing.Offline {
			merged = append(merged, incoming)
			continue
		}

		winner, item := resolver.Check(existing, incoming)
		if item != nil {
			conflicts = append(conflicts, item)
		}
		if winner == existing {
			merged = append(merged, existing)
		} else {
			merged = append(merged, incoming)
		}
	}

	for _, rec := range local {
		if _, left := byID[rec.ID]; left && rec.Offline {
			merged = append(merged, rec)
		}
	}
	return merged, conflicts
}
