package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// AuditEntry records a change made to a campaign
type AuditEntry struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Action     string    `json:"action"`
	CampaignID string    `json:"campaign_id"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// RecordAudit appends an entry to the audit log
func (s *BoltStorage) RecordAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketAudit), string(makeIndexKey(e.At, e.ID)), e)
	})
}

// ListAudit returns audit entries for a campaign (or all when campaignID is
// empty), oldest first
func (s *BoltStorage) ListAudit(ctx context.Context, campaignID string, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if campaignID != "" && e.CampaignID != campaignID {
				continue
			}
			out = append(out, e)

			// Apply limit
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	// Format: fixed-width UTC timestamp + ":" + id
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
