package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/dataset"
)

var (
	bucketContainers = []byte("containers")
	bucketDatalabs   = []byte("datalabs")
	bucketCampaigns  = []byte("campaigns")
	bucketJobs       = []byte("jobs")
	bucketAudit      = []byte("audit")
)

// ErrNotFound is returned when a container, datalab, campaign or job does not exist
var ErrNotFound = errors.New("not found")

// BoltStorage persists containers, datalabs, campaigns and their job history in BoltDB.
// Jobs live in one nested bucket per campaign under "jobs".
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketDatalabs, bucketCampaigns, bucketJobs, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put([]byte(key), data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func get(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// Containers

// SaveContainer creates or replaces a container
func (s *BoltStorage) SaveContainer(ctx context.Context, c *dataset.Container) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketContainers), c.ID, c)
	})
}

// GetContainer returns a container by ID
func (s *BoltStorage) GetContainer(ctx context.Context, id string) (*dataset.Container, error) {
	var c dataset.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketContainers), id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContainers returns every container
func (s *BoltStorage) ListContainers(ctx context.Context) ([]*dataset.Container, error) {
	var out []*dataset.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c dataset.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// DeleteContainer removes a container and everything it owns. Children go
// first: job history, then campaigns, then datalabs, then the container,
// all inside one transaction.
func (s *BoltStorage) DeleteContainer(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		containers := tx.Bucket(bucketContainers)
		if containers.Get([]byte(id)) == nil {
			return ErrNotFound
		}

		campaigns := tx.Bucket(bucketCampaigns)
		jobs := tx.Bucket(bucketJobs)
		var campaignKeys [][]byte
		err := campaigns.ForEach(func(k, v []byte) error {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.ContainerID == id {
				campaignKeys = append(campaignKeys, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range campaignKeys {
			if jobs.Bucket(k) != nil {
				if err := jobs.DeleteBucket(k); err != nil {
					return fmt.Errorf("failed to delete job history: %w", err)
				}
			}
		}
		for _, k := range campaignKeys {
			if err := campaigns.Delete(k); err != nil {
				return fmt.Errorf("failed to delete campaign: %w", err)
			}
		}

		datalabs := tx.Bucket(bucketDatalabs)
		var datalabKeys [][]byte
		err = datalabs.ForEach(func(k, v []byte) error {
			var d dataset.Datalab
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.ContainerID == id {
				datalabKeys = append(datalabKeys, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range datalabKeys {
			if err := datalabs.Delete(k); err != nil {
				return fmt.Errorf("failed to delete datalab: %w", err)
			}
		}

		return containers.Delete([]byte(id))
	})
}

// Datalabs

// SaveDatalab creates or replaces a datalab. Its container must exist.
func (s *BoltStorage) SaveDatalab(ctx context.Context, d *dataset.Datalab) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketContainers).Get([]byte(d.ContainerID)) == nil {
			return fmt.Errorf("container %s: %w", d.ContainerID, ErrNotFound)
		}
		return put(tx.Bucket(bucketDatalabs), d.ID, d)
	})
}

// GetDatalab returns a datalab by ID
func (s *BoltStorage) GetDatalab(ctx context.Context, id string) (*dataset.Datalab, error) {
	var d dataset.Datalab
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketDatalabs), id, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Campaigns

// SaveCampaign creates or replaces a campaign. Callers validate the
// definition with campaign.Validate first.
func (s *BoltStorage) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDatalabs).Get([]byte(c.DatalabID)) == nil {
			return fmt.Errorf("datalab %s: %w", c.DatalabID, ErrNotFound)
		}
		return put(tx.Bucket(bucketCampaigns), c.ID, c)
	})
}

// GetCampaign returns a campaign by ID
func (s *BoltStorage) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketCampaigns), id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCampaigns returns every campaign, optionally restricted to one container
func (s *BoltStorage) ListCampaigns(ctx context.Context, containerID string) ([]*campaign.Campaign, error) {
	var out []*campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if containerID != "" && c.ContainerID != containerID {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// DeleteCampaign removes a campaign and its job history
func (s *BoltStorage) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		campaigns := tx.Bucket(bucketCampaigns)
		if campaigns.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		jobs := tx.Bucket(bucketJobs)
		if jobs.Bucket([]byte(id)) != nil {
			if err := jobs.DeleteBucket([]byte(id)); err != nil {
				return fmt.Errorf("failed to delete job history: %w", err)
			}
		}
		return campaigns.Delete([]byte(id))
	})
}

// updateCampaign applies fn to a stored campaign in a single transaction
func (s *BoltStorage) updateCampaign(id string, fn func(c *campaign.Campaign)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		var c campaign.Campaign
		if err := get(b, id, &c); err != nil {
			return err
		}
		fn(&c)
		c.UpdatedAt = time.Now()
		return put(b, id, &c)
	})
}

// SaveEmailSettings stores the settings used by a manual run so that
// scheduled runs can reuse them
func (s *BoltStorage) SaveEmailSettings(ctx context.Context, campaignID string, settings campaign.EmailSettings) error {
	return s.updateCampaign(campaignID, func(c *campaign.Campaign) {
		c.EmailSettings = &settings
	})
}

// SetSchedule replaces (or clears, when schedule is nil) a campaign's schedule
func (s *BoltStorage) SetSchedule(ctx context.Context, campaignID string, schedule *campaign.Schedule) error {
	return s.updateCampaign(campaignID, func(c *campaign.Campaign) {
		c.Schedule = schedule
		c.LastScheduledAt = nil
	})
}

// MarkScheduledRun records when the scheduler last ran a campaign
func (s *BoltStorage) MarkScheduledRun(ctx context.Context, campaignID string, at time.Time) error {
	return s.updateCampaign(campaignID, func(c *campaign.Campaign) {
		c.LastScheduledAt = &at
	})
}

// Dataset adapters used by dispatch

// LoadDataset returns the records of the datalab a campaign is defined over
func (s *BoltStorage) LoadDataset(ctx context.Context, campaignID string) (dataset.Snapshot, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return dataset.Snapshot{}, err
	}
	d, err := s.GetDatalab(ctx, c.DatalabID)
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("datalab %s: %w", c.DatalabID, err)
	}
	pk, err := d.PrimaryKey()
	if err != nil {
		return dataset.Snapshot{}, err
	}
	return dataset.Snapshot{Records: d.Data, PrimaryKey: pk}, nil
}

// ResolveFieldSchema returns the field types of a campaign's datalab
func (s *BoltStorage) ResolveFieldSchema(ctx context.Context, campaignID string) (map[string]string, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return s.DatalabFields(ctx, c.DatalabID)
}

// DatalabFields returns the field types of a datalab
func (s *BoltStorage) DatalabFields(ctx context.Context, datalabID string) (map[string]string, error) {
	d, err := s.GetDatalab(ctx, datalabID)
	if err != nil {
		return nil, err
	}
	return d.Fields(), nil
}

// sortJobs orders jobs oldest first
func sortJobs(jobs []*campaign.EmailJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].InitiatedAt.Before(jobs[j].InitiatedAt)
	})
}
