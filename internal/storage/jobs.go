package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
)

// AppendJob adds a completed dispatch run to a campaign's job history
func (s *BoltStorage) AppendJob(ctx context.Context, job *campaign.EmailJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCampaigns).Get([]byte(job.CampaignID)) == nil {
			return fmt.Errorf("campaign %s: %w", job.CampaignID, ErrNotFound)
		}
		history, err := tx.Bucket(bucketJobs).CreateBucketIfNotExists([]byte(job.CampaignID))
		if err != nil {
			return fmt.Errorf("failed to create job history: %w", err)
		}
		return put(history, job.JobID, job)
	})
}

// GetJob returns a single job of a campaign
func (s *BoltStorage) GetJob(ctx context.Context, campaignID, jobID string) (*campaign.EmailJob, error) {
	var job campaign.EmailJob
	err := s.db.View(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketJobs).Bucket([]byte(campaignID))
		if history == nil {
			return ErrNotFound
		}
		return get(history, jobID, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns a campaign's job history, oldest first
func (s *BoltStorage) ListJobs(ctx context.Context, campaignID string) ([]*campaign.EmailJob, error) {
	var jobs []*campaign.EmailJob
	err := s.db.View(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketJobs).Bucket([]byte(campaignID))
		if history == nil {
			return nil
		}
		return history.ForEach(func(k, v []byte) error {
			var job campaign.EmailJob
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortJobs(jobs)
	return jobs, nil
}

// TrackOpen applies one open event to the email sent to recipient in a job.
// The read-check-write runs in a single read-write transaction, so two
// concurrent first hits cannot both set first_tracked. It reports whether
// the job and recipient were found.
func (s *BoltStorage) TrackOpen(ctx context.Context, campaignID, jobID, recipient string, at time.Time) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketJobs).Bucket([]byte(campaignID))
		if history == nil {
			return nil
		}
		var job campaign.EmailJob
		if err := get(history, jobID, &job); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}

		email := job.FindEmail(recipient)
		if email == nil {
			return nil
		}
		email.Track(at)
		found = true
		return put(history, jobID, &job)
	})
	return found, err
}

// PruneJobs removes jobs initiated before now-maxAge across every campaign
func (s *BoltStorage) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		return jobs.ForEachBucket(func(name []byte) error {
			history := jobs.Bucket(name)

			var toDelete [][]byte
			err := history.ForEach(func(k, v []byte) error {
				var job campaign.EmailJob
				if err := json.Unmarshal(v, &job); err != nil {
					return nil
				}
				if job.InitiatedAt.Before(cutoff) {
					toDelete = append(toDelete, append([]byte{}, k...))
				}
				return nil
			})
			if err != nil {
				return err
			}

			// Delete collected jobs
			for _, k := range toDelete {
				if err := history.Delete(k); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
	})

	return deleted, err
}
