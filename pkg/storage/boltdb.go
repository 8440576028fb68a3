package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/enkore/borgcube/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs         = []byte("jobs")
	bucketRepositories = []byte("repositories")
	bucketClients      = []byte("clients")
	bucketSchedules    = []byte("schedules")
	bucketArchives     = []byte("archives")
	bucketReservations = []byte("archive_name_reservations")
	bucketWatermarks   = []byte("schedule_watermarks")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "borgcube.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketRepositories,
			bucketClients,
			bucketSchedules,
			bucketArchives,
			bucketReservations,
			bucketWatermarks,
		}

		for _, bucket := range buckets {
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

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// reservationKey scopes an archive name to its repository.
func reservationKey(repositoryRef, name string) []byte {
	return []byte(repositoryRef + "/" + name)
}

// Job operations

// CreateJob persists the job and reserves its archive name in one
// transaction. A reservation collision aborts the transaction, so no
// two concurrent jobs can ever target the same archive name in the
// same repository.
func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if job.ArchiveName != "" {
			r := tx.Bucket(bucketReservations)
			key := reservationKey(job.RepositoryRef, job.ArchiveName)
			if r.Get(key) != nil {
				return ErrNameReserved
			}
			if err := r.Put(key, []byte(job.ID)); err != nil {
				return err
			}
		}
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByState(state types.JobState) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Job
	for _, job := range jobs {
		if job.State == state {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

// Repository operations
func (s *BoltStore) CreateRepository(repo *types.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		return b.Put([]byte(repo.ID), data)
	})
}

func (s *BoltStore) GetRepository(id string) (*types.Repository, error) {
	var repo types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("repository %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListRepositories() ([]*types.Repository, error) {
	var repos []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.ForEach(func(k, v []byte) error {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	return repos, err
}

func (s *BoltStore) UpdateRepository(repo *types.Repository) error {
	return s.CreateRepository(repo) // Same as create (upsert)
}

func (s *BoltStore) DeleteRepository(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.Delete([]byte(id))
	})
}

// Client operations
func (s *BoltStore) CreateClient(client *types.Client) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		data, err := json.Marshal(client)
		if err != nil {
			return err
		}
		return b.Put([]byte(client.Hostname), data)
	})
}

func (s *BoltStore) GetClient(hostname string) (*types.Client, error) {
	var client types.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		data := b.Get([]byte(hostname))
		if data == nil {
			return fmt.Errorf("client %s: %w", hostname, ErrNotFound)
		}
		return json.Unmarshal(data, &client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *BoltStore) ListClients() ([]*types.Client, error) {
	var clients []*types.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		return b.ForEach(func(k, v []byte) error {
			var client types.Client
			if err := json.Unmarshal(v, &client); err != nil {
				return err
			}
			clients = append(clients, &client)
			return nil
		})
	})
	return clients, err
}

func (s *BoltStore) DeleteClient(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		return b.Delete([]byte(hostname))
	})
}

// Schedule operations
func (s *BoltStore) CreateSchedule(schedule *types.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data, err := json.Marshal(schedule)
		if err != nil {
			return err
		}
		return b.Put([]byte(schedule.ID), data)
	})
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var schedule types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &schedule)
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var schedule types.Schedule
			if err := json.Unmarshal(v, &schedule); err != nil {
				return err
			}
			schedules = append(schedules, &schedule)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) UpdateSchedule(schedule *types.Schedule) error {
	return s.CreateSchedule(schedule)
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.Delete([]byte(id))
	})
}

// Watermark operations
func (s *BoltStore) GetWatermark(scheduleID string) (time.Time, error) {
	var mark time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		data := b.Get([]byte(scheduleID))
		if data == nil {
			// Never materialized; zero time.
			return nil
		}
		return mark.UnmarshalText(data)
	})
	return mark, err
}

func (s *BoltStore) SetWatermark(scheduleID string, occurrence time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		data, err := occurrence.MarshalText()
		if err != nil {
			return err
		}
		return b.Put([]byte(scheduleID), data)
	})
}

// Archive operations
func (s *BoltStore) CreateArchive(archive *types.Archive) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchives)
		data, err := json.Marshal(archive)
		if err != nil {
			return err
		}
		return b.Put(reservationKey(archive.RepositoryRef, archive.Name), data)
	})
}

func (s *BoltStore) GetArchiveByName(repositoryRef, name string) (*types.Archive, error) {
	var archive types.Archive
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchives)
		data := b.Get(reservationKey(repositoryRef, name))
		if data == nil {
			return fmt.Errorf("archive %s in %s: %w", name, repositoryRef, ErrNotFound)
		}
		return json.Unmarshal(data, &archive)
	})
	if err != nil {
		return nil, err
	}
	return &archive, nil
}

func (s *BoltStore) ListArchivesByRepository(repositoryRef string) ([]*types.Archive, error) {
	var archives []*types.Archive
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchives)
		return b.ForEach(func(k, v []byte) error {
			var archive types.Archive
			if err := json.Unmarshal(v, &archive); err != nil {
				return err
			}
			if archive.RepositoryRef == repositoryRef {
				archives = append(archives, &archive)
			}
			return nil
		})
	})
	return archives, err
}

func (s *BoltStore) ListArchivesByClient(repositoryRef, clientRef string) ([]*types.Archive, error) {
	archives, err := s.ListArchivesByRepository(repositoryRef)
	if err != nil {
		return nil, err
	}

	var filtered []*types.Archive
	for _, archive := range archives {
		if archive.ClientRef == clientRef {
			filtered = append(filtered, archive)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteArchive(repositoryRef, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchives)
		return b.Delete(reservationKey(repositoryRef, name))
	})
}

// ReleaseArchiveName frees a failed job's reservation.
func (s *BoltStore) ReleaseArchiveName(repositoryRef, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		return b.Delete(reservationKey(repositoryRef, name))
	})
}
