package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
)

const (
	schedulesKey = "batchops:schedules"

	// dispatchMarkerTTL bounds how long a (job, fireTime) dispatch marker is
	// retained. Markers only need to survive scheduler restarts, not forever.
	dispatchMarkerTTL = 24 * time.Hour
)

type scheduleEntry struct {
	Cron       string `json:"cron"`
	NextFireMS int64  `json:"next_fire_ms"`
}

// RedisScheduleRegistry is the durable mapping of scheduled jobs to cron
// expressions and next computed fire times, shared with the queue through the
// same backing store.
type RedisScheduleRegistry struct {
	client redis.UniversalClient
	queue  services.QueueService
	logger.Log
}

func NewRedisScheduleRegistry(client redis.UniversalClient, queue services.QueueService, logFactory logger.LogFactory) *RedisScheduleRegistry {
	return &RedisScheduleRegistry{
		client: client,
		queue:  queue,
		Log:    logFactory("ScheduleRegistry"),
	}
}

func dispatchMarkerKey(jobID models.JobID, fireTime time.Time) string {
	return fmt.Sprintf("batchops:dispatch:%s:%d", jobID, fireTime.UnixMilli())
}

// Register idempotently stores the cron schedule for a job, replacing any
// existing entry. The next fire time is computed from now; missed fires are
// never replayed.
func (s *RedisScheduleRegistry) Register(ctx context.Context, jobID models.JobID, cronExpr string, now time.Time) error {
	nextFire, err := NextFireAfter(cronExpr, now)
	if err != nil {
		return err
	}
	entry := scheduleEntry{Cron: cronExpr, NextFireMS: nextFire.UnixMilli()}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "error serializing schedule entry")
	}
	err = s.client.HSet(ctx, schedulesKey, jobID.String(), string(data)).Err()
	if err != nil {
		return gerror.NewErrTransient("Schedule store unreachable", err)
	}
	s.Debugf("Registered schedule %q for job %s, next fire %s", cronExpr, jobID, nextFire.UTC())
	return nil
}

// Unregister removes the durable entry for a job along with any not-yet-fired
// delayed dispatch still sitting in the queue for it.
func (s *RedisScheduleRegistry) Unregister(ctx context.Context, jobID models.JobID) error {
	err := s.client.HDel(ctx, schedulesKey, jobID.String()).Err()
	if err != nil {
		return gerror.NewErrTransient("Schedule store unreachable", err)
	}
	removed, err := s.queue.RemoveDelayedForJob(ctx, jobID)
	if err != nil {
		return err
	}
	s.Debugf("Unregistered schedule for job %s (%d pending dispatch(es) removed)", jobID, removed)
	return nil
}

// Due returns the (jobID, fireTime) pairs with fireTime <= now that have not
// yet been marked dispatched. A pair whose marker already exists (a crash
// after dispatch but before the next fire was stored) is healed by advancing
// its next fire time instead of being returned.
func (s *RedisScheduleRegistry) Due(ctx context.Context, now time.Time) ([]services.ScheduledFire, error) {
	entries, err := s.client.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, gerror.NewErrTransient("Schedule store unreachable", err)
	}
	var fires []services.ScheduledFire
	for field, raw := range entries {
		jobResourceID, err := models.ParseResourceID(field)
		if err != nil {
			s.Warnf("Skipping schedule entry with invalid job id %q: %v", field, err)
			continue
		}
		jobID := models.JobIDFromResourceID(jobResourceID)
		entry := scheduleEntry{}
		err = json.Unmarshal([]byte(raw), &entry)
		if err != nil {
			s.Warnf("Skipping corrupt schedule entry for job %s: %v", jobID, err)
			continue
		}
		fireTime := time.UnixMilli(entry.NextFireMS).UTC()
		if fireTime.After(now) {
			continue
		}
		dispatched, err := s.client.Exists(ctx, dispatchMarkerKey(jobID, fireTime)).Result()
		if err != nil {
			return nil, gerror.NewErrTransient("Schedule store unreachable", err)
		}
		if dispatched > 0 {
			// Already enqueued by a previous run that crashed before advancing
			err = s.AdvanceNextFire(ctx, jobID, fireTime)
			if err != nil {
				return nil, err
			}
			continue
		}
		fires = append(fires, services.ScheduledFire{JobID: jobID, FireTime: fireTime})
	}
	return fires, nil
}

// DispatchOnce atomically records the fire as dispatched and enqueues the
// task. Returns false if the (job, fireTime) pair was already dispatched.
func (s *RedisScheduleRegistry) DispatchOnce(ctx context.Context, fire services.ScheduledFire, task *services.Task) (bool, error) {
	enqueued, err := s.queue.EnqueueOnce(ctx, dispatchMarkerKey(fire.JobID, fire.FireTime), dispatchMarkerTTL, task)
	if err != nil {
		return false, err
	}
	if !enqueued {
		s.Debugf("Fire (%s, %s) already dispatched", fire.JobID, fire.FireTime.UTC())
		return false, nil
	}
	s.Infof("Dispatched job %s for fire time %s", fire.JobID, fire.FireTime.UTC())
	return true, nil
}

// AdvanceNextFire stores the next computed fire time for a job, strictly
// after the supplied instant.
func (s *RedisScheduleRegistry) AdvanceNextFire(ctx context.Context, jobID models.JobID, after time.Time) error {
	raw, err := s.client.HGet(ctx, schedulesKey, jobID.String()).Result()
	if err == redis.Nil {
		return nil // job was unregistered in the meantime
	}
	if err != nil {
		return gerror.NewErrTransient("Schedule store unreachable", err)
	}
	entry := scheduleEntry{}
	err = json.Unmarshal([]byte(raw), &entry)
	if err != nil {
		return errors.Wrapf(err, "error parsing schedule entry for job %s", jobID)
	}
	nextFire, err := NextFireAfter(entry.Cron, after)
	if err != nil {
		return err
	}
	entry.NextFireMS = nextFire.UnixMilli()
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "error serializing schedule entry")
	}
	err = s.client.HSet(ctx, schedulesKey, jobID.String(), string(data)).Err()
	if err != nil {
		return gerror.NewErrTransient("Schedule store unreachable", err)
	}
	return nil
}

// Reconcile is given the authoritative job set; it adds missing
// registrations, re-registers changed schedules and removes orphans.
// Entries whose cron expression is unchanged keep their next fire time.
func (s *RedisScheduleRegistry) Reconcile(ctx context.Context, jobs []*models.Job, now time.Time) error {
	wanted := make(map[string]string) // jobID -> cron
	for _, job := range jobs {
		if job.IsScheduled() {
			wanted[job.ID.String()] = *job.ScheduleCron
		}
	}

	existing, err := s.client.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return gerror.NewErrTransient("Schedule store unreachable", err)
	}

	for field, raw := range existing {
		cronExpr, stillWanted := wanted[field]
		if !stillWanted {
			err = s.client.HDel(ctx, schedulesKey, field).Err()
			if err != nil {
				return gerror.NewErrTransient("Schedule store unreachable", err)
			}
			s.Infof("Removed orphaned schedule for job %s", field)
			continue
		}
		entry := scheduleEntry{}
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.Cron == cronExpr {
			delete(wanted, field) // unchanged, keep the stored next fire
		}
	}

	for field, cronExpr := range wanted {
		jobResourceID, err := models.ParseResourceID(field)
		if err != nil {
			return errors.Wrapf(err, "error parsing job id %q", field)
		}
		err = s.Register(ctx, models.JobIDFromResourceID(jobResourceID), cronExpr, now)
		if err != nil {
			return err
		}
	}
	return nil
}
