package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

// RedisStore keeps the job ledger in Redis: one hash per job plus a sorted
// set indexing jobs by creation time.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "scribe:job:"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(jobName string) string {
	return s.prefix + jobName
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// SaveJob claims the job name with HSETNX so an existing job is never rewritten.
func (s *RedisStore) SaveJob(ctx context.Context, job domain.ScribeJob) error {
	if job.JobName == "" {
		return ErrEmptyJobName
	}
	key := s.key(job.JobName)
	claimed, err := s.rdb.HSetNX(ctx, key, "jobName", job.JobName).Result()
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrJobExists, job.JobName)
	}

	now := s.now()
	stamp := strconv.FormatInt(now.UnixNano(), 10)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"mediaId", job.MediaID,
			"patientId", job.PatientID,
			"appointmentId", job.AppointmentID,
			"stage", "uploaded",
			"status", "ok",
			"createdAt", stamp,
			"updatedAt", stamp,
		)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: job.JobName})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *RedisStore) RecordStage(ctx context.Context, jobName, stage, status, detail string) error {
	return s.update(ctx, jobName, "stage", stage, "status", status, "detail", detail)
}

func (s *RedisStore) SaveTranscript(ctx context.Context, jobName, transcript string) error {
	return s.update(ctx, jobName, "transcript", transcript)
}

func (s *RedisStore) SaveSynthesis(ctx context.Context, jobName, synthesis string) error {
	return s.update(ctx, jobName, "synthesis", synthesis)
}

func (s *RedisStore) update(ctx context.Context, jobName string, fields ...any) error {
	key := s.key(jobName)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	fields = append(fields, "updatedAt", strconv.FormatInt(s.now().UnixNano(), 10))
	if err := s.rdb.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobName string) (ports.JobRecord, error) {
	values, err := s.rdb.HGetAll(ctx, s.key(jobName)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ports.JobRecord{}, fmt.Errorf("get job: %w", err)
	}
	if len(values) == 0 {
		return ports.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return recordFromHash(values), nil
}

// ListJobs returns the most recent jobs first.
func (s *RedisStore) ListJobs(ctx context.Context, limit int) ([]ports.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	names, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	records := make([]ports.JobRecord, 0, len(names))
	for _, name := range names {
		record, err := s.GetJob(ctx, name)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func recordFromHash(values map[string]string) ports.JobRecord {
	return ports.JobRecord{
		Job: domain.ScribeJob{
			JobName:       values["jobName"],
			MediaID:       values["mediaId"],
			PatientID:     values["patientId"],
			AppointmentID: values["appointmentId"],
		},
		Stage:      values["stage"],
		Status:     values["status"],
		Detail:     values["detail"],
		Transcript: values["transcript"],
		Synthesis:  values["synthesis"],
		CreatedAt:  timeFromNanos(values["createdAt"]),
		UpdatedAt:  timeFromNanos(values["updatedAt"]),
	}
}

func timeFromNanos(raw string) time.Time {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
