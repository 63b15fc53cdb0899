package redis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

type loadKey struct {
	partnerID int64
	jobType   job.Type
}

// AggregateLeaseLoads counts live leases per partner and job type.
func (s *Store) AggregateLeaseLoads(ctx context.Context, now time.Time) ([]*load.PartnerLoad, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.leases(), &goredis.ZRangeBy{
		Min: "(" + micros(now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: aggregate lease loads: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	counts := make(map[loadKey]int64)
	for _, j := range jobs {
		if j.Lease != nil && j.Lease.ExpiresAt.After(now) {
			counts[loadKey{j.PartnerID, j.Type}]++
		}
	}

	result := make([]*load.PartnerLoad, 0, len(counts))
	for k, n := range counts {
		result = append(result, &load.PartnerLoad{PartnerID: k.partnerID, JobType: k.jobType, Load: n})
	}
	sortLoads(result)
	return result, nil
}

// ListPartnerLoads returns materialized rows, optionally for one job type.
func (s *Store) ListPartnerLoads(ctx context.Context, jobType job.Type) ([]*load.PartnerLoad, error) {
	keys, err := s.client.SMembers(ctx, s.keys.loads()).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: list partner loads: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("batch/redis: load partner loads: %w", err)
	}

	result := make([]*load.PartnerLoad, 0, len(keys))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		pl := mapToLoad(vals)
		if jobType != "" && pl.JobType != jobType {
			continue
		}
		result = append(result, pl)
	}
	sortLoads(result)
	return result, nil
}

// UpsertPartnerLoad inserts or replaces a ledger row.
func (s *Store) UpsertPartnerLoad(ctx context.Context, pl *load.PartnerLoad) error {
	key := s.keys.load(string(pl.JobType), strconv.FormatInt(pl.PartnerID, 10))

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, loadFields(pl))
	pipe.SAdd(ctx, s.keys.loads(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch/redis: upsert partner load: %w", err)
	}
	return nil
}

// DeletePartnerLoad removes a ledger row.
func (s *Store) DeletePartnerLoad(ctx context.Context, partnerID int64, jobType job.Type) error {
	key := s.keys.load(string(jobType), strconv.FormatInt(partnerID, 10))

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, s.keys.loads(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch/redis: delete partner load: %w", err)
	}
	return nil
}

func sortLoads(rows []*load.PartnerLoad) {
	slices.SortFunc(rows, func(a, b *load.PartnerLoad) int {
		if c := cmp.Compare(a.JobType, b.JobType); c != 0 {
			return c
		}
		return cmp.Compare(a.PartnerID, b.PartnerID)
	})
}
