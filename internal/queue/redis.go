package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Backend = (*Redis)(nil)

// claims due ids and pushes their score forward by the lease in one step
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		redis.call('ZADD', KEYS[1], ARGV[2], id)
		table.insert(out, body)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out
`)

// Redis keeps jobs in a hash, their run times in a sorted set and dead jobs in a second hash
type Redis struct {
	client   redis.UniversalClient
	jobs     string
	schedule string
	dead     string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ledger"
	}
	return &Redis{
		client:   client,
		jobs:     prefix + ":jobs",
		schedule: prefix + ":schedule",
		dead:     prefix + ":dead",
	}
}

// RedisConfig holds the connection settings of the queue's Redis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DialRedis connects and pings
func DialRedis(ctx context.Context, c RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", c.Addr, err)
	}
	return NewRedis(client, c.Prefix), nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (r *Redis) Push(ctx context.Context, job *Job) error {
	return r.store(ctx, job)
}

func (r *Redis) store(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.jobs, job.ID, b)
		p.ZAdd(ctx, r.schedule, redis.Z{Score: score(job.RunAt), Member: job.ID})
		return nil
	})
	return err
}

func (r *Redis) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.schedule, r.jobs},
		score(now), score(now.Add(lease)), limit,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(res))
	for _, body := range res {
		var job Job
		if err = json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decoding job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (r *Redis) Retry(ctx context.Context, job *Job) error {
	return r.store(ctx, job)
}

func (r *Redis) Complete(ctx context.Context, job *Job) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.jobs, job.ID)
		p.ZRem(ctx, r.schedule, job.ID)
		return nil
	})
	return err
}

func (r *Redis) Bury(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.jobs, job.ID)
		p.ZRem(ctx, r.schedule, job.ID)
		p.HSet(ctx, r.dead, job.ID, b)
		return nil
	})
	return err
}

func (r *Redis) DeadLetters(ctx context.Context) ([]*Job, error) {
	all, err := r.client.HGetAll(ctx, r.dead).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(all))
	for _, body := range all {
		var job Job
		if err = json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decoding job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
