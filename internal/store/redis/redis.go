package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/store"
)

type RedisStore struct {
	client      *redis.Client
	terminalTTL time.Duration
}

var _ ports.Store = (*RedisStore)(nil)

type Config struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	TerminalTTL time.Duration
}

const maxWatchRetries = 16

func New(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{
		client:      client,
		terminalTTL: cfg.TerminalTTL,
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Keys:
// rfp:workflow:{id}       -> JSON workflow record
// rfp:workflows:active    -> zset of non-terminal workflow ids by updated_at
// rfp:context:{id}        -> JSON context document
// rfp:job:{id}            -> hash with the job fields
// rfp:jobs:pending        -> zset of claimable job ids by visible_after
// rfp:jobs:running        -> zset of running job ids by lease_until
// rfp:jobs:dead           -> zset of dead-lettered job ids by time
// rfp:jobs:active:{wf}    -> id of the workflow's pending or running job
// rfp:jobs:held:{wf}      -> list of job ids parked behind the active one
// rfp:jobs:wf:{wf}        -> zset of every job id of a workflow by enqueued_at

const (
	jobPrefix     = "rfp:job:"
	activePrefix  = "rfp:jobs:active:"
	heldPrefix    = "rfp:jobs:held:"
	pendingKey    = "rfp:jobs:pending"
	runningKey    = "rfp:jobs:running"
	deadKey       = "rfp:jobs:dead"
	activeWfsKey  = "rfp:workflows:active"
	notRunningErr = "NOTRUNNING"
	notFoundErr   = "NOTFOUND"
)

func (r *RedisStore) workflowKey(id domain.WorkflowID) string {
	return fmt.Sprintf("rfp:workflow:%s", id)
}

func (r *RedisStore) contextKey(id domain.WorkflowID) string {
	return fmt.Sprintf("rfp:context:%s", id)
}

func (r *RedisStore) jobKey(id domain.JobID) string {
	return jobPrefix + string(id)
}

func (r *RedisStore) activeKey(wf domain.WorkflowID) string {
	return activePrefix + string(wf)
}

func (r *RedisStore) heldKey(wf domain.WorkflowID) string {
	return heldPrefix + string(wf)
}

// finishKeys lists every key finishScript touches apart from the hashes of
// parked jobs, whose ids are only known once the held list is read.
func (r *RedisStore) finishKeys(id domain.JobID, wf domain.WorkflowID) []string {
	return []string{r.jobKey(id), runningKey, deadKey, r.activeKey(wf), r.heldKey(wf), pendingKey}
}

func (r *RedisStore) workflowJobsKey(id domain.WorkflowID) string {
	return fmt.Sprintf("rfp:jobs:wf:%s", id)
}

// --- workflows ---

func (r *RedisStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, r.workflowKey(wf.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkflowExists, wf.ID)
	}
	if !wf.Terminal {
		if err := r.client.ZAdd(ctx, activeWfsKey, redis.Z{
			Score:  float64(wf.UpdatedAt.UnixMilli()),
			Member: string(wf.ID),
		}).Err(); err != nil {
			return fmt.Errorf("index workflow: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error) {
	data, err := r.client.Get(ctx, r.workflowKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// UpdateWorkflow runs fn under WATCH on the workflow key and retries when
// another writer got there first.
func (r *RedisStore) UpdateWorkflow(ctx context.Context, id domain.WorkflowID, fn func(*domain.Workflow) error) (*domain.Workflow, error) {
	key := r.workflowKey(id)
	var updated *domain.Workflow

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
		}
		if err != nil {
			return err
		}
		var wf domain.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		if err := fn(&wf); err != nil {
			return err
		}
		wf.Version++

		out, err := json.Marshal(&wf)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if wf.Terminal {
				pipe.Set(ctx, key, out, r.terminalTTL)
				pipe.ZRem(ctx, activeWfsKey, string(id))
				if r.terminalTTL > 0 {
					pipe.Expire(ctx, r.contextKey(id), r.terminalTTL)
				}
				return nil
			}
			pipe.Set(ctx, key, out, 0)
			pipe.ZAdd(ctx, activeWfsKey, redis.Z{Score: float64(wf.UpdatedAt.UnixMilli()), Member: string(id)})
			return nil
		})
		if err != nil {
			return err
		}
		updated = &wf
		return nil
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("watch %s: too much contention", strings.Join(keys, ","))
}

func (r *RedisStore) ListActiveWorkflows(ctx context.Context, limit int) ([]domain.WorkflowID, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRange(ctx, activeWfsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkflowID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.WorkflowID(id))
	}
	return out, nil
}

// --- context ---

func (r *RedisStore) GetContext(ctx context.Context, id domain.WorkflowID) (domain.Data, error) {
	data, err := r.client.Get(ctx, r.contextKey(id)).Bytes()
	if err == redis.Nil {
		return append(domain.Data(nil), store.EmptyDocument...), nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisStore) MergeContext(ctx context.Context, id domain.WorkflowID, patch domain.Data) (domain.Data, error) {
	return r.UpdateContext(ctx, id, func(doc domain.Data) (domain.Data, error) {
		return store.MergeDocument(doc, patch)
	})
}

func (r *RedisStore) UpdateContext(ctx context.Context, id domain.WorkflowID, fn func(domain.Data) (domain.Data, error)) (domain.Data, error) {
	key := r.contextKey(id)
	wfKey := r.workflowKey(id)
	var out domain.Data

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, wfKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
		}

		doc, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			doc = append([]byte(nil), store.EmptyDocument...)
		} else if err != nil {
			return err
		}

		next, err := fn(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, []byte(next), redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	if err := r.watch(ctx, txf, key, wfKey); err != nil {
		return nil, err
	}
	return out, nil
}

// --- jobs ---

// enqueueScript returns 0 when the id exists, 1 when queued pending and 2
// when parked behind the workflow's active job.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local status = 'pending'
if redis.call('EXISTS', KEYS[2]) == 1 then status = 'held' end
redis.call('HSET', KEYS[1], 'status', status, unpack(ARGV, 4))
if status == 'pending' then
  redis.call('SET', KEYS[2], ARGV[1])
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
if status == 'pending' then return 1 end
return 2
`)

// The claim, finish and discard scripts also write job hashes named by ids
// read inside the script (the claimed id, parked ids). Those keys cannot be
// declared up front, so the store needs a single Redis node and is not
// Redis Cluster safe.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[3] .. id, 'status', 'running', 'lease_until', ARGV[2], 'updated_at', ARGV[1])
return id
`)

var finishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return redis.error_reply('NOTFOUND') end
if st ~= 'running' then return redis.error_reply('NOTRUNNING ' .. st) end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_error', ARGV[3], 'lease_until', 0, 'updated_at', ARGV[4])
local active = KEYS[4]
local held = KEYS[5]
if redis.call('GET', active) == ARGV[1] then redis.call('DEL', active) end
if ARGV[2] == 'dead_lettered' then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
  for _, h in ipairs(redis.call('LRANGE', held, 0, -1)) do
    redis.call('HSET', ARGV[5] .. h, 'status', 'failed',
      'last_error', 'discarded: ' .. ARGV[1] .. ' dead-lettered', 'updated_at', ARGV[4])
  end
  redis.call('DEL', held)
elseif redis.call('EXISTS', active) == 0 then
  local nxt = redis.call('LPOP', held)
  if nxt then
    local vis = redis.call('HGET', ARGV[5] .. nxt, 'visible_after')
    redis.call('SET', active, nxt)
    redis.call('HSET', ARGV[5] .. nxt, 'status', 'pending', 'updated_at', ARGV[4])
    redis.call('ZADD', KEYS[6], vis, nxt)
  end
end
return 1
`)

var rescheduleScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return redis.error_reply('NOTFOUND') end
if st ~= 'running' then return redis.error_reply('NOTRUNNING ' .. st) end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempt', ARGV[2], 'visible_after', ARGV[3],
  'lease_until', 0, 'last_error', ARGV[4], 'updated_at', ARGV[5])
return 1
`)

var expediteScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'pending' and st ~= 'held' then return 0 end
redis.call('HSET', KEYS[1], 'visible_after', ARGV[2], 'updated_at', ARGV[4])
if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'payload', ARGV[3]) end
if st == 'pending' then redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1]) end
return 1
`)

var discardScript = redis.NewScript(`
local n = 0
local id = redis.call('GET', KEYS[1])
if id then
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'status') == 'pending' then
    redis.call('ZREM', KEYS[3], id)
    redis.call('HSET', key, 'status', 'failed', 'last_error', ARGV[1], 'updated_at', ARGV[2])
    redis.call('DEL', KEYS[1])
    n = n + 1
  end
end
for _, h in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
  redis.call('HSET', ARGV[3] .. h, 'status', 'failed', 'last_error', ARGV[1], 'updated_at', ARGV[2])
  n = n + 1
end
redis.call('DEL', KEYS[2])
return n
`)

func (r *RedisStore) EnqueueJob(ctx context.Context, job *domain.Job) (bool, error) {
	wf := job.WorkflowID
	keys := []string{
		r.jobKey(job.ID),
		r.activeKey(wf),
		r.heldKey(wf),
		pendingKey,
		r.workflowJobsKey(wf),
	}
	args := []any{
		string(job.ID), millis(job.VisibleAfter), millis(job.EnqueuedAt),
		"wf", string(wf),
		"agent", string(job.AgentType),
		"state", string(job.State),
		"seq", job.StateSeq,
		"payload", string(job.Payload),
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"enqueued_at", millis(job.EnqueuedAt),
		"visible_after", millis(job.VisibleAfter),
		"lease_until", 0,
		"last_error", job.LastError,
		"updated_at", millis(job.UpdatedAt),
	}

	res, err := enqueueScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	switch res {
	case 1:
		job.Status = domain.JobPending
	case 2:
		job.Status = domain.JobHeld
	default:
		return false, nil
	}
	return true, nil
}

func (r *RedisStore) ClaimJob(ctx context.Context, now, leaseUntil time.Time) (*domain.Job, error) {
	id, err := claimScript.Run(ctx, r.client,
		[]string{pendingKey, runningKey},
		millis(now), millis(leaseUntil), jobPrefix,
	).Text()
	if err == redis.Nil {
		return nil, domain.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return r.GetJob(ctx, domain.JobID(id))
}

func (r *RedisStore) FinishJob(ctx context.Context, id domain.JobID, status domain.JobStatus, lastErr string, now time.Time) (*domain.Job, error) {
	if !status.Finished() {
		return nil, fmt.Errorf("finish job %s: %s is not a finished status", id, status)
	}
	// A job never changes workflow, so its active and held keys can be
	// resolved before the script runs.
	wf, err := r.client.HGet(ctx, r.jobKey(id), "wf").Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("finish job %s: %w", id, err)
	}
	err = finishScript.Run(ctx, r.client,
		r.finishKeys(id, domain.WorkflowID(wf)),
		string(id), string(status), lastErr, millis(now), jobPrefix,
	).Err()
	if err != nil {
		return nil, scriptError(id, err)
	}
	return r.GetJob(ctx, id)
}

func (r *RedisStore) RescheduleJob(ctx context.Context, id domain.JobID, attempt int, visibleAfter time.Time, lastErr string, now time.Time) (*domain.Job, error) {
	err := rescheduleScript.Run(ctx, r.client,
		[]string{r.jobKey(id), runningKey, pendingKey},
		string(id), attempt, millis(visibleAfter), lastErr, millis(now),
	).Err()
	if err != nil {
		return nil, scriptError(id, err)
	}
	return r.GetJob(ctx, id)
}

func (r *RedisStore) ExpediteJob(ctx context.Context, id domain.JobID, visibleAfter time.Time, payload domain.Data, now time.Time) (bool, error) {
	n, err := expediteScript.Run(ctx, r.client,
		[]string{r.jobKey(id), pendingKey},
		string(id), millis(visibleAfter), string(payload), millis(now),
	).Int()
	if err != nil {
		return false, fmt.Errorf("expedite job: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStore) DiscardWorkflowJobs(ctx context.Context, id domain.WorkflowID, reason string, now time.Time) (int, error) {
	n, err := discardScript.Run(ctx, r.client,
		[]string{r.activeKey(id), r.heldKey(id), pendingKey},
		reason, millis(now), jobPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("discard workflow jobs: %w", err)
	}
	return n, nil
}

func scriptError(id domain.JobID, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, notRunningErr):
		return fmt.Errorf("%w: %s is %s", domain.ErrJobNotRunning, id, strings.TrimSpace(strings.TrimPrefix(msg, notRunningErr)))
	case strings.HasPrefix(msg, notFoundErr):
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	default:
		return err
	}
}

func (r *RedisStore) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return decodeJob(id, fields)
}

func (r *RedisStore) ListWorkflowJobs(ctx context.Context, id domain.WorkflowID) ([]domain.Job, error) {
	ids, err := r.client.ZRange(ctx, r.workflowJobsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.loadJobs(ctx, ids)
}

// ListJobsByStatus reads the pending, running and dead indexes directly;
// other statuses are found by scanning job hashes.
func (r *RedisStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		ids []string
		err error
	)
	switch status {
	case domain.JobPending:
		ids, err = r.client.ZRange(ctx, pendingKey, 0, int64(limit-1)).Result()
	case domain.JobRunning:
		ids, err = r.client.ZRange(ctx, runningKey, 0, int64(limit-1)).Result()
	case domain.JobDeadLettered:
		ids, err = r.client.ZRevRange(ctx, deadKey, 0, int64(limit-1)).Result()
	default:
		return r.scanJobs(ctx, status, limit)
	}
	if err != nil {
		return nil, err
	}
	return r.loadJobs(ctx, ids)
}

func (r *RedisStore) scanJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	var out []domain.Job
	iter := r.client.Scan(ctx, 0, jobPrefix+"*", 100).Iterator()
	for iter.Next(ctx) && len(out) < limit {
		id := domain.JobID(strings.TrimPrefix(iter.Val(), jobPrefix))
		job, err := r.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Status == status {
			out = append(out, *job)
		}
	}
	return out, iter.Err()
}

func (r *RedisStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRangeByScore(ctx, runningKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(millis(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.loadJobs(ctx, ids)
}

func (r *RedisStore) loadJobs(ctx context.Context, ids []string) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.jobKey(domain.JobID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]domain.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(domain.JobID(ids[i]), fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

func decodeJob(id domain.JobID, f map[string]string) (*domain.Job, error) {
	ints := make(map[string]int64, 8)
	for _, k := range []string{"seq", "attempt", "max_attempts", "enqueued_at", "visible_after", "lease_until", "updated_at"} {
		v, err := strconv.ParseInt(f[k], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job %s field %s: %w", id, k, err)
		}
		ints[k] = v
	}

	job := &domain.Job{
		ID:           id,
		WorkflowID:   domain.WorkflowID(f["wf"]),
		AgentType:    domain.AgentType(f["agent"]),
		State:        domain.WorkflowState(f["state"]),
		StateSeq:     int(ints["seq"]),
		Attempt:      int(ints["attempt"]),
		MaxAttempts:  int(ints["max_attempts"]),
		EnqueuedAt:   fromMillis(ints["enqueued_at"]),
		VisibleAfter: fromMillis(ints["visible_after"]),
		LeaseUntil:   fromMillis(ints["lease_until"]),
		Status:       domain.JobStatus(f["status"]),
		LastError:    f["last_error"],
		UpdatedAt:    fromMillis(ints["updated_at"]),
	}
	if p := f["payload"]; p != "" {
		job.Payload = domain.Data(p)
	}
	return job, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
