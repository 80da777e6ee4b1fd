package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/models"
)

// terminalJobTTL bounds how long terminal job hashes linger after the
// retention lists have dropped them.
const terminalJobTTL = 24 * time.Hour

// Queue is a durable, Redis-backed job queue for one job kind. Jobs live in a
// wait list, an active zset scored by lease deadline, a delayed zset scored
// by run-at, and bounded completed/failed retention lists. Job bodies are
// hashes keyed by id, so jobs survive a process crash mid-flight and remain
// inspectable after restart.
type Queue struct {
	client        *redis.Client
	name          string
	policy        Policy
	leaseTTL      time.Duration
	completedKeep int
	failedKeep    int
}

// Options tunes a queue beyond its policy defaults.
type Options struct {
	LeaseTimeout       time.Duration
	CompletedRetention int
	FailedRetention    int
}

// New builds a queue on a shared Redis client.
func New(client *redis.Client, name string, policy Policy, opts Options) *Queue {
	lease := opts.LeaseTimeout
	if lease == 0 {
		lease = 60 * time.Second
	}
	completedKeep := opts.CompletedRetention
	if completedKeep == 0 {
		completedKeep = 100
	}
	failedKeep := opts.FailedRetention
	if failedKeep == 0 {
		failedKeep = 500
	}
	return &Queue{
		client:        client,
		name:          name,
		policy:        policy,
		leaseTTL:      lease,
		completedKeep: completedKeep,
		failedKeep:    failedKeep,
	}
}

func (q *Queue) Name() string          { return q.name }
func (q *Queue) Policy() Policy        { return q.policy }
func (q *Queue) Lease() time.Duration  { return q.leaseTTL }
func (q *Queue) Client() *redis.Client { return q.client }

func (q *Queue) waitKey() string      { return "q:" + q.name + ":wait" }
func (q *Queue) activeKey() string    { return "q:" + q.name + ":active" }
func (q *Queue) delayedKey() string   { return "q:" + q.name + ":delayed" }
func (q *Queue) completedKey() string { return "q:" + q.name + ":completed" }
func (q *Queue) failedKey() string    { return "q:" + q.name + ":failed" }
func (q *Queue) pausedKey() string    { return "q:" + q.name + ":paused" }
func (q *Queue) jobKeyPrefix() string { return "q:" + q.name + ":job:" }
func (q *Queue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

// EnqueueOpts customizes one enqueue. A caller-supplied JobID makes the
// enqueue idempotent: a second enqueue with the same id returns the existing
// job instead of duplicating work.
type EnqueueOpts struct {
	JobID       string
	Priority    int
	MaxAttempts int
	Backoff     *models.Backoff
}

// Enqueue inserts a job, or returns the existing one when the id is already
// in use. The bool reports whether a new job was created.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts EnqueueOpts) (*models.Job, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.policy.MaxAttempts
	}
	backoff := q.policy.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	now := time.Now().UTC()

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.waitKey()},
		id, string(raw), maxAttempts,
		backoff.Type, backoff.Delay.Milliseconds(), backoff.Cap.Milliseconds(),
		opts.Priority, now.UnixMilli(),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", q.name, err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, fmt.Errorf("enqueue %s: job %s vanished", q.name, id)
	}
	return job, created == 1, nil
}

// GetJob fetches a job by id. A missing job returns (nil, nil): absence is a
// normal answer after retention eviction, not an error.
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromFields(q.name, fields), nil
}

// GetJobs returns jobs in the given states within [start, end] per state.
func (q *Queue) GetJobs(ctx context.Context, states []string, start, end int64) ([]*models.Job, error) {
	var ids []string
	for _, state := range states {
		var batch []string
		var err error
		switch state {
		case models.JobWaiting:
			batch, err = q.client.LRange(ctx, q.waitKey(), start, end).Result()
		case models.JobActive:
			batch, err = q.client.ZRange(ctx, q.activeKey(), start, end).Result()
		case models.JobDelayed:
			batch, err = q.client.ZRange(ctx, q.delayedKey(), start, end).Result()
		case models.JobCompleted:
			batch, err = q.client.LRange(ctx, q.completedKey(), start, end).Result()
		case models.JobFailed:
			batch, err = q.client.LRange(ctx, q.failedKey(), start, end).Result()
		default:
			return nil, fmt.Errorf("unknown job state %q", state)
		}
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", state, err)
		}
		ids = append(ids, batch...)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Counts reports the per-state job counts.
func (q *Queue) Counts(ctx context.Context) (models.JobCounts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.ZCard(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.LLen(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobCounts{}, fmt.Errorf("counts %s: %w", q.name, err)
	}
	return models.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// DequeueWithLease pops the next waiting job into the active set with a
// lease deadline. Returns "" when the queue is paused, empty, or the active
// set already holds the policy's concurrency worth of jobs. The cap lives in
// Redis so it holds across every worker process, not per process.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	concurrency := q.policy.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	now := time.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.pausedKey(), q.waitKey(), q.activeKey()},
		now.Add(q.leaseTTL).UnixMilli(), q.jobKeyPrefix(), now.UnixMilli(), concurrency,
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue %s: %w", q.name, err)
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("dequeue %s: unexpected script result %T", q.name, res)
	}
	return id, nil
}

// ExtendLease pushes an active job's visibility deadline forward.
func (q *Queue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.activeKey(), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// MarkCompleted records a successful result. If the job was force-failed by
// an operator while the handler ran, the forced state stands and the result
// is discarded; the return reports whether the completion was applied.
func (q *Queue) MarkCompleted(ctx context.Context, id string, result []byte) (bool, error) {
	applied, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.activeKey(), q.completedKey()},
		id, string(result), time.Now().UnixMilli(), q.completedKeep, terminalJobTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return applied == 1, nil
}

// MarkFailed records a terminal failure.
func (q *Queue) MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"state", models.JobFailed,
		"attempts", attempts,
		"error", errMsg,
		"finished_at", time.Now().UnixMilli(),
	)
	pipe.ZRem(ctx, q.activeKey(), id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.LRem(ctx, q.waitKey(), 0, id)
	pipe.LPush(ctx, q.failedKey(), id)
	pipe.LTrim(ctx, q.failedKey(), 0, int64(q.failedKeep-1))
	pipe.PExpire(ctx, q.jobKey(id), terminalJobTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// RetryLater reschedules a failed attempt into the delayed set.
func (q *Queue) RetryLater(ctx context.Context, id string, attempts int, errMsg string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"state", models.JobDelayed,
		"attempts", attempts,
		"error", errMsg,
	)
	pipe.ZRem(ctx, q.activeKey(), id)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs back to the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote delayed %s: %w", q.name, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.RPush(ctx, q.waitKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "state", models.JobWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed %s: %w", q.name, err)
	}
	return len(ids), nil
}

// ReclaimExpired returns jobs whose lease lapsed (worker crash or lost
// extension) to the wait list so another slot can resume them.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim expired %s: %w", q.name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.activeKey(), id)
		pipe.RPush(ctx, q.waitKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "state", models.JobWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reclaim expired %s: %w", q.name, err)
	}
	return ids, nil
}

// Remove deletes a job that has not started running. Active jobs cannot be
// removed; use ForceFail for those.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if job.State != models.JobWaiting && job.State != models.JobDelayed {
		return false, fmt.Errorf("job %s is %s; only waiting or delayed jobs can be removed", id, job.State)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.waitKey(), 0, id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}
	return true, nil
}

// Forget drops a leased job whose hash has vanished (retention raced the
// worker); there is nothing left to execute or record.
func (q *Queue) Forget(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// ForceFail flips a job to failed by operator decree. A running handler is
// not interrupted; it observes the forced state when it tries to write its
// own terminal result.
func (q *Queue) ForceFail(ctx context.Context, id string, reason string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	return q.MarkFailed(ctx, id, job.AttemptsMade, reason)
}

// RetryJob re-enqueues a terminally failed job under the same id with a
// fresh attempt budget; the operator path for "try this one again".
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if job.State != models.JobFailed {
		return fmt.Errorf("job %s is %s; only failed jobs can be retried", id, job.State)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", models.JobWaiting, "attempts", 0, "error", "", "finished_at", "")
	pipe.Persist(ctx, q.jobKey(id))
	pipe.LRem(ctx, q.failedKey(), 0, id)
	pipe.RPush(ctx, q.waitKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// Pause stops dequeues; waiting jobs accumulate.
func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume lifts a pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// IsPaused reports the pause flag.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Drain drops all waiting and delayed jobs. Active jobs finish normally.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	waiting, err := q.client.LRange(ctx, q.waitKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("drain %s: %w", q.name, err)
	}
	delayed, err := q.client.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("drain %s: %w", q.name, err)
	}
	pipe := q.client.TxPipeline()
	for _, id := range append(waiting, delayed...) {
		pipe.Del(ctx, q.jobKey(id))
	}
	pipe.Del(ctx, q.waitKey())
	pipe.Del(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("drain %s: %w", q.name, err)
	}
	return len(waiting) + len(delayed), nil
}

// Clean trims a terminal retention list down to keep entries, deleting the
// evicted job hashes.
func (q *Queue) Clean(ctx context.Context, state string, keep int64) (int, error) {
	var key string
	switch state {
	case models.JobCompleted:
		key = q.completedKey()
	case models.JobFailed:
		key = q.failedKey()
	default:
		return 0, fmt.Errorf("clean: state must be completed or failed, got %q", state)
	}
	evicted, err := q.client.LRange(ctx, key, keep, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("clean %s: %w", q.name, err)
	}
	pipe := q.client.TxPipeline()
	pipe.LTrim(ctx, key, 0, keep-1)
	for _, id := range evicted {
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clean %s: %w", q.name, err)
	}
	return len(evicted), nil
}

// Obliterate deletes every key belonging to this queue.
func (q *Queue) Obliterate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, "q:"+q.name+":*", 200).Result()
		if err != nil {
			return fmt.Errorf("obliterate %s: %w", q.name, err)
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("obliterate %s: %w", q.name, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func jobFromFields(queueName string, f map[string]string) *models.Job {
	job := &models.Job{
		ID:      f["id"],
		Queue:   queueName,
		Payload: json.RawMessage(f["payload"]),
		State:   f["state"],
		Error:   f["error"],
	}
	job.AttemptsMade, _ = strconv.Atoi(f["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	job.Priority, _ = strconv.Atoi(f["priority"])
	if r := f["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}
	job.Backoff.Type = f["backoff_type"]
	if ms, err := strconv.ParseInt(f["backoff_delay_ms"], 10, 64); err == nil {
		job.Backoff.Delay = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(f["backoff_cap_ms"], 10, 64); err == nil {
		job.Backoff.Cap = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(f["processed_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		job.ProcessedAt = &t
	}
	if ms, err := strconv.ParseInt(f["finished_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		job.FinishedAt = &t
	}
	return job
}

// enqueueScript creates the job hash and pushes the id onto the wait list,
// unless a job with the same id already exists (idempotent enqueue).
// Priority > 0 jumps the line.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1],
  'payload', ARGV[2],
  'state', 'waiting',
  'attempts', 0,
  'max_attempts', ARGV[3],
  'backoff_type', ARGV[4],
  'backoff_delay_ms', ARGV[5],
  'backoff_cap_ms', ARGV[6],
  'priority', ARGV[7],
  'created_at', ARGV[8])
if tonumber(ARGV[7]) > 0 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// dequeueScript atomically pops one waiting job into the active set with a
// lease deadline. Paused queues dequeue nothing, and a full active set
// dequeues nothing either: the zset, not any worker's slot count, is the
// authority on how many jobs of this kind run at once.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return nil
end
if redis.call('ZCARD', KEYS[3]) >= tonumber(ARGV[4]) then
  return nil
end
local id = redis.call('LPOP', KEYS[2])
if not id then
  return nil
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HSET', ARGV[2]..id, 'state', 'active', 'processed_at', ARGV[3])
return id
`)

// completeScript writes a terminal success unless an operator already forced
// the job into failed, in which case the forced state wins.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'failed' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[2], 'finished_at', ARGV[3], 'error', '')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)
