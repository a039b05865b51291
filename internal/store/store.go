package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/UniQw/botqueue/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrDuplicate is returned by Add when the job id is already taken in the queue.
	ErrDuplicate = errors.New("store: duplicate job id")
	// ErrNotFound is returned when a job hash does not exist (never created or trimmed).
	ErrNotFound = errors.New("store: job not found")
	// ErrActive is returned when an operation is not allowed on the active state.
	ErrActive = errors.New("store: operation not allowed on active state")
	// ErrUnknownState is returned for state names the store does not index.
	ErrUnknownState = errors.New("store: unknown state")
)

// Job states as written into the record hash.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// KindStalled is written as error kind when the watchdog gives up on a job.
const KindStalled = "STALLED"

// Record is the stored representation of a job. The immutable part is kept
// as JSON in the "data" field of the job hash; the mutable part lives in
// separate hash fields so Lua scripts can update it in place.
type Record struct {
	ID           string `json:"id"`
	Queue        string `json:"queue"`
	Name         string `json:"name"`
	Payload      []byte `json:"payload"`
	Priority     int    `json:"priority"`
	MaxAttempts  int    `json:"max_attempts"`
	BackoffMs    int64  `json:"backoff_ms"`
	Test         bool   `json:"test,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ScheduledFor int64  `json:"scheduled_for,omitempty"`

	State      string `json:"-"`
	Attempts   int    `json:"-"`
	Progress   int    `json:"-"`
	Stalls     int    `json:"-"`
	StartedAt  int64  `json:"-"`
	FinishedAt int64  `json:"-"`
	LastError  string `json:"-"`
	ErrorKind  string `json:"-"`
	Result     []byte `json:"-"`
}

// Failure describes a failed attempt. A zero RetryAt makes the failure terminal.
type Failure struct {
	Kind    string
	Message string
	RetryAt time.Time
}

// Counts is a snapshot of a queue's state sizes.
type Counts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
	Paused    bool
}

// Store is the Redis-backed job store. It is safe for concurrent use.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New creates a store using prefix for every key (keys.DefaultPrefix if empty).
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = keys.DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Keys returns the key set of queue q.
func (s *Store) Keys(q string) keys.Queue { return keys.For(s.prefix, q) }

// Prefix returns the key prefix.
func (s *Store) Prefix() string { return s.prefix }

// Score orders the waiting set: higher priority first, then oldest first.
func Score(priority int, createdMs int64) float64 {
	if priority > 100 {
		priority = 100
	} else if priority < -100 {
		priority = -100
	}
	return float64(-priority)*1e13 + float64(createdMs)
}

// trimLua removes everything past keep from a capped list and deletes the
// hashes of the evicted jobs. keep < 0 disables trimming.
const trimLua = `
local function trim(list, prefix, keep)
  if keep < 0 then return end
  local old = redis.call('LRANGE', list, keep, -1)
  for _, oid in ipairs(old) do redis.call('DEL', prefix .. oid) end
  if keep == 0 then
    redis.call('DEL', list)
  else
    redis.call('LTRIM', list, 0, keep - 1)
  end
end
`

// claimScript pops the best waiting id into the active set with a lease
// deadline and starts a new attempt on its record.
var claimScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('EXISTS', KEYS[3]) == 1 then return false end
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then return false end
	local id = popped[1]
	local jk = ARGV[2] .. id
	if redis.call('EXISTS', jk) == 0 then return '' end
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HINCRBY', jk, 'attempts', 1)
	redis.call('HSET', jk, 'state', 'active', 'progress', 0, 'started_at', ARGV[3])
	return id
	`,
)

// leaseLua checks that the caller's attempt is the one holding the job.
// A worker whose lease was reclaimed and claimed again holds an older attempt.
const leaseLua = `
local function holds(jk, attempt)
  return redis.call('HGET', jk, 'attempts') == attempt
end
`

// touchScript renews the lease and stores progress if it advances.
var touchScript = redis.NewScript(leaseLua +
	// language=Lua
	`
	if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then return 0 end
	if not holds(KEYS[2], ARGV[4]) then return 0 end
	redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
	local p = tonumber(ARGV[3])
	if p >= 0 then
	  local cur = tonumber(redis.call('HGET', KEYS[2], 'progress') or '0')
	  if p > cur then redis.call('HSET', KEYS[2], 'progress', p) end
	end
	return 1
	`,
)

var completeScript = redis.NewScript(trimLua + leaseLua +
	// language=Lua
	`
	local id = ARGV[1]
	local jk = ARGV[2] .. id
	if redis.call('ZSCORE', KEYS[1], id) == false or not holds(jk, ARGV[6]) then return 0 end
	redis.call('ZREM', KEYS[1], id)
	redis.call('HSET', jk, 'state', 'completed', 'progress', 100, 'finished_at', ARGV[3], 'result', ARGV[4])
	redis.call('LPUSH', KEYS[2], id)
	trim(KEYS[2], ARGV[2], tonumber(ARGV[5]))
	return 1
	`,
)

var failScript = redis.NewScript(trimLua + leaseLua +
	// language=Lua
	`
	local id = ARGV[1]
	local jk = ARGV[2] .. id
	if redis.call('ZSCORE', KEYS[1], id) == false or not holds(jk, ARGV[8]) then return 0 end
	redis.call('ZREM', KEYS[1], id)
	redis.call('HSET', jk, 'last_error', ARGV[4], 'error_kind', ARGV[5], 'finished_at', ARGV[3])
	local retryAt = tonumber(ARGV[6])
	if retryAt > 0 then
	  redis.call('HSET', jk, 'state', 'delayed')
	  redis.call('ZADD', KEYS[2], retryAt, id)
	  return 1
	end
	redis.call('HSET', jk, 'state', 'failed')
	redis.call('LPUSH', KEYS[3], id)
	trim(KEYS[3], ARGV[2], tonumber(ARGV[7]))
	return 2
	`,
)

// releaseScript undoes a claim whose record could not be loaded: the id goes
// back to waiting with its score and the attempt is not counted.
var releaseScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
	local jk = ARGV[2] .. ARGV[1]
	if redis.call('EXISTS', jk) == 0 then return 0 end
	redis.call('HINCRBY', jk, 'attempts', -1)
	redis.call('HSET', jk, 'state', 'waiting')
	redis.call('ZADD', KEYS[2], redis.call('HGET', jk, 'score') or '0', ARGV[1])
	return 1
	`,
)

// promoteScript moves one due delayed id back into waiting with its original score.
var promoteScript = redis.NewScript(
	// language=Lua
	`
	local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #items == 0 then return false end
	local id = items[1]
	if redis.call('ZREM', KEYS[1], id) == 0 then return false end
	local jk = ARGV[2] .. id
	local score = redis.call('HGET', jk, 'score')
	if not score then return id end
	redis.call('HSET', jk, 'state', 'waiting')
	redis.call('ZADD', KEYS[2], score, id)
	return id
	`,
)

// reclaimScript takes one active id whose lease expired. It is requeued
// until its stall count exceeds the limit, then failed terminally.
var reclaimScript = redis.NewScript(trimLua +
	// language=Lua
	`
	local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #items == 0 then return false end
	local id = items[1]
	if redis.call('ZREM', KEYS[1], id) == 0 then return false end
	local jk = ARGV[2] .. id
	if redis.call('EXISTS', jk) == 0 then return {id, 'gone'} end
	local stalls = redis.call('HINCRBY', jk, 'stalls', 1)
	if stalls > tonumber(ARGV[3]) then
	  redis.call('HSET', jk, 'state', 'failed', 'error_kind', ARGV[5], 'last_error', 'job stalled more than allowable limit', 'finished_at', ARGV[1])
	  redis.call('LPUSH', KEYS[3], id)
	  trim(KEYS[3], ARGV[2], tonumber(ARGV[4]))
	  return {id, 'failed'}
	end
	redis.call('HSET', jk, 'state', 'waiting')
	redis.call('ZADD', KEYS[2], redis.call('HGET', jk, 'score') or '0', id)
	return {id, 'stalled'}
	`,
)

// Add stores a new record and indexes it into waiting, or delayed when delay > 0.
// It returns ErrDuplicate if the id is already present in the queue.
func (s *Store) Add(ctx context.Context, rec *Record, delay time.Duration) error {
	k := s.Keys(rec.Queue)
	jk := k.Job(rec.ID)
	data := encodeJSON(rec)

	// Reserve the id; the hash itself is the uniqueness lock.
	ok, err := s.rdb.HSetNX(ctx, jk, "data", data).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}

	score := Score(rec.Priority, rec.CreatedAt)
	state := StateWaiting
	if delay > 0 {
		state = StateDelayed
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, jk,
			"state", state,
			"attempts", 0,
			"progress", 0,
			"stalls", 0,
			"score", strconv.FormatFloat(score, 'f', -1, 64),
		)
		if delay > 0 {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: rec.ID})
		} else {
			p.ZAdd(ctx, k.Waiting, redis.Z{Score: score, Member: rec.ID})
		}
		return nil
	})
	if err != nil {
		// Roll back the reservation so the id can be submitted again.
		_ = s.rdb.Del(ctx, jk).Err()
		return err
	}
	rec.State = state
	return nil
}

// Claim atomically moves the best waiting job to active with a lease of ttl
// and returns its record. It returns nil, nil when nothing is claimable.
func (s *Store) Claim(ctx context.Context, queue string, ttl time.Duration) (*Record, error) {
	k := s.Keys(queue)
	now := time.Now()
	for i := 0; i < 16; i++ {
		res, err := claimScript.Run(ctx, s.rdb, []string{k.Waiting, k.Active, k.Paused},
			strconv.FormatInt(now.Add(ttl).UnixMilli(), 10),
			k.JobPrefix,
			strconv.FormatInt(now.UnixMilli(), 10),
		).Text()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if res == "" {
			// id without a record, skip it
			continue
		}
		rec, err := s.Get(ctx, queue, res)
		if errors.Is(err, ErrNotFound) {
			_ = s.rdb.ZRem(ctx, k.Active, res).Err()
			continue
		}
		if err != nil {
			// Nobody runs the job; hand it back instead of leaving it to the watchdog.
			if rerr := releaseScript.Run(context.WithoutCancel(ctx), s.rdb, []string{k.Active, k.Waiting}, res, k.JobPrefix).Err(); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// Touch renews the lease of attempt of an active job and stores progress if it
// advances. A negative progress only renews the lease. It reports whether the
// lease is still held.
func (s *Store) Touch(ctx context.Context, queue, id string, attempt, progress int, ttl time.Duration) (bool, error) {
	k := s.Keys(queue)
	n, err := touchScript.Run(ctx, s.rdb, []string{k.Active, k.Job(id)},
		id,
		strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10),
		progress,
		attempt,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete marks an active job completed and trims the completed list to keep
// entries. It returns false if attempt no longer holds the lease.
func (s *Store) Complete(ctx context.Context, queue, id string, attempt int, result []byte, keep int) (bool, error) {
	k := s.Keys(queue)
	n, err := completeScript.Run(ctx, s.rdb, []string{k.Active, k.Completed},
		id,
		k.JobPrefix,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		result,
		keep,
		attempt,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Fail either schedules a retry (f.RetryAt set) or moves the job to the failed
// list trimmed to keep entries. The returned state is empty if attempt no
// longer holds the lease.
func (s *Store) Fail(ctx context.Context, queue, id string, attempt int, f Failure, keep int) (string, error) {
	k := s.Keys(queue)
	var retryAt int64
	if !f.RetryAt.IsZero() {
		retryAt = f.RetryAt.UnixMilli()
	}
	n, err := failScript.Run(ctx, s.rdb, []string{k.Active, k.Delayed, k.Failed},
		id,
		k.JobPrefix,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		f.Message,
		f.Kind,
		strconv.FormatInt(retryAt, 10),
		keep,
		attempt,
	).Int()
	if err != nil {
		return "", err
	}
	switch n {
	case 1:
		return StateDelayed, nil
	case 2:
		return StateFailed, nil
	default:
		return "", nil
	}
}

// Promote moves up to limit due delayed jobs into waiting.
func (s *Store) Promote(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	k := s.Keys(queue)
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	moved := 0
	for moved < limit {
		res, err := promoteScript.Run(ctx, s.rdb, []string{k.Delayed, k.Waiting}, ms, k.JobPrefix).Result()
		if err == redis.Nil || res == nil || res == false {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Reclaimed reports what the stall watchdog did with a job.
type Reclaimed struct {
	ID     string
	Failed bool
}

// Reclaim handles up to limit active jobs whose lease expired before now.
func (s *Store) Reclaim(ctx context.Context, queue string, now time.Time, maxStalled, keep, limit int) ([]Reclaimed, error) {
	k := s.Keys(queue)
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	var out []Reclaimed
	for len(out) < limit {
		res, err := reclaimScript.Run(ctx, s.rdb, []string{k.Active, k.Waiting, k.Failed},
			ms, k.JobPrefix, maxStalled, keep, KindStalled,
		).Slice()
		if err == redis.Nil {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(res) != 2 {
			return out, nil
		}
		id, _ := res[0].(string)
		status, _ := res[1].(string)
		if status == "gone" {
			continue
		}
		out = append(out, Reclaimed{ID: id, Failed: status == "failed"})
	}
	return out, nil
}

// Get loads a job record.
func (s *Store) Get(ctx context.Context, queue, id string) (*Record, error) {
	m, err := s.rdb.HGetAll(ctx, s.Keys(queue).Job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 || m["data"] == "" {
		return nil, ErrNotFound
	}
	rec := &Record{}
	if err := sonic.Unmarshal([]byte(m["data"]), rec); err != nil {
		return nil, err
	}
	rec.State = m["state"]
	rec.Attempts = atoi(m["attempts"])
	rec.Progress = atoi(m["progress"])
	rec.Stalls = atoi(m["stalls"])
	rec.StartedAt = atoi64(m["started_at"])
	rec.FinishedAt = atoi64(m["finished_at"])
	rec.LastError = m["last_error"]
	rec.ErrorKind = m["error_kind"]
	if r, ok := m["result"]; ok && r != "" {
		rec.Result = []byte(r)
	}
	return rec, nil
}

// Counts returns the size of every state of queue.
func (s *Store) Counts(ctx context.Context, queue string) (Counts, error) {
	k := s.Keys(queue)
	var (
		waiting, active, delayed *redis.IntCmd
		completed, failed        *redis.IntCmd
		paused                   *redis.IntCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.ZCard(ctx, k.Waiting)
		active = p.ZCard(ctx, k.Active)
		delayed = p.ZCard(ctx, k.Delayed)
		completed = p.LLen(ctx, k.Completed)
		failed = p.LLen(ctx, k.Failed)
		paused = p.Exists(ctx, k.Paused)
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

// Pause stops Claim from returning jobs of queue. Submissions still succeed.
func (s *Store) Pause(ctx context.Context, queue string) error {
	return s.rdb.Set(ctx, s.Keys(queue).Paused, "1", 0).Err()
}

// Resume undoes Pause.
func (s *Store) Resume(ctx context.Context, queue string) error {
	return s.rdb.Del(ctx, s.Keys(queue).Paused).Err()
}

// Clean removes every job of queue in state and returns how many were removed.
// Active jobs cannot be cleaned.
func (s *Store) Clean(ctx context.Context, queue, state string) (int, error) {
	k := s.Keys(queue)
	var (
		key  string
		list bool
	)
	switch state {
	case StateWaiting:
		key = k.Waiting
	case StateDelayed:
		key = k.Delayed
	case StateCompleted:
		key, list = k.Completed, true
	case StateFailed:
		key, list = k.Failed, true
	case StateActive:
		return 0, ErrActive
	default:
		return 0, ErrUnknownState
	}

	var ids []string
	var err error
	if list {
		ids, err = s.rdb.LRange(ctx, key, 0, -1).Result()
	} else {
		ids, err = s.rdb.ZRange(ctx, key, 0, -1).Result()
	}
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			if list {
				p.LRem(ctx, key, 1, id)
			} else {
				p.ZRem(ctx, key, id)
			}
			p.Del(ctx, k.Job(id))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Ping checks connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
