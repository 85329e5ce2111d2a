package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hybridcore/dispatchd/internal/model"
)

// Redis-side dispatch errors.
var (
	// ErrNoCandidates is returned when the candidate queue is exhausted.
	ErrNoCandidates = errors.New("candidate queue exhausted")

	// ErrNoOffer is returned when no live offer exists for a job.
	ErrNoOffer = errors.New("no live offer")

	// ErrQueueEmpty is returned when all notification queues are empty.
	ErrQueueEmpty = errors.New("notification queue empty")
)

const (
	// candidateTTL bounds how long a ranked candidate queue survives if the
	// matching cycle dies mid-flight. Retries rebuild the queue anyway.
	candidateTTL = 30 * time.Minute

	// offerGrace is added to the offer key TTL beyond its logical deadline
	// so the timeout handler can still read it after the clock fires.
	offerGrace = time.Minute

	presenceCaptainsKey = "ws:captains"
	presenceUsersKey    = "ws:users"

	queueHighKey      = "notify:q:high"
	queueNormalKey    = "notify:q:normal"
	queueLowKey       = "notify:q:low"
	queueScheduledKey = "notify:scheduled"
	queueDeadKey      = "notify:dead"

	surgeDemandKeyPrefix = "surge:demand:"
	surgeSupplyKeyPrefix = "surge:supply:"
	surgeCacheTTL        = 30 * time.Second // Cache for 30s to avoid DB hammering.
)

func candidatesKey(jobID string) string { return "job:" + jobID + ":candidates" }
func offerKey(jobID string) string      { return "job:" + jobID + ":offer" }

// claimOfferScript atomically deletes a job's offer hash, but only when it
// still names the given captain. Returns 1 when the caller won the claim.
//
// Both the accept path and the timeout path race for the same offer:
//
//	T1 (accept):  ClaimOffer(job, c1) ──► DEL, returns 1 ──► assign c1
//	T2 (timeout): ClaimOffer(job, c1) ──► hash gone, returns 0 ──► no-op
//
// Without the script a GET/DEL pair could let both sides observe the offer
// and proceed, double-dispatching the job.
var claimOfferScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'captain_id') == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`)

// DispatchRepository holds the Redis-resident dispatch state: ranked
// candidate queues, live offers, websocket presence, rate-limit windows,
// idempotency records, notification queues and the surge/route caches.
//
// Everything here is reconstructible or expendable; PostgreSQL stays the
// source of truth for jobs, captains and money.
type DispatchRepository struct {
	redis *redis.Client
}

// NewDispatchRepository creates a new dispatch repository.
func NewDispatchRepository(rdb *redis.Client) *DispatchRepository {
	return &DispatchRepository{redis: rdb}
}

// ─── Candidate queue ────────────────────────────────────────

// SetCandidates replaces the job's ranked candidate queue. Candidates are
// stored best-first; OfferNext consumes them head-first.
func (r *DispatchRepository) SetCandidates(ctx context.Context, jobID string, ranked []model.RankedCaptain) error {
	key := candidatesKey(jobID)

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, key)
	for _, c := range ranked {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("dispatch: marshal candidate %s: %w", c.CaptainID, err)
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.Expire(ctx, key, candidateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: set candidates for job %s: %w", jobID, err)
	}
	return nil
}

// PopCandidate removes and returns the best remaining candidate.
// Returns ErrNoCandidates when the queue is empty or expired.
func (r *DispatchRepository) PopCandidate(ctx context.Context, jobID string) (*model.RankedCaptain, error) {
	data, err := r.redis.LPop(ctx, candidatesKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCandidates
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: pop candidate for job %s: %w", jobID, err)
	}

	var c model.RankedCaptain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("dispatch: decode candidate for job %s: %w", jobID, err)
	}
	return &c, nil
}

// CandidatesLeft returns how many candidates remain queued for a job.
func (r *DispatchRepository) CandidatesLeft(ctx context.Context, jobID string) (int64, error) {
	n, err := r.redis.LLen(ctx, candidatesKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch: candidates left for job %s: %w", jobID, err)
	}
	return n, nil
}

// ClearCandidates drops the candidate queue, e.g. on cancel or assignment.
func (r *DispatchRepository) ClearCandidates(ctx context.Context, jobID string) error {
	if err := r.redis.Del(ctx, candidatesKey(jobID)).Err(); err != nil {
		return fmt.Errorf("dispatch: clear candidates for job %s: %w", jobID, err)
	}
	return nil
}

// ─── Live offer ─────────────────────────────────────────────

// SetOffer records the live offer for a job. The key expires shortly after
// the logical deadline so crashed cycles cannot leave permanent offers.
func (r *DispatchRepository) SetOffer(ctx context.Context, jobID, captainID string, expiresAt time.Time) error {
	key := offerKey(jobID)

	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key,
		"captain_id", captainID,
		"expires_at", expiresAt.UnixMilli(),
	)
	pipe.PExpire(ctx, key, time.Until(expiresAt)+offerGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: set offer for job %s: %w", jobID, err)
	}
	return nil
}

// GetOffer returns the live offer for a job, or ErrNoOffer when none exists.
func (r *DispatchRepository) GetOffer(ctx context.Context, jobID string) (*model.Offer, error) {
	fields, err := r.redis.HGetAll(ctx, offerKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: get offer for job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNoOffer
	}

	ms, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("dispatch: decode offer for job %s: %w", jobID, err)
	}
	return &model.Offer{
		JobID:     jobID,
		CaptainID: fields["captain_id"],
		ExpiresAt: time.UnixMilli(ms),
	}, nil
}

// ClaimOffer atomically consumes the job's offer if it still names the
// given captain. Returns true when this caller won the claim; the losing
// side of an accept/timeout race gets false and must stand down.
func (r *DispatchRepository) ClaimOffer(ctx context.Context, jobID, captainID string) (bool, error) {
	won, err := claimOfferScript.Run(ctx, r.redis, []string{offerKey(jobID)}, captainID).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch: claim offer for job %s: %w", jobID, err)
	}
	return won == 1, nil
}

// ClearOffer unconditionally drops a job's offer, e.g. on cancel.
func (r *DispatchRepository) ClearOffer(ctx context.Context, jobID string) error {
	if err := r.redis.Del(ctx, offerKey(jobID)).Err(); err != nil {
		return fmt.Errorf("dispatch: clear offer for job %s: %w", jobID, err)
	}
	return nil
}

// ─── Websocket presence ─────────────────────────────────────

func presenceKey(role model.Role) string {
	if role == model.RoleCaptain {
		return presenceCaptainsKey
	}
	return presenceUsersKey
}

// SetPresent marks a principal as connected to the push hub.
func (r *DispatchRepository) SetPresent(ctx context.Context, role model.Role, id string) error {
	if err := r.redis.SAdd(ctx, presenceKey(role), id).Err(); err != nil {
		return fmt.Errorf("dispatch: set present %s: %w", id, err)
	}
	return nil
}

// SetAbsent removes a principal from the connected set.
func (r *DispatchRepository) SetAbsent(ctx context.Context, role model.Role, id string) error {
	if err := r.redis.SRem(ctx, presenceKey(role), id).Err(); err != nil {
		return fmt.Errorf("dispatch: set absent %s: %w", id, err)
	}
	return nil
}

// IsPresent reports whether a principal currently holds a push connection.
func (r *DispatchRepository) IsPresent(ctx context.Context, role model.Role, id string) (bool, error) {
	ok, err := r.redis.SIsMember(ctx, presenceKey(role), id).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: presence check %s: %w", id, err)
	}
	return ok, nil
}

// ─── Rate limiting ──────────────────────────────────────────

// IncrRateLimit bumps the caller's fixed-window counter and returns the new
// count plus the time remaining until the window rolls over. The first hit
// in a window creates the key with the window TTL.
func (r *DispatchRepository) IncrRateLimit(ctx context.Context, principal string, window time.Duration) (int64, time.Duration, error) {
	winSecs := int64(window / time.Second)
	if winSecs < 1 {
		winSecs = 1
	}
	now := time.Now().Unix()
	windowID := now / winSecs
	key := fmt.Sprintf("ratelimit:%s:%d", principal, windowID)

	n, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("dispatch: rate limit incr %s: %w", principal, err)
	}
	if n == 1 {
		// Extra second of TTL so the key outlives its own window boundary.
		_ = r.redis.Expire(ctx, key, window+time.Second).Err()
	}

	retryAfter := time.Duration((windowID+1)*winSecs-now) * time.Second
	return n, retryAfter, nil
}

// ─── Idempotency records ────────────────────────────────────

// IdempotencyRecord is the envelope stored per idempotency key. A record
// starts pending while the first request executes and is finalized with
// the response so replays can return it verbatim.
type IdempotencyRecord struct {
	Status      string          `json:"status"` // pending | done
	RequestHash string          `json:"request_hash"`
	Code        int             `json:"code,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func idempotencyKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// ClaimIdempotency attempts first use of an idempotency key. On success it
// stores a pending record and returns (nil, true). If the key is already
// taken it returns the existing record and false; callers compare the
// request hash and either replay the stored response or reject the reuse.
func (r *DispatchRepository) ClaimIdempotency(ctx context.Context, scope, key, requestHash string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{Status: "pending", RequestHash: requestHash}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: marshal idempotency record: %w", err)
	}

	set, err := r.redis.SetNX(ctx, idempotencyKey(scope, key), data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: claim idempotency %s: %w", key, err)
	}
	if set {
		return nil, true, nil
	}

	raw, err := r.redis.Get(ctx, idempotencyKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as a fresh claim next try.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: read idempotency %s: %w", key, err)
	}

	var existing IdempotencyRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, false, fmt.Errorf("dispatch: decode idempotency %s: %w", key, err)
	}
	return &existing, false, nil
}

// FinishIdempotency overwrites the pending record with the final response,
// keeping the TTL set at claim time. The request hash is carried into the
// done envelope so later reuse of the key with a different body is still
// rejected instead of silently replayed.
func (r *DispatchRepository) FinishIdempotency(ctx context.Context, scope, key, requestHash string, code int, body []byte) error {
	rec := IdempotencyRecord{Status: "done", RequestHash: requestHash, Code: code, Body: body}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dispatch: marshal idempotency record: %w", err)
	}
	if err := r.redis.Set(ctx, idempotencyKey(scope, key), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("dispatch: finish idempotency %s: %w", key, err)
	}
	return nil
}

// ReleaseIdempotency drops a pending record after a handler failure so the
// client may retry with the same key.
func (r *DispatchRepository) ReleaseIdempotency(ctx context.Context, scope, key string) error {
	if err := r.redis.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("dispatch: release idempotency %s: %w", key, err)
	}
	return nil
}

// ─── Notification queues ────────────────────────────────────

func queueKey(p model.Priority) string {
	switch p {
	case model.PriorityHigh:
		return queueHighKey
	case model.PriorityLow:
		return queueLowKey
	default:
		return queueNormalKey
	}
}

// EnqueueNotification appends a notification to its priority queue.
func (r *DispatchRepository) EnqueueNotification(ctx context.Context, n *model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("dispatch: marshal notification %s: %w", n.ID, err)
	}
	if err := r.redis.RPush(ctx, queueKey(n.Priority), data).Err(); err != nil {
		return fmt.Errorf("dispatch: enqueue notification %s: %w", n.ID, err)
	}
	return nil
}

// PopNotification takes the next notification, draining high before normal
// before low. Returns ErrQueueEmpty when all three queues are empty.
func (r *DispatchRepository) PopNotification(ctx context.Context) (*model.Notification, error) {
	for _, key := range []string{queueHighKey, queueNormalKey, queueLowKey} {
		data, err := r.redis.LPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dispatch: pop notification: %w", err)
		}

		var n model.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("dispatch: decode notification: %w", err)
		}
		return &n, nil
	}
	return nil, ErrQueueEmpty
}

// ScheduleNotification parks a notification for redelivery at dueAt.
func (r *DispatchRepository) ScheduleNotification(ctx context.Context, n *model.Notification, dueAt time.Time) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("dispatch: marshal notification %s: %w", n.ID, err)
	}
	err = r.redis.ZAdd(ctx, queueScheduledKey, redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("dispatch: schedule notification %s: %w", n.ID, err)
	}
	return nil
}

// PopDueNotifications claims up to limit scheduled notifications whose due
// time has passed. Each member is claimed with ZREM so concurrent workers
// never deliver the same one twice.
func (r *DispatchRepository) PopDueNotifications(ctx context.Context, now time.Time, limit int64) ([]model.Notification, error) {
	members, err := r.redis.ZRangeByScore(ctx, queueScheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: scan scheduled notifications: %w", err)
	}

	var due []model.Notification
	for _, m := range members {
		removed, err := r.redis.ZRem(ctx, queueScheduledKey, m).Result()
		if err != nil {
			return due, fmt.Errorf("dispatch: claim scheduled notification: %w", err)
		}
		if removed == 0 {
			continue // another worker got it first
		}

		var n model.Notification
		if err := json.Unmarshal([]byte(m), &n); err != nil {
			continue // malformed member is dropped with its claim
		}
		due = append(due, n)
	}
	return due, nil
}

// DeadLetterNotification parks a notification that exhausted its retries.
func (r *DispatchRepository) DeadLetterNotification(ctx context.Context, n *model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("dispatch: marshal notification %s: %w", n.ID, err)
	}
	if err := r.redis.RPush(ctx, queueDeadKey, data).Err(); err != nil {
		return fmt.Errorf("dispatch: dead-letter notification %s: %w", n.ID, err)
	}
	return nil
}

// ─── Route cache ────────────────────────────────────────────

// RouteCacheGet returns a cached route payload, if present.
func (r *DispatchRepository) RouteCacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.redis.Get(ctx, "route:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: route cache get: %w", err)
	}
	return data, true, nil
}

// RouteCachePut stores a route payload under the given digest key.
func (r *DispatchRepository) RouteCachePut(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := r.redis.Set(ctx, "route:"+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("dispatch: route cache put: %w", err)
	}
	return nil
}

// ─── Surge cache ────────────────────────────────────────────

// CachedDemandSupply returns the cached demand/supply counts for a zone.
// ok is false on a miss; callers then query PostgreSQL and cache the result.
func (r *DispatchRepository) CachedDemandSupply(ctx context.Context, zone string) (demand, supply int, ok bool) {
	d, errD := r.redis.Get(ctx, surgeDemandKeyPrefix+zone).Int()
	s, errS := r.redis.Get(ctx, surgeSupplyKeyPrefix+zone).Int()
	if errD != nil || errS != nil {
		return 0, 0, false
	}
	return d, s, true
}

// CacheDemandSupply stores zone counts for the surge TTL.
// Fire-and-forget: a failed cache write only costs the next caller a query.
func (r *DispatchRepository) CacheDemandSupply(ctx context.Context, zone string, demand, supply int) {
	_ = r.redis.Set(ctx, surgeDemandKeyPrefix+zone, demand, surgeCacheTTL).Err()
	_ = r.redis.Set(ctx, surgeSupplyKeyPrefix+zone, supply, surgeCacheTTL).Err()
}

// InvalidateSurge clears the cached counts for a zone. Called after events
// that change demand or supply, like a new job or a cancellation.
func (r *DispatchRepository) InvalidateSurge(ctx context.Context, zone string) {
	_ = r.redis.Del(ctx, surgeDemandKeyPrefix+zone).Err()
	_ = r.redis.Del(ctx, surgeSupplyKeyPrefix+zone).Err()
}
