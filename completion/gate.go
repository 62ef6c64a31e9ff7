package completion

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/events"
	"github.com/vmx-ai/vmx/types"
)

// GateRequest carries everything the gate needs to admit one attempt.
type GateRequest struct {
	Resource   *types.AIResource
	Connection *types.AIConnection
	Model      types.ModelConfig
	SourceIP   string
	// EstimatedTokens is prompt estimate plus the max reply budget.
	EstimatedTokens int64
	// ExtraCapacity adds rules beyond resource and connection, such as
	// a batch capacity override.
	ExtraCapacity []types.Capacity
}

// Gate is the capacity admission gate. Windows live in redis as
// requests/tokens counter pairs expiring at the period boundary; the
// check reads current usage, then the admit write-through increments
// every consumed window in one pipeline.
type Gate struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics *events.Collector

	now func() time.Time
}

// NewGate creates a capacity gate on the shared redis client.
func NewGate(client *redis.Client, metrics *events.Collector, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		client:  client,
		logger:  logger.With(zap.String("component", "capacity_gate")),
		metrics: metrics,
		now:     time.Now,
	}
}

type windowKey struct {
	period    types.CapacityPeriod
	keyPrefix string
}

type windowUsage struct {
	totalRequests    int64
	usedTokens       int64
	remainingSeconds int64
}

// Admit checks every enabled rule against current usage and, when all
// pass, consumes the windows. Returns the consumed windows for later
// token reconciliation. Rejections are CAPACITY_EXHAUSTED completion
// errors with Rate set and a retry delay of the window remainder.
func (g *Gate) Admit(ctx context.Context, req GateRequest) ([]Evaluation, error) {
	rules := resolveRules(req.Resource, req.Connection, req.ExtraCapacity, req.SourceIP)
	now := g.now()

	windows := uniqueWindows(rules)
	usage, err := g.readUsage(ctx, windows, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity usage: %w", err)
	}

	for _, r := range rules {
		u := usage[windowKey{period: r.rule.Period, keyPrefix: r.keyPrefix}]
		if err := checkRule(r, u, req.EstimatedTokens); err != nil {
			if g.metrics != nil {
				g.metrics.RecordCapacityRejection(req.Resource.ResourceID, string(r.rule.Period))
			}
			g.logger.Info("capacity gate rejected request",
				zap.String("resource_id", req.Resource.ResourceID),
				zap.String("period", string(r.rule.Period)),
				zap.String("source", r.source))
			return nil, err
		}
	}

	evaluations := make([]Evaluation, 0, len(windows)+2)
	for _, w := range windows {
		evaluations = append(evaluations, Evaluation{Period: w.period, KeyPrefix: w.keyPrefix})
	}
	evaluations = append(evaluations, discoveredEvaluations(req.Resource, req.Connection, req.Model.Model)...)

	if err := g.consume(ctx, evaluations, req.EstimatedTokens, now); err != nil {
		return nil, fmt.Errorf("failed to consume capacity windows: %w", err)
	}
	return evaluations, nil
}

// ReconcileTokens settles the difference between the reserved reply
// budget and what the provider actually produced. Counters never go
// below zero.
func (g *Gate) ReconcileTokens(ctx context.Context, evaluations []Evaluation, maxReplyTokens, completionTokens int64) error {
	decreaseBy := maxReplyTokens - completionTokens
	if decreaseBy == 0 || len(evaluations) == 0 {
		return nil
	}

	pipe := g.client.Pipeline()
	results := make([]*redis.IntCmd, len(evaluations))
	for i, eval := range evaluations {
		key := eval.KeyPrefix + string(eval.Period) + ":tokens"
		results[i] = pipe.DecrBy(ctx, key, decreaseBy)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reconcile token counters: %w", err)
	}

	for i, res := range results {
		if res.Val() < 0 {
			key := evaluations[i].KeyPrefix + string(evaluations[i].Period) + ":tokens"
			if err := g.client.Set(ctx, key, 0, redis.KeepTTL).Err(); err != nil {
				g.logger.Warn("failed to floor token counter", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return nil
}

func uniqueWindows(rules []prefixedRule) []windowKey {
	seen := make(map[windowKey]struct{}, len(rules))
	var windows []windowKey
	for _, r := range rules {
		w := windowKey{period: r.rule.Period, keyPrefix: r.keyPrefix}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		windows = append(windows, w)
	}
	return windows
}

func (g *Gate) readUsage(ctx context.Context, windows []windowKey, now time.Time) (map[windowKey]windowUsage, error) {
	usage := make(map[windowKey]windowUsage, len(windows))
	if len(windows) == 0 {
		return usage, nil
	}

	pipe := g.client.Pipeline()
	reqCmds := make([]*redis.StringCmd, len(windows))
	tokCmds := make([]*redis.StringCmd, len(windows))
	for i, w := range windows {
		key := w.keyPrefix + string(w.period)
		reqCmds[i] = pipe.Get(ctx, key+":requests")
		tokCmds[i] = pipe.Get(ctx, key+":tokens")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, w := range windows {
		u := windowUsage{remainingSeconds: remainingSeconds(w.period, now)}
		if v, err := reqCmds[i].Int64(); err == nil {
			// Counting this request: stored N means it would be the N+1th.
			u.totalRequests = v + 1
		}
		if v, err := tokCmds[i].Int64(); err == nil {
			u.usedTokens = v
		}
		usage[w] = u
	}
	return usage, nil
}

func checkRule(r prefixedRule, u windowUsage, estimatedTokens int64) error {
	scope := "Resource"
	if r.rule.Dimension == types.DimensionSourceIP && r.dimensionValue != "" {
		scope = "Source IP " + r.dimensionValue
	}

	retryDelay := time.Duration(0)
	if u.remainingSeconds > 0 {
		retryDelay = time.Duration(u.remainingSeconds) * time.Second
	}

	if r.rule.Requests > 0 && u.totalRequests > r.rule.Requests {
		return types.NewCompletionError(types.ErrCapacityExhausted,
			fmt.Sprintf("%s has reached the limit of requests, limit: %d at %s level by %s",
				scope, r.rule.Requests, r.source, r.rule.Period)).
			WithStatusCode(http.StatusTooManyRequests).
			WithRetryable(true).
			WithRetryDelay(retryDelay).
			WithFailureReason(r.source + ": Resource has reached the limit of requests").
			WithRate(true)
	}

	if r.rule.Tokens > 0 && u.usedTokens+estimatedTokens > r.rule.Tokens {
		return types.NewCompletionError(types.ErrCapacityExhausted,
			fmt.Sprintf("%s has reached the limit of tokens, limit: %d at %s level by %s",
				scope, r.rule.Tokens, r.source, r.rule.Period)).
			WithStatusCode(http.StatusTooManyRequests).
			WithRetryable(true).
			WithRetryDelay(retryDelay).
			WithFailureReason(r.source + ": Resource has reached the limit of tokens").
			WithRate(true)
	}
	return nil
}

// consume increments every window's requests and tokens counters in one
// pipeline, refreshing expiry to the window remainder. Lifetime windows
// never expire.
func (g *Gate) consume(ctx context.Context, evaluations []Evaluation, tokens int64, now time.Time) error {
	if len(evaluations) == 0 {
		return nil
	}

	pipe := g.client.Pipeline()
	for _, eval := range evaluations {
		key := eval.KeyPrefix + string(eval.Period)
		pipe.Incr(ctx, key+":requests")
		pipe.IncrBy(ctx, key+":tokens", tokens)
		if remaining := remainingSeconds(eval.Period, now); remaining > 0 {
			ttl := time.Duration(remaining) * time.Second
			pipe.Expire(ctx, key+":requests", ttl)
			pipe.Expire(ctx, key+":tokens", ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}
