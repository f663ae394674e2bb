// Package eventstream is the Redis Streams transport for every upstream and
// downstream stream spec.md §6 names: the upstream opportunity stream (with
// consumer-group acknowledgement), and the four downstream streams
// (execution-results, circuit-breaker, health, system-commands /
// system-failover). It also backs the feature-flag source and the
// service-health key, following the Redis adapter idiom in the
// Generativebots-ocx-backend-go-svc pack repo's internal/infra/redis_adapter.go
// (wrap go-redis/v9 behind a narrow interface; never let callers touch
// *redis.Client directly).
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flashrelay/arbexec/internal/breaker"
	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/pkg/types"
)

const (
	StreamOpportunities    = "arbexec:opportunities"
	StreamExecutionResults = "arbexec:execution-results"
	StreamCircuitBreaker   = "arbexec:circuit-breaker"
	StreamHealth           = "arbexec:health"
	StreamSystemCommands   = "arbexec:system-commands"
	StreamSystemFailover   = "arbexec:system-failover"

	featureFlagKey  = "arbexec:feature-flags"
	serviceHealthKey = "arbexec:service-health"

	// healthStreamMaxLen bounds the health stream, per spec.md §4.6 ("publish
	// the record to the health stream, size-bounded append").
	healthStreamMaxLen = 1000
)

// Client wraps a *redis.Client with the operations the execution core needs:
// consumer-group reads off the opportunity stream, size-capped appends to
// the downstream streams, and the feature-flag / service-health keys.
type Client struct {
	rdb        *redis.Client
	instanceID string
	log        *logging.Logger

	group    string
	consumer string
}

// SetConsumer records the consumer-group identity used by ClaimStalePending
// (and available for callers that want it without re-threading group/
// consumer through every call).
func (c *Client) SetConsumer(group, consumer string) {
	c.group = group
	c.consumer = consumer
}

// New dials addr and pings it before returning, matching
// infra.NewGoRedisAdapter's "fail fast at construction, caller decides
// whether to run degraded" contract.
func New(addr, password string, db int, log *logging.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("eventstream: redis ping failed (%s): %w", addr, err)
	}

	return &Client{rdb: rdb, instanceID: uuid.NewString(), log: log}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// EnsureGroup creates the consumer group for the opportunity stream if it
// does not already exist; BUSYGROUP is treated as success.
func (c *Client) EnsureGroup(ctx context.Context, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, StreamOpportunities, group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("eventstream: create consumer group: %w", err)
	}
	return nil
}

// Message pairs a decoded Opportunity with the broker-assigned id the
// coordinator acknowledges on terminal decision (spec.md §6).
type Message struct {
	ID          string
	Opportunity types.Opportunity
}

// ReadOpportunities blocks up to block for new messages in group/consumer,
// decoding each XADD payload's "data" field as JSON.
func (c *Client) ReadOpportunities(ctx context.Context, group, consumer string, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamOpportunities, ">"},
		Count:    64,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstream: XREADGROUP: %w", err)
	}

	var out []Message
	for _, stream := range res {
		for _, xm := range stream.Messages {
			raw, ok := xm.Values["data"].(string)
			if !ok {
				continue
			}
			var opp types.Opportunity
			if err := json.Unmarshal([]byte(raw), &opp); err != nil {
				if c.log != nil {
					c.log.Err().Str("error", err.Error()).Log("eventstream: malformed opportunity payload, skipping")
				}
				continue
			}
			opp.BrokerMessageID = xm.ID
			out = append(out, Message{ID: xm.ID, Opportunity: opp})
		}
	}
	return out, nil
}

// Ack acknowledges id on the opportunity stream's consumer group — the
// coordinator calls this exactly once per message, on terminal decision.
func (c *Client) Ack(ctx context.Context, group, id string) error {
	return c.rdb.XAck(ctx, StreamOpportunities, group, id).Err()
}

// PublishExecutionResult appends one record to the execution-results stream.
func (c *Client) PublishExecutionResult(ctx context.Context, result types.ExecutionResult) error {
	return c.append(ctx, StreamExecutionResults, result, 0)
}

// PublishCircuitBreakerEvent implements breaker.Publisher. It is invoked
// fire-and-forget by the breaker manager; any error is logged internally,
// never propagated (spec.md §4.2's "failures are logged and never
// propagated to the caller").
func (c *Client) PublishCircuitBreakerEvent(evt breaker.Event) {
	if c == nil {
		return
	}
	rec := circuitBreakerRecord{
		Chain:               evt.Chain,
		FromState:           string(evt.From),
		ToState:             string(evt.To),
		Reason:              evt.Reason,
		Timestamp:           evt.At,
		InstanceID:          c.instanceID,
		ConsecutiveFailures: evt.ConsecutiveFailures,
		CooldownRemainingMs: evt.CooldownRemainingMs,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.append(ctx, StreamCircuitBreaker, rec, 0); err != nil && c.log != nil {
		c.log.Warning().Str("chain", evt.Chain).Str("error", err.Error()).Log("circuit-breaker event publish failed")
	}
}

type circuitBreakerRecord struct {
	Chain               string    `json:"chain"`
	FromState           string    `json:"previousState"`
	ToState             string    `json:"newState"`
	Reason              string    `json:"reason"`
	Timestamp           time.Time `json:"timestamp"`
	InstanceID          string    `json:"instanceId"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CooldownRemainingMs int64     `json:"cooldownRemainingMs"`
}

// PublishHealth appends one record to the size-capped health stream.
func (c *Client) PublishHealth(ctx context.Context, record any) error {
	return c.append(ctx, StreamHealth, record, healthStreamMaxLen)
}

// AdminCommand is consumed off the system-commands stream. See
// SPEC_FULL.md's "Admin surface" supplement: a minimal command shape wired
// to QueueService.Pause/Resume and CircuitBreakerManager.ForceOpen/ForceClose.
type AdminCommand struct {
	Type  string `json:"type"` // "pause" | "resume" | "force_open" | "force_close"
	Chain string `json:"chain,omitempty"`
}

// ReadAdminCommands polls the system-commands stream from the given id
// (use "0" for all history, "$" for only-new), returning decoded commands
// and the id to resume from.
func (c *Client) ReadAdminCommands(ctx context.Context, afterID string) ([]AdminCommand, string, error) {
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamSystemCommands, afterID},
		Count:   32,
		Block:   0,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, fmt.Errorf("eventstream: XREAD system-commands: %w", err)
	}

	var cmds []AdminCommand
	last := afterID
	for _, stream := range res {
		for _, xm := range stream.Messages {
			raw, ok := xm.Values["data"].(string)
			if !ok {
				continue
			}
			var cmd AdminCommand
			if err := json.Unmarshal([]byte(raw), &cmd); err == nil {
				cmds = append(cmds, cmd)
			}
			last = xm.ID
		}
	}
	return cmds, last, nil
}

// PublishFailover appends an administrative failover signal.
func (c *Client) PublishFailover(ctx context.Context, reason string) error {
	return c.append(ctx, StreamSystemFailover, map[string]any{"reason": reason, "at": time.Now()}, 0)
}

func (c *Client) append(ctx context.Context, stream string, payload any, maxLen int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventstream: marshal: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(data)},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return c.rdb.XAdd(ctx, args).Err()
}

// SetServiceHealth writes the best-effort service-health key (spec.md §6).
// A failure here is caught and logged by the caller (HealthMonitor), never
// propagated.
func (c *Client) SetServiceHealth(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventstream: marshal service health: %w", err)
	}
	return c.rdb.Set(ctx, serviceHealthKey, data, 0).Err()
}

// FeatureFlags reads the full flag hash (e.g. "useBatchedQuoter" -> "true").
func (c *Client) FeatureFlags(ctx context.Context) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, featureFlagKey).Result()
}

// ClaimStalePending implements health.StalePendingClaimer: it claims
// messages that have sat unacknowledged in the opportunity stream's
// consumer group for longer than minIdle, reassigning them to this
// instance so a crashed consumer's in-flight opportunities are retried
// rather than lost (spec.md §4.6's "cleans stale ... pending messages").
func (c *Client) ClaimStalePending(ctx context.Context, minIdle time.Duration) (int, error) {
	var claimed int
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   StreamOpportunities,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("eventstream: XAUTOCLAIM: %w", err)
		}
		claimed += len(msgs)
		if next == "" || next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}
	return claimed, nil
}
