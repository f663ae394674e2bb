// Package coordinator glues the execution core together (spec.md §2's
// Execution coordinator): it owns the only goroutine allowed to call
// queue.Service.Enqueue/Dequeue, dispatches dequeued opportunities to a
// small fixed worker pool, and walks each one through the gate pipeline —
// lock → circuit breaker → batch-quote → risk → flash-loan validate/build →
// simulation → send → wait-for-receipt — recording a terminal outcome no
// matter which gate stops it.
package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/flashrelay/arbexec/internal/batchquote"
	"github.com/flashrelay/arbexec/internal/breaker"
	"github.com/flashrelay/arbexec/internal/eventstream"
	"github.com/flashrelay/arbexec/internal/flashloan"
	"github.com/flashrelay/arbexec/internal/lockconflict"
	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/queue"
	"github.com/flashrelay/arbexec/internal/rpcprovider"
	"github.com/flashrelay/arbexec/internal/stats"
	"github.com/flashrelay/arbexec/pkg/txlistener"
	"github.com/flashrelay/arbexec/pkg/types"
)

// Stream is the subset of *eventstream.Client the coordinator needs: the
// opportunity consumer group, the execution-results producer, and the
// admin command poll. Kept narrow so tests inject a fake.
type Stream interface {
	ReadOpportunities(ctx context.Context, group, consumer string, block time.Duration) ([]eventstream.Message, error)
	Ack(ctx context.Context, group, id string) error
	PublishExecutionResult(ctx context.Context, result types.ExecutionResult) error
	ReadAdminCommands(ctx context.Context, afterID string) ([]eventstream.AdminCommand, string, error)
}

// Recorder persists a terminal ExecutionResult; implemented by
// internal/recorder.MySQLRecorder. Optional — a nil Recorder just skips the
// audit-trail write.
type Recorder interface {
	Record(result types.ExecutionResult) error
}

// Simulator predicts whether a built transaction would revert, via the
// out-of-scope external simulation service (spec.md §1). Optional — a nil
// Simulator marks every opportunity simulationSkipped.
type Simulator interface {
	PredictRevert(ctx context.Context, tx *types.BuiltTransaction, chain string) (revert bool, reason string, err error)
}

// RiskEvaluator vets an opportunity's expected profit before execution.
// Optional — a nil RiskEvaluator accepts everything that reaches it.
type RiskEvaluator func(opp *types.Opportunity, expectedProfit *big.Int) (accept bool, reason string)

// Config bounds the coordinator's polling and concurrency.
type Config struct {
	Group             string
	Consumer          string
	NumWorkers        int           // 0 defaults to 4
	BlockTimeout      time.Duration // ReadOpportunities' XREADGROUP block; 0 defaults to 2s
	ExecutionTimeout  time.Duration // process-level deadline guard; 0 defaults to 60s
	AdminPollInterval time.Duration // 0 defaults to 5s
}

// Coordinator is the execution core's top-level wiring. Construct with New,
// launch with Start, and call Stop for a graceful drain.
type Coordinator struct {
	cfg Config
	log *logging.Logger

	st        *stats.ExecutionStats
	queue     *queue.Service
	breaker   *breaker.Manager
	registry  *flashloan.Registry
	providers *rpcprovider.Service
	tracker   *lockconflict.Tracker
	batch     *batchquote.Manager
	stream    Stream
	recorder  Recorder
	simulator Simulator
	risk      RiskEvaluator

	mu       sync.Mutex
	inFlight map[string]time.Time

	sem      chan struct{}
	incoming chan eventstream.Message

	streamPaused atomic.Bool

	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	workerWg sync.WaitGroup
}

// New constructs a Coordinator. recorder, simulator, and risk may be nil.
func New(
	cfg Config,
	log *logging.Logger,
	st *stats.ExecutionStats,
	q *queue.Service,
	br *breaker.Manager,
	registry *flashloan.Registry,
	providers *rpcprovider.Service,
	tracker *lockconflict.Tracker,
	batch *batchquote.Manager,
	stream Stream,
	recorder Recorder,
	simulator Simulator,
	risk RiskEvaluator,
) *Coordinator {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 60 * time.Second
	}
	if cfg.AdminPollInterval <= 0 {
		cfg.AdminPollInterval = 5 * time.Second
	}
	c := &Coordinator{
		cfg:       cfg,
		log:       log,
		st:        st,
		queue:     q,
		breaker:   br,
		registry:  registry,
		providers: providers,
		tracker:   tracker,
		batch:     batch,
		stream:    stream,
		recorder:  recorder,
		simulator: simulator,
		risk:      risk,
		inFlight:  make(map[string]time.Time),
		sem:       make(chan struct{}, cfg.NumWorkers),
		incoming:  make(chan eventstream.Message, 256),
		stopCh:    make(chan struct{}),
	}
	// spec.md §4.1: "The callback is used by the upstream consumer to stop
	// pulling from the broker." runStreamReader is that upstream consumer.
	q.OnPauseStateChange(func(paused bool) {
		c.streamPaused.Store(paused)
	})
	c.streamPaused.Store(q.IsPaused())
	return c
}

// Start launches the stream reader, the admin command poller, and the main
// loop that owns the queue. ctx governs every network call the coordinator
// makes; Stop governs shutdown of the goroutines themselves.
func (c *Coordinator) Start(ctx context.Context) {
	c.loopWg.Add(3)
	go c.runStreamReader(ctx)
	go c.runAdminLoop(ctx)
	go c.runMainLoop(ctx)
}

// Stop signals every loop to exit and waits for in-flight workers to drain.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.loopWg.Wait()
	c.workerWg.Wait()
}

func (c *Coordinator) runStreamReader(ctx context.Context) {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if c.streamPaused.Load() {
			select {
			case <-c.stopCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msgs, err := c.stream.ReadOpportunities(ctx, c.cfg.Group, c.cfg.Consumer, c.cfg.BlockTimeout)
		if err != nil {
			if c.log != nil {
				c.log.Warning().Str("error", err.Error()).Log("opportunity stream read failed")
			}
			select {
			case <-c.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case c.incoming <- msg:
			case <-c.stopCh:
				return
			}
		}
	}
}

func (c *Coordinator) runAdminLoop(ctx context.Context) {
	defer c.loopWg.Done()
	afterID := "$"
	ticker := time.NewTicker(c.cfg.AdminPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmds, next, err := c.stream.ReadAdminCommands(ctx, afterID)
			if err != nil {
				if c.log != nil {
					c.log.Warning().Str("error", err.Error()).Log("admin command poll failed")
				}
				continue
			}
			afterID = next
			for _, cmd := range cmds {
				c.applyAdminCommand(cmd)
			}
		}
	}
}

func (c *Coordinator) applyAdminCommand(cmd eventstream.AdminCommand) {
	switch cmd.Type {
	case "pause":
		c.queue.Pause()
	case "resume":
		c.queue.Resume()
	case "force_open":
		if cmd.Chain != "" {
			c.breaker.ForceOpen(cmd.Chain)
		}
	case "force_close":
		if cmd.Chain != "" {
			c.breaker.ForceClose(cmd.Chain)
		}
	default:
		if c.log != nil {
			c.log.Warning().Str("type", cmd.Type).Log("unknown admin command")
		}
		return
	}
	if c.log != nil {
		c.log.Info().Str("type", cmd.Type).Str("chain", cmd.Chain).Log("admin command applied")
	}
}

// runMainLoop is the queue's single owner: every Enqueue and Dequeue call
// happens here, never from a worker goroutine (internal/queue.Service is
// not safe for concurrent access).
func (c *Coordinator) runMainLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.incoming:
			c.onOpportunity(msg)
		case <-ticker.C:
			c.dispatchReady(ctx)
		}
	}
}

func (c *Coordinator) onOpportunity(msg eventstream.Message) {
	opp := msg.Opportunity
	c.st.IncOpportunitiesReceived()
	if c.queue.Enqueue(&opp) {
		return
	}
	c.st.IncQueueRejects()
	c.st.IncOpportunitiesRejected()
	c.bestEffortAck(opp.BrokerMessageID)
}

func (c *Coordinator) bestEffortAck(messageID string) {
	if messageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.stream.Ack(ctx, c.cfg.Group, messageID); err != nil && c.log != nil {
		c.log.Warning().Str("messageId", messageID).Str("error", err.Error()).Log("ack failed")
	}
}

// dispatchReady hands off dequeued opportunities to worker goroutines until
// either the queue is empty or every worker slot is taken.
func (c *Coordinator) dispatchReady(ctx context.Context) {
	for {
		select {
		case c.sem <- struct{}{}:
		default:
			return
		}

		opp, ok := c.queue.Dequeue()
		if !ok {
			<-c.sem
			return
		}

		c.workerWg.Add(1)
		go c.executeWorker(ctx, *opp)
	}
}

func (c *Coordinator) executeWorker(ctx context.Context, opp types.Opportunity) {
	defer func() { <-c.sem }()
	defer c.workerWg.Done()

	if !c.acquireLock(opp.Id) {
		c.st.IncLockConflicts()
		c.finalize(opp, types.ExecutionResult{
			OpportunityID: opp.Id,
			Chain:         opp.SourceChain,
			Outcome:       types.OutcomeSkipped,
			Reason:        "lock conflict: opportunity already in flight",
			Timestamp:     time.Now(),
		})
		return
	}
	defer c.releaseLock(opp.Id)

	c.finalize(opp, c.runPipeline(ctx, opp))
}

// acquireLock enforces "two opportunities with the same id must not both
// execute" (spec.md §3). A repeated conflict that crosses
// lockconflict.Tracker's threshold is treated as a crash-orphaned lock
// (spec.md §4.5) and force-recovered rather than rejected forever.
func (c *Coordinator) acquireLock(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inFlight[id]; busy {
		if !c.tracker.RecordConflict(id) {
			return false
		}
		c.st.IncStaleLockRecoveries()
		if c.log != nil {
			c.log.Warning().Str("opportunityId", id).Log("recovered crash-orphaned lock")
		}
	}
	c.inFlight[id] = time.Now()
	return true
}

func (c *Coordinator) releaseLock(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

// runPipeline walks one opportunity through every gate, returning a
// terminal ExecutionResult no matter where it stops (spec.md §7's "worker
// never propagates exceptions upward").
func (c *Coordinator) runPipeline(ctx context.Context, opp types.Opportunity) types.ExecutionResult {
	chain := opp.SourceChain
	result := types.ExecutionResult{OpportunityID: opp.Id, Chain: chain, Timestamp: time.Now()}

	skip := func(reason string) types.ExecutionResult {
		result.Outcome = types.OutcomeSkipped
		result.Reason = reason
		return result
	}
	fail := func(reason string) types.ExecutionResult {
		result.Outcome = types.OutcomeFailed
		result.Reason = reason
		return result
	}

	if verr := basicValidate(&opp); verr != nil {
		c.st.IncValidationErrors()
		return skip(verr.Error())
	}

	deadline := opp.Deadline
	if deadline.IsZero() || time.Until(deadline) > c.cfg.ExecutionTimeout {
		deadline = time.Now().Add(c.cfg.ExecutionTimeout)
	}
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if !c.breaker.Allow(chain) {
		return skip("circuit breaker open for chain " + chain)
	}
	defer c.breaker.Conclude(chain)

	quote, err := c.batch.CalculateExpectedProfitWithBatching(pctx, &opp, chain, c.currentBlock(pctx, chain))
	if err != nil {
		return skip("profit calculation failed: " + err.Error())
	}

	if c.risk != nil {
		if accept, reason := c.risk(&opp, quote.ExpectedProfit); !accept {
			c.st.IncRiskRejections()
			return skip("risk rejected: " + reason)
		}
	}

	wallet, key := c.providers.GetWallet()
	req := buildFlashLoanRequest(&opp, wallet)

	provider := c.registry.GetProvider(chain)
	result.Protocol = provider.Protocol()

	if verr := provider.Validate(req); verr != nil {
		c.st.IncValidationErrors()
		return skip(verr.Error())
	}

	tx, err := provider.BuildTransaction(req, wallet)
	if err != nil {
		c.st.IncValidationErrors()
		return skip("build transaction failed: " + err.Error())
	}

	if c.simulator == nil {
		c.st.IncSimulationSkipped()
	} else {
		revert, reason, err := c.simulator.PredictRevert(pctx, tx, chain)
		switch {
		case err != nil:
			c.st.IncSimulationErrors()
			if c.log != nil {
				c.log.Warning().Str("opportunityId", opp.Id).Str("error", err.Error()).Log("simulation call failed, proceeding without a prediction")
			}
		case revert:
			c.st.IncSimulationPredictedReverts()
			c.breaker.RecordFailure(chain)
			return fail("predicted revert: " + reason)
		default:
			c.st.IncSimulationPerformed()
		}
	}

	c.st.IncExecutionAttempts()
	result.Outcome = types.OutcomeAttempted

	txHash, err := c.providers.SendTransaction(pctx, chain, tx.To, tx.Data, key)
	if err != nil {
		c.st.IncExecutionsFailed()
		c.breaker.RecordFailure(chain)
		return fail("send failed: " + err.Error())
	}
	result.TxHash = &txHash

	receipt, err := c.providers.WaitForReceipt(pctx, chain, txHash, time.Until(deadline))
	if err != nil {
		if errors.Is(err, txlistener.ErrTimeout) || pctx.Err() != nil {
			c.st.IncExecutionTimeouts()
			c.breaker.RecordFailure(chain)
			result.Outcome = types.OutcomeTimeout
			result.Reason = "timed out waiting for receipt"
			return result
		}
		c.st.IncExecutionsFailed()
		c.breaker.RecordFailure(chain)
		return fail("receipt wait failed: " + err.Error())
	}
	result.GasUsed = receipt.GasUsed

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		c.st.IncExecutionsFailed()
		c.breaker.RecordFailure(chain)
		return fail("transaction reverted on-chain")
	}

	c.st.IncExecutionsSucceeded()
	c.breaker.RecordSuccess(chain)
	result.Outcome = types.OutcomeSuccess
	result.RealizedProfit = quote.ExpectedProfit
	return result
}

func (c *Coordinator) currentBlock(ctx context.Context, chain string) uint64 {
	client, ok := c.providers.GetProvider(chain)
	if !ok {
		return 0
	}
	n, err := client.BlockNumber(ctx)
	if err != nil {
		return 0
	}
	return n
}

func (c *Coordinator) finalize(opp types.Opportunity, result types.ExecutionResult) {
	if c.recorder != nil {
		if err := c.recorder.Record(result); err != nil && c.log != nil {
			c.log.Warning().Str("opportunityId", opp.Id).Str("error", err.Error()).Log("execution audit write failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.stream.PublishExecutionResult(ctx, result); err != nil && c.log != nil {
		c.log.Warning().Str("opportunityId", opp.Id).Str("error", err.Error()).Log("execution result publish failed")
	}
	c.bestEffortAck(opp.BrokerMessageID)

	if c.log != nil {
		c.log.Info().
			Str("opportunityId", opp.Id).
			Str("chain", result.Chain).
			Str("outcome", string(result.Outcome)).
			Str("reason", result.Reason).
			Log("opportunity decision")
	}
}

// basicValidate rejects an opportunity before it costs any network call,
// reusing flashloan's ErrorCode taxonomy since the same defects apply at
// the opportunity level as at the FlashLoanRequest level (spec.md §7).
func basicValidate(opp *types.Opportunity) *flashloan.ValidationError {
	if opp.SourceChain == "" {
		return &flashloan.ValidationError{Code: flashloan.ErrChainNotSupported, Reason: "opportunity has no source chain"}
	}
	if opp.AmountIn == nil || opp.AmountIn.Sign() == 0 {
		return &flashloan.ValidationError{Code: flashloan.ErrZeroAmount, Reason: "amountIn must be non-zero"}
	}
	if len(opp.Path) == 0 {
		return &flashloan.ValidationError{Code: flashloan.ErrEmptyPath, Reason: "opportunity has no swap path"}
	}
	return nil
}

func buildFlashLoanRequest(opp *types.Opportunity, wallet common.Address) *types.FlashLoanRequest {
	minProfit := opp.ExpectedProfit
	if minProfit == nil {
		minProfit = big.NewInt(0)
	}
	return &types.FlashLoanRequest{
		Asset:     opp.TokenIn,
		Amount:    opp.AmountIn,
		Chain:     opp.SourceChain,
		SwapPath:  opp.Path,
		MinProfit: minProfit,
		Initiator: wallet,
	}
}
