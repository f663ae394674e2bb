// Command arbexecd is the execution core's process entrypoint: it loads
// secrets from the environment (via a .env file in development, following
// the teacher's cmd/main.go ENC_PK/KEY convention), loads the static
// config.yml, dials every configured chain, and wires every collaborator
// into a coordinator.Coordinator before blocking on its admin command and
// opportunity loops until the process receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/flashrelay/arbexec/internal/batchquote"
	"github.com/flashrelay/arbexec/internal/breaker"
	"github.com/flashrelay/arbexec/internal/config"
	"github.com/flashrelay/arbexec/internal/coordinator"
	"github.com/flashrelay/arbexec/internal/eventstream"
	"github.com/flashrelay/arbexec/internal/flashloan"
	"github.com/flashrelay/arbexec/internal/health"
	"github.com/flashrelay/arbexec/internal/lockconflict"
	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/metrics"
	"github.com/flashrelay/arbexec/internal/queue"
	"github.com/flashrelay/arbexec/internal/recorder"
	"github.com/flashrelay/arbexec/internal/rpcprovider"
	"github.com/flashrelay/arbexec/internal/stats"
)

// registryFeeCalculator adapts the flashloan registry's own per-provider
// fee math to batchquote.FlashLoanFeeCalculator, so the fallback profit
// path charges the same fee the execution path will actually pay instead
// of a second, independently-configured fee table.
type registryFeeCalculator struct {
	registry *flashloan.Registry
}

func (r registryFeeCalculator) CalculateFlashLoanFee(chain string, amount *big.Int) *big.Int {
	return r.registry.GetProvider(chain).CalculateFee(amount).FeeAmount
}

func main() {
	_ = godotenv.Load()

	log := logging.NewProduction()

	pkHex := os.Getenv("ARBEXEC_PRIVATE_KEY")
	if pkHex == "" {
		panic("ARBEXEC_PRIVATE_KEY not set")
	}
	key, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		panic(fmt.Errorf("main: invalid private key: %w", err))
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	configPath := os.Getenv("ARBEXEC_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	conf, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}

	dsn := os.Getenv(conf.MySQLDSNEnv)
	if dsn == "" {
		panic(fmt.Sprintf("main: %s not set", conf.MySQLDSNEnv))
	}
	rec, err := recorder.New(dsn)
	if err != nil {
		panic(err)
	}

	redisAddr := os.Getenv(conf.RedisAddrEnv)
	if redisAddr == "" {
		panic(fmt.Sprintf("main: %s not set", conf.RedisAddrEnv))
	}
	redisDB, _ := strconv.Atoi(os.Getenv("ARBEXEC_REDIS_DB"))
	stream, err := eventstream.New(redisAddr, os.Getenv("ARBEXEC_REDIS_PASSWORD"), redisDB, log)
	if err != nil {
		panic(err)
	}
	stream.SetConsumer(conf.Consumer.Group, conf.Consumer.ConsumerName)

	st := &stats.ExecutionStats{}

	dial := func(ctx context.Context, rpcURL string) (rpcprovider.Client, error) {
		return ethclient.DialContext(ctx, rpcURL)
	}
	providers := rpcprovider.New(conf.ToChainConfigs(), dial, wallet, key, log, st)
	providers.StartHealthChecks()

	metricsReg := metrics.New()
	br := breaker.New(conf.ToBreakerConfig(), log, st, metrics.BreakerPublisher{Next: stream, Registry: metricsReg})

	tracker := lockconflict.New(conf.ToLockConflictConfig())

	q, err := queue.New(conf.ToQueueConfig(), log)
	if err != nil {
		panic(err)
	}

	registry := flashloan.New(conf.ToProviderTable(), flashloan.Dependencies{
		ViewCaller: providers,
		Log:        log,
	})

	batch := batchquote.New(conf.ToBatchQuoteConfig(), nil, nil, registryFeeCalculator{registry: registry}, nil, log)

	monitor := health.New(q, st, tracker, log, health.Config{
		ServiceName:          "arbexecd",
		Interval:             conf.HealthCheckInterval(),
		StalePendingInterval: conf.StalePendingCleanupInterval(),
		Publisher:            stream,
		ServiceHealth:        stream,
		StalePendingClaimer:  stream,
	})
	providers.SetGasBaselineRecorder(monitor)
	monitor.Start()
	defer monitor.Stop()

	coord := coordinator.New(
		coordinator.Config{
			Group:    conf.Consumer.Group,
			Consumer: conf.Consumer.ConsumerName,
		},
		log,
		st,
		q,
		br,
		registry,
		providers,
		tracker,
		batch,
		stream,
		rec,
		nil,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			log.Warning().Str("error", err.Error()).Log("metrics server exited")
		}
	}()

	metricsStop := make(chan struct{})
	go runMetricsLoop(metricsReg, q, providers, st, metricsStop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Log("shutdown signal received, draining in-flight executions")
	close(metricsStop)
	cancel()
	coord.Stop()
	providers.StopHealthChecks()
	providers.Clear()
	if err := rec.Close(); err != nil {
		log.Warning().Str("error", err.Error()).Log("recorder close failed")
	}
	if err := stream.Close(); err != nil {
		log.Warning().Str("error", err.Error()).Log("event stream close failed")
	}
}

// runMetricsLoop mirrors the process' stats snapshot and queue/provider
// gauges into Prometheus every few seconds until stop is closed.
func runMetricsLoop(reg *metrics.Registry, q *queue.Service, providers *rpcprovider.Service, st *stats.ExecutionStats, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	prev := st.Snapshot()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur := st.Snapshot()
			reg.Observe(prev, cur)
			reg.ObserveQueue(q)
			reg.ObserveHealthyCount(providers.GetHealthyCount())
			prev = cur
		}
	}
}
