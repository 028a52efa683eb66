package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lendex/api/ws"
	"lendex/domain/book"
	"lendex/domain/collateral"
	"lendex/domain/global"
	"lendex/infra/clients"
	"lendex/infra/kafka"
	"lendex/infra/outbox"
	"lendex/infra/sequence"
	"lendex/infra/wal"
	"lendex/jobs/broadcaster"
	"lendex/jobs/feed"
	"lendex/service"
	"lendex/snapshot"
)

func main() {
	var (
		listen           = flag.String("listen", ":8080", "websocket and metrics listen address")
		marketList       = flag.String("markets", "sol-usdc", "comma-separated market ids")
		capacity         = flag.Uint("capacity", 1<<16, "resting orders per book side")
		walDir           = flag.String("wal-dir", "./data/wal", "write-ahead log directory")
		outboxDir        = flag.String("outbox-dir", "./data/outbox", "outbox database directory")
		snapshotDir      = flag.String("snapshot-dir", "./data/snapshot", "snapshot directory")
		snapshotEvery    = flag.Duration("snapshot-interval", 5*time.Minute, "snapshot cadence")
		registryCap      = flag.Uint("registry-capacity", 1<<12, "global registry entries")
		registryFee      = flag.Uint64("registry-fee", 0, "global registration fee in quote atoms (0 = default)")
		protocolURL      = flag.String("protocol-url", "http://localhost:9000", "external protocol base URL")
		collateralAsset  = flag.String("collateral-asset", "usdc", "collateral asset for admission")
		bufferMultiplier = flag.String("collateral-buffer", "", "collateral buffer multiplier (empty = default)")
		brokers          = flag.String("kafka-brokers", "localhost:9092", "comma-separated kafka brokers")
		fillTopic        = flag.String("fill-topic", "lendex.fills", "fill broadcast topic")
		depthTopic       = flag.String("depth-topic", "lendex.depth", "depth feed topic")
		depthEvery       = flag.Duration("depth-interval", time.Second, "depth feed cadence")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	w, err := wal.Open(wal.Config{
		Dir:             *walDir,
		SegmentSize:     8 << 20,
		SegmentDuration: time.Minute,
	})
	if err != nil {
		log.Fatal("wal open failed", zap.Error(err))
	}
	defer w.Close()

	ob, err := outbox.Open(*outboxDir)
	if err != nil {
		log.Fatal("outbox open failed", zap.Error(err))
	}
	defer ob.Close()

	markets := make(map[string]*book.Market)
	for _, id := range strings.Split(*marketList, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			markets[id] = book.NewMarket(id, uint32(*capacity))
		}
	}
	registry := global.NewRegistry(global.Config{
		Capacity: uint32(*registryCap),
		Fee:      *registryFee,
	})

	// Snapshot first, then the log tail past it.
	snapSeq, err := snapshot.Load(*snapshotDir, markets, registry)
	if err != nil {
		log.Fatal("snapshot load failed", zap.Error(err))
	}
	lastSeq, err := service.Replay(log, *walDir, snapSeq, markets, registry)
	if err != nil {
		log.Fatal("wal replay failed", zap.Error(err))
	}
	seqr := sequence.New(lastSeq)

	protocol := clients.New(*protocolURL, 5*time.Second)
	guardCfg := collateral.Config{Asset: *collateralAsset}
	if *bufferMultiplier != "" {
		guardCfg.Multiplier, err = decimal.NewFromString(*bufferMultiplier)
		if err != nil {
			log.Fatal("bad collateral buffer", zap.Error(err))
		}
	}
	guard, err := collateral.NewController(guardCfg, protocol, protocol, protocol)
	if err != nil {
		log.Fatal("collateral controller", zap.Error(err))
	}

	metrics := service.NewMetrics(prometheus.DefaultRegisterer)
	svc := service.New(log, w, ob, seqr, registry, guard, protocol, protocol, metrics, markets)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	writer := &snapshot.Writer{Dir: *snapshotDir}
	go svc.RunSnapshots(ctx, writer, *snapshotEvery)

	brokerList := strings.Split(*brokers, ",")
	bc, err := broadcaster.New(log, ob, broadcaster.Config{
		Brokers: brokerList,
		Topic:   *fillTopic,
	})
	if err != nil {
		log.Fatal("broadcaster init failed", zap.Error(err))
	}
	defer bc.Close()
	go bc.Run(ctx)

	depthProducer := kafka.NewProducer(kafka.Config{
		Brokers: brokerList,
		Topic:   *depthTopic,
	})
	defer depthProducer.Close()
	go feed.New(log, svc, depthProducer, feed.Config{Interval: *depthEvery}).Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(log, svc))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("lendex serving",
		zap.String("addr", *listen),
		zap.Int("markets", len(markets)),
		zap.Uint64("replayed_to", lastSeq))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server exited", zap.Error(err))
	}

	// One last consistent cut so the next start replays almost nothing.
	if _, err := svc.Snapshot(writer); err != nil {
		log.Warn("final snapshot failed", zap.Error(err))
	}
}
