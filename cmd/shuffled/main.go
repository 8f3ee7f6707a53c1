// Command shuffled drives a synthetic multi-rank shuffle epoch
// in a single process, useful for measuring routing/transport
// throughput without a real HPC job launcher.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	natsconn "github.com/sakjain92/vpic-shuffle/adapters/nats"
	"github.com/sakjain92/vpic-shuffle/adapters/nn"
	promshuffle "github.com/sakjain92/vpic-shuffle/adapters/prometheus"
	"github.com/sakjain92/vpic-shuffle/adapters/xn"
	"github.com/sakjain92/vpic-shuffle/core/placement"
	"github.com/sakjain92/vpic-shuffle/core/shuffle"
	"github.com/sakjain92/vpic-shuffle/core/transport"
	"github.com/sakjain92/vpic-shuffle/ports/fabric"
	"github.com/sakjain92/vpic-shuffle/ports/storage"
)

// === Config ===

var (
	logLevel      = slog.LevelInfo
	worldSize     = getEnvInt("W", 4)
	recordsPerRank = getEnvInt("N", 50_000)
	batchSize     = getEnvInt("B", 5_000)
	idSize        = getEnvInt("SHUFFLE_F", 8)
	dataSize      = getEnvInt("SHUFFLE_D", 48)
	queueCapacity = getEnvInt("SHUFFLE_Queue_capacity", 256)
)

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	fmt.Printf("World size: %d\n", worldSize)
	fmt.Printf("Records/rank: %d\n", recordsPerRank)
	fmt.Printf("Envelope: F=%d D=%d\n", idSize, dataSize)

	cfg := shuffle.ConfigFromEnv()
	cfg.F = idSize
	cfg.D = dataSize
	checkErr(cfg.Validate())

	fmt.Printf("Transport: %s (requires a reachable NATS broker at NATS_URL, default %s)\n",
		cfg.Transport, natsgo.DefaultURL)

	reg := prometheus.NewRegistry()
	metrics := promshuffle.NewShuffleMetrics(reg)

	fabrics := fabric.NewLocalFabrics(worldSize)
	transports := buildTransports(context.Background(), cfg, fabrics, queueCapacity, metrics)
	stores := make([]*storage.MemStore, worldSize)
	ctxs := make([]*shuffle.ShuffleCtx, worldSize)

	// Every rank in this run builds an identical placement.Options (same
	// protocol, world size, virtual factor), so sharing one Registry
	// across the per-rank ShuffleCtx builds below builds the ring once
	// instead of worldSize times.
	placerRegistry := placement.NewRegistry()

	for r := 0; r < worldSize; r++ {
		stores[r] = storage.NewMemStore()
		sc, err := shuffle.New(cfg, shuffle.Options{
			MyRank:         r,
			WorldSize:      worldSize,
			Transport:      transports[r],
			Store:          stores[r],
			Metrics:        metrics,
			PlacerRegistry: placerRegistry,
		})
		checkErr(err)
		ctxs[r] = sc
	}
	ctx := context.Background()
	const epoch = uint32(0)
	for r := 0; r < worldSize; r++ {
		checkErr(ctxs[r].PreStartEpoch(ctx, epoch))
	}
	for r := 0; r < worldSize; r++ {
		checkErr(ctxs[r].StartEpoch(ctx, epoch))
	}
	barrierAll(ctx, fabrics)

	log.Info("starting synthetic epoch")
	startAt := time.Now()
	lastTime := startAt

	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0

	for r := 0; r < worldSize; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := make([]byte, idSize)
			data := make([]byte, dataSize)
			for i := 0; i < recordsPerRank; i++ {
				_, _ = rand.Read(id)
				checkErr(ctxs[r].Write(ctx, id, data, epoch))

				mu.Lock()
				written++
				n := written
				mu.Unlock()

				if n%batchSize == 0 {
					mem := getMemUsage()
					now := time.Now()
					took := now.Sub(lastTime)
					fmt.Printf(" | %7d records | %6d ms | %8d records/s | (%d/%d) MiB mem (sys) |\n",
						batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()),
						mem.Alloc/1024/1024, mem.Sys/1024/1024)
					lastTime = now
				}
			}
		}()
	}
	wg.Wait()
	barrierAll(ctx, fabrics)

	for r := 0; r < worldSize; r++ {
		checkErr(ctxs[r].EndEpoch(ctx, epoch))
	}

	doneAt := time.Now()
	took := doneAt.Sub(startAt)
	total := worldSize * recordsPerRank

	fmt.Println("==========================================")
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf(" total writes: %d\n", total)
	fmt.Printf("avg writes/s: %d\n", int(float64(total)/took.Seconds()))

	for r := 0; r < worldSize; r++ {
		c := ctxs[r].Counters()
		fmt.Printf("rank %d: local_sends=%d remote_sends=%d local_recvs=%d remote_recvs=%d records_stored=%d\n",
			r, c.LocalSends, c.RemoteSends, c.LocalRecvs, c.RemoteRecvs, stores[r].CountEpoch(epoch))
	}

	finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for r := 0; r < worldSize; r++ {
		checkErr(ctxs[r].Finalize(finalizeCtx))
	}
}

type memUsage struct {
	Alloc uint64
	Sys   uint64
}

func getMemUsage() memUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memUsage{Alloc: m.Alloc, Sys: m.Sys}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}

// buildTransports constructs one Transport per rank over a single
// shared, reference-counted NATS connection, selecting the adapter
// package named by cfg.Transport. All ranks live in this one process,
// but nn/xn still drive every send through a real NATS round trip
// exactly as they would across separate processes. Each rank's
// CommSplitByNode result seeds its bootstrap port offset; LocalFabric
// reports every rank on one simulated node, but a real multi-process
// fabric would not.
func buildTransports(ctx context.Context, cfg shuffle.Config, fabrics []*fabric.LocalFabric, queueCapacity int, m shuffle.ShuffleMetrics) []transport.Transport {
	world := len(fabrics)
	connect := natsconn.ReuseConnection(natsconn.ConnectDefault())
	out := make([]transport.Transport, world)
	for r := 0; r < world; r++ {
		nodeRank, nodeSize, err := fabrics[r].CommSplitByNode(ctx)
		checkErr(err)
		switch cfg.Transport {
		case shuffle.XN:
			t, err := xn.New(xn.Config{
				Connect:       connect,
				World:         world,
				Rank:          r,
				QueueCapacity: queueCapacity,
				RecvRadix:     cfg.RecvRadix,
				NodeRank:      nodeRank,
				NodeSize:      nodeSize,
				Metrics:       m,
			})
			checkErr(err)
			out[r] = t
		default:
			t, err := nn.New(nn.Config{
				Connect:       connect,
				World:         world,
				Rank:          r,
				QueueCapacity: queueCapacity,
				NodeRank:      nodeRank,
				NodeSize:      nodeSize,
				Metrics:       m,
			})
			checkErr(err)
			out[r] = t
		}
	}
	return out
}

// barrierAll calls Barrier on every rank's fabric concurrently; a
// cyclic barrier only releases once all ranks have entered it, so it
// cannot be driven from a single sequential loop.
func barrierAll(ctx context.Context, fabrics []*fabric.LocalFabric) {
	var wg sync.WaitGroup
	for _, f := range fabrics {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkErr(f.Barrier(ctx))
		}()
	}
	wg.Wait()
}
