// Package natsfabric implements ports/fabric.Fabric over NATS core
// pub/sub: rank 0 acts as barrier leader, counting arrivals on a
// per-generation subject and broadcasting a release once every rank
// has checked in.
package natsfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	natsconn "github.com/sakjain92/vpic-shuffle/adapters/nats"
)

// Config configures a Fabric instance.
type Config struct {
	Connect       natsconn.Connector // required
	SubjectPrefix string             // default "shuffle.fabric"
	World         int                // required, world size
	Rank          int                // required, this rank's id
}

// Fabric implements ports/fabric.Fabric using one shared NATS
// connection reused across all ranks running in this process (tests
// typically run all ranks in one process against an embedded/test
// NATS server).
type Fabric struct {
	nc     *natsgo.Conn
	close  func()
	prefix string
	world  int
	rank   int

	gen atomic.Uint64

	// tally is only populated on rank 0: it counts arrivals per
	// generation. Subscribed once at construction so it can never miss
	// an arrival racing against a per-call subscribe.
	tallyMu sync.Mutex
	tally   map[uint64]map[int]struct{}
	tallySub *natsgo.Subscription
}

type arrival struct {
	Rank int `json:"rank"`
	Gen  uint64 `json:"gen"`
}

// New connects and returns a Fabric for one rank.
func New(cfg Config) (*Fabric, error) {
	if cfg.World < 1 {
		return nil, fmt.Errorf("natsfabric: World must be >= 1")
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return nil, fmt.Errorf("natsfabric: Rank %d out of range [0,%d)", cfg.Rank, cfg.World)
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "shuffle.fabric"
	}
	nc, closeFn, err := cfg.Connect()
	if err != nil {
		return nil, fmt.Errorf("natsfabric: connect: %w", err)
	}
	f := &Fabric{nc: nc, close: closeFn, prefix: prefix, world: cfg.World, rank: cfg.Rank}
	if f.rank == 0 {
		f.tally = make(map[uint64]map[int]struct{})
		sub, err := f.nc.Subscribe(f.arrivalsSubject(), f.onArrival)
		if err != nil {
			closeFn()
			return nil, fmt.Errorf("natsfabric: subscribe arrivals: %w", err)
		}
		f.tallySub = sub
	}
	return f, nil
}

// onArrival is rank 0's persistent arrivals handler, subscribed once
// at construction so it cannot race a Barrier call's own publish.
func (f *Fabric) onArrival(msg *natsgo.Msg) {
	var a arrival
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		return
	}
	f.tallyMu.Lock()
	set, ok := f.tally[a.Gen]
	if !ok {
		set = make(map[int]struct{}, f.world)
		f.tally[a.Gen] = set
	}
	set[a.Rank] = struct{}{}
	n := len(set)
	if n == f.world {
		delete(f.tally, a.Gen)
	}
	f.tallyMu.Unlock()
	if n == f.world {
		_ = f.nc.Publish(f.releaseSubject(a.Gen), nil)
	}
}

func (f *Fabric) WorldSize() int { return f.world }
func (f *Fabric) MyRank() int    { return f.rank }

func (f *Fabric) arrivalsSubject() string { return f.prefix + ".arrivals" }
func (f *Fabric) releaseSubject(gen uint64) string {
	return fmt.Sprintf("%s.release.%d", f.prefix, gen)
}

// Barrier blocks until every rank has called Barrier for this
// generation. Rank 0 tallies arrivals and republishes a release once
// the tally reaches World; every rank (including rank 0) waits on the
// release subject.
func (f *Fabric) Barrier(ctx context.Context) error {
	gen := f.gen.Add(1)

	releaseCh := make(chan *natsgo.Msg, 1)
	sub, err := f.nc.ChanSubscribe(f.releaseSubject(gen), releaseCh)
	if err != nil {
		return fmt.Errorf("natsfabric: subscribe release: %w", err)
	}
	defer sub.Unsubscribe()

	payload, err := json.Marshal(arrival{Rank: f.rank, Gen: gen})
	if err != nil {
		return err
	}
	if err := f.nc.Publish(f.arrivalsSubject(), payload); err != nil {
		return fmt.Errorf("natsfabric: publish arrival: %w", err)
	}

	select {
	case <-releaseCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommSplitByNode reports this rank's index and size within its
// node-local group. NATS carries no node-topology information, so
// this always reports the whole world as one node; callers that need
// real per-node grouping must supply node identity out of band.
func (f *Fabric) CommSplitByNode(context.Context) (int, int, error) {
	return f.rank, f.world, nil
}

// Close releases the underlying NATS connection.
func (f *Fabric) Close() error {
	if f.tallySub != nil {
		_ = f.tallySub.Unsubscribe()
	}
	f.close()
	return nil
}
