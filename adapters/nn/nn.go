// Package nn implements core/transport.Transport as a point-to-point
// mesh over NATS core pub/sub: every rank subscribes to its own subject
// and a send is a request/reply round trip to the destination's
// subject, run asynchronously off the outbound queue. Enqueue returns
// once buf is queued; EpochEnd drains every destination's queue and
// surfaces the first delivery failure observed since the last
// EpochStart.
package nn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	natsconn "github.com/sakjain92/vpic-shuffle/adapters/nats"
	"github.com/sakjain92/vpic-shuffle/core/transport"
	"github.com/sakjain92/vpic-shuffle/internal/bootstrap"
)

// Config configures a Transport.
type Config struct {
	Connect       natsconn.Connector // default natsconn.ConnectDefault()
	Log           *slog.Logger
	SubjectPrefix string // default "shuffle"
	World         int
	Rank          int
	QueueCapacity int // per-destination outbound queue depth

	// NodeRank/NodeSize give this rank's position within the set of
	// ranks sharing its physical node (e.g. from
	// ports/fabric.Fabric.CommSplitByNode), used to offset the bound
	// bootstrap port so co-located ranks don't collide. NodeSize <= 0
	// defaults to treating every rank as its own node (NodeRank=Rank,
	// NodeSize=World).
	NodeRank int
	NodeSize int

	// Metrics, if set, is told the outbound queue depth for a
	// destination before every send to it.
	Metrics transport.DepthObserver
}

// Transport is one rank's NN endpoint.
type Transport struct {
	nc      *natsgo.Conn
	closeNc func()
	log     *slog.Logger
	prefix  string
	world   int
	rank    int

	endpoint *bootstrap.Endpoint

	queue *transport.OutboundQueue

	mu  sync.RWMutex
	cb  transport.DeliveryFunc
	sub *natsgo.Subscription

	errMu   sync.Mutex
	sendErr error // first delivery failure since the last EpochStart

	closed atomic.Bool
}

// sendTimeout bounds the async delivery round trip Enqueue queues; it
// cannot use the caller's context because Enqueue has already returned
// by the time the queue worker runs it.
const sendTimeout = 10 * time.Second

type wireMsg struct {
	Buf   []byte `json:"buf"`
	Src   int    `json:"src"`
	Dst   int    `json:"dst"`
	Epoch uint32 `json:"epoch"`
}

// ackMsg is the reply to a delivery request: an empty Err means the
// destination's callback accepted the buffer.
type ackMsg struct {
	Err string `json:"err,omitempty"`
}

// New connects and subscribes this rank's subject.
func New(cfg Config) (*Transport, error) {
	if cfg.World < 1 {
		return nil, fmt.Errorf("nn: World must be >= 1")
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return nil, fmt.Errorf("nn: Rank %d out of range [0,%d)", cfg.Rank, cfg.World)
	}
	connFn := cfg.Connect
	if connFn == nil {
		connFn = natsconn.ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "shuffle"
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, fmt.Errorf("nn: connect: %w", err)
	}

	nodeRank, nodeSize := cfg.NodeRank, cfg.NodeSize
	if nodeSize <= 0 {
		nodeRank, nodeSize = cfg.Rank, cfg.World
	}

	// The bound endpoint carries no shuffle traffic (that flows over
	// nc); it advertises this rank's address the way the underlying
	// Mercury-style RPC layer would, for peers or tooling that need to
	// reach this rank directly rather than through the message bus.
	// Port offsets are keyed by node-local rank/size so ranks sharing a
	// physical node don't probe the same starting port.
	endpoint, err := bootstrap.Resolve(bootstrap.OptionsFromEnv(), nodeRank, nodeSize)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nn: bootstrap: %w", err)
	}

	t := &Transport{
		nc:       nc,
		closeNc:  closeNc,
		log:      log.With(slog.String("transport", "nn"), slog.Int("rank", cfg.Rank)),
		prefix:   prefix,
		world:    cfg.World,
		rank:     cfg.Rank,
		endpoint: endpoint,
		queue:    transport.NewOutboundQueue(capacity),
	}
	t.queue.SetObserver(cfg.Metrics)

	sub, err := nc.Subscribe(t.subject(t.rank), t.onMessage)
	if err != nil {
		endpoint.Listener.Close()
		closeNc()
		return nil, fmt.Errorf("nn: subscribe: %w", err)
	}
	t.sub = sub

	t.log.Info("nn: bound local endpoint", slog.String("uri", endpoint.URI))
	return t, nil
}

// LocalEndpoint returns the bootstrap-resolved address this rank
// advertised on construction.
func (t *Transport) LocalEndpoint() *bootstrap.Endpoint { return t.endpoint }

func (t *Transport) subject(rank int) string {
	return t.prefix + ".rank." + strconv.Itoa(rank)
}

func (t *Transport) onMessage(msg *natsgo.Msg) {
	var w wireMsg
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		t.log.Error("nn: decode wire message", slog.Any("error", err))
		return
	}

	t.mu.RLock()
	cb := t.cb
	t.mu.RUnlock()

	var ackErr string
	if cb == nil {
		ackErr = "no delivery callback registered"
	} else if err := cb(context.Background(), w.Buf, w.Src, w.Dst, w.Epoch); err != nil {
		ackErr = err.Error()
	}

	if msg.Reply == "" {
		return
	}
	b, _ := json.Marshal(ackMsg{Err: ackErr})
	if err := t.nc.Publish(msg.Reply, b); err != nil {
		t.log.Error("nn: publish ack", slog.Any("error", err))
	}
}

// Enqueue queues buf for delivery to dst and returns once it is
// accepted onto dst's outbound queue; it blocks only if that queue is
// full. The actual publish/ack round trip to dst's subject runs later,
// off the queue's worker goroutine: a failure there does not surface
// from this call, only from the next EpochEnd.
func (t *Transport) Enqueue(ctx context.Context, buf []byte, dst int, epoch uint32) error {
	if t.closed.Load() {
		return &transport.Error{Op: "enqueue", Err: errors.New("transport closed")}
	}
	if dst < 0 || dst >= t.world {
		return &transport.Error{Op: "enqueue", Err: fmt.Errorf("dst %d out of range [0,%d)", dst, t.world)}
	}
	return t.queue.Send(ctx, dst, func() error {
		payload, err := json.Marshal(wireMsg{Buf: buf, Src: t.rank, Dst: dst, Epoch: epoch})
		if err != nil {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: err})
		}
		msg, err := t.nc.Request(t.subject(dst), payload, sendTimeout)
		if err != nil {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: err})
		}
		var ack ackMsg
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: err})
		}
		if ack.Err != "" {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: errors.New(ack.Err)})
		}
		return nil
	})
}

// recordSendErr keeps the first delivery error seen since the last
// EpochStart and returns it unchanged, so it can sit directly in a
// `return t.recordSendErr(err)` at each Enqueue failure site.
func (t *Transport) recordSendErr(err error) error {
	t.errMu.Lock()
	if t.sendErr == nil {
		t.sendErr = err
	}
	t.errMu.Unlock()
	return err
}

func (t *Transport) takeSendErr() error {
	t.errMu.Lock()
	err := t.sendErr
	t.sendErr = nil
	t.errMu.Unlock()
	return err
}

// EpochStart clears any delivery error left over from a prior epoch.
func (t *Transport) EpochStart(context.Context, uint32) error {
	t.takeSendErr()
	return nil
}

// EpochEnd drains every destination's outbound queue — waiting for
// every Enqueue call accepted so far to finish its publish/ack round
// trip — then reports the first delivery failure observed, if any.
func (t *Transport) EpochEnd(ctx context.Context, _ uint32) error {
	if err := t.queue.Drain(ctx); err != nil {
		return &transport.Error{Op: "epoch_end", Err: err}
	}
	return t.takeSendErr()
}

func (t *Transport) WorldSize() int { return t.world }
func (t *Transport) MyRank() int    { return t.rank }

func (t *Transport) RegisterDelivery(fn transport.DeliveryFunc) {
	t.mu.Lock()
	t.cb = fn
	t.mu.Unlock()
}

// Destroy unsubscribes, drains the outbound queue, and closes the
// NATS connection.
func (t *Transport) Destroy(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.endpoint != nil {
		_ = t.endpoint.Listener.Close()
	}
	drainErr := t.queue.Drain(ctx)
	t.queue.Close()
	t.closeNc()
	if drainErr != nil {
		return &transport.Error{Op: "destroy", Err: drainErr}
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
