// Package xn implements core/transport.Transport as a genuine
// multi-hop transport: senders never talk to a receiver's subject
// directly. They publish to a per-receiver forwarder-group subject,
// served by a NATS queue group so any live forwarder folding onto
// that receiver (per core/receiver.Mask) can pick up the work, and
// the forwarder that dequeues it re-publishes to the receiver's own
// direct subject, which only the receiver itself subscribes to.
package xn

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

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	natsconn "github.com/sakjain92/vpic-shuffle/adapters/nats"
	"github.com/sakjain92/vpic-shuffle/core/receiver"
	"github.com/sakjain92/vpic-shuffle/core/transport"
	"github.com/sakjain92/vpic-shuffle/internal/bootstrap"
)

// Config configures a Transport.
type Config struct {
	Connect       natsconn.Connector // default natsconn.ConnectDefault()
	Log           *slog.Logger
	SubjectPrefix string // default "shuffle-xn"
	World         int
	Rank          int
	QueueCapacity int

	// RecvRadix mirrors core/shuffle.Config.RecvRadix: it derives the
	// receiver mask that groups ranks into per-receiver forwarder
	// pools. Must agree with the value every other rank in the job was
	// built with.
	RecvRadix int

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

// Transport is one rank's XN endpoint. Every rank forwards for the
// receiver its own rank folds onto (mask.Fold(rank)); a rank that is
// itself a receiver additionally runs the terminal delivery callback
// for its own direct subject.
type Transport struct {
	nc      *natsgo.Conn
	closeNc func()
	log     *slog.Logger
	prefix  string
	world   int
	rank    int
	mask    receiver.Mask

	endpoint *bootstrap.Endpoint

	queue *transport.OutboundQueue

	mu   sync.RWMutex
	cb   transport.DeliveryFunc
	subs []*natsgo.Subscription

	errMu   sync.Mutex
	sendErr error // first delivery failure since the last EpochStart

	closed atomic.Bool
}

// wireMsg is the envelope carried on both hops: senders publish it to
// the forwarder-group subject, and a forwarder republishes the same
// message unchanged to the receiver's direct subject.
type wireMsg struct {
	Buf     []byte `json:"buf"`
	Src     int    `json:"src"`
	Dst     int    `json:"dst"`
	Epoch   uint32 `json:"epoch"`
	TraceID string `json:"trace_id"`
}

type ackMsg struct {
	Err string `json:"err,omitempty"`
}

// New connects, joins this rank's forwarder-group subscription for
// whichever receiver it folds onto, and, if this rank is itself a
// receiver, subscribes to its own direct subject to run the terminal
// delivery callback.
func New(cfg Config) (*Transport, error) {
	if cfg.World < 1 {
		return nil, fmt.Errorf("xn: World must be >= 1")
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return nil, fmt.Errorf("xn: Rank %d out of range [0,%d)", cfg.Rank, cfg.World)
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
		prefix = "shuffle-xn"
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, fmt.Errorf("xn: connect: %w", err)
	}

	nodeRank, nodeSize := cfg.NodeRank, cfg.NodeSize
	if nodeSize <= 0 {
		nodeRank, nodeSize = cfg.Rank, cfg.World
	}

	// As in adapters/nn, the bound endpoint is a Mercury-style advertised
	// address, not a hop the shuffle traffic itself takes. Port offsets
	// are keyed by node-local rank/size so ranks sharing a physical node
	// don't probe the same starting port.
	endpoint, err := bootstrap.Resolve(bootstrap.OptionsFromEnv(), nodeRank, nodeSize)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("xn: bootstrap: %w", err)
	}

	t := &Transport{
		nc:       nc,
		closeNc:  closeNc,
		log:      log.With(slog.String("transport", "xn"), slog.Int("rank", cfg.Rank)),
		prefix:   prefix,
		world:    cfg.World,
		rank:     cfg.Rank,
		mask:     receiver.NewMask(cfg.RecvRadix),
		endpoint: endpoint,
		queue:    transport.NewOutboundQueue(capacity),
	}
	t.queue.SetObserver(cfg.Metrics)

	myReceiver := t.mask.Fold(t.rank)
	fwdSub, err := nc.QueueSubscribe(t.forwarderSubject(myReceiver), t.forwarderGroup(myReceiver), t.onForwarderMessage)
	if err != nil {
		endpoint.Listener.Close()
		closeNc()
		return nil, fmt.Errorf("xn: forwarder queue subscribe: %w", err)
	}
	t.subs = append(t.subs, fwdSub)

	if t.mask.IsReceiver(t.rank) {
		directSub, err := nc.Subscribe(t.directSubject(t.rank), t.onDirectMessage)
		if err != nil {
			_ = fwdSub.Unsubscribe()
			endpoint.Listener.Close()
			closeNc()
			return nil, fmt.Errorf("xn: direct subscribe: %w", err)
		}
		t.subs = append(t.subs, directSub)
	}

	t.log.Info("xn: bound local endpoint", slog.String("uri", endpoint.URI))
	return t, nil
}

// LocalEndpoint returns the bootstrap-resolved address this rank
// advertised on construction.
func (t *Transport) LocalEndpoint() *bootstrap.Endpoint { return t.endpoint }

func (t *Transport) forwarderSubject(receiverRank int) string {
	return t.prefix + ".fwd." + strconv.Itoa(receiverRank)
}

func (t *Transport) forwarderGroup(receiverRank int) string {
	return t.prefix + "-forwarders-" + strconv.Itoa(receiverRank)
}

func (t *Transport) directSubject(receiverRank int) string {
	return t.prefix + ".direct." + strconv.Itoa(receiverRank)
}

// onForwarderMessage runs on whichever forwarder in the group dequeued
// the message: it re-publishes to the receiver's direct subject and
// waits for that hop's ack before acking the original sender.
func (t *Transport) onForwarderMessage(msg *natsgo.Msg) {
	var w wireMsg
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		t.log.Error("xn: decode forwarded message", slog.Any("error", err))
		return
	}

	ackErr := t.forward(w)

	if msg.Reply == "" {
		return
	}
	b, _ := json.Marshal(ackMsg{Err: ackErr})
	if err := t.nc.Publish(msg.Reply, b); err != nil {
		t.log.Error("xn: publish forwarder ack", slog.Any("error", err))
	}
}

// forward re-publishes w to its destination's direct subject and
// returns the string form of any error from that hop, empty on
// success.
func (t *Transport) forward(w wireMsg) string {
	payload, err := json.Marshal(w)
	if err != nil {
		return err.Error()
	}
	reply, err := t.nc.Request(t.directSubject(w.Dst), payload, requestTimeout)
	if err != nil {
		return err.Error()
	}
	var ack ackMsg
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return err.Error()
	}
	return ack.Err
}

// onDirectMessage runs only on the receiver that owns w.Dst: it is
// the terminal hop that invokes the registered delivery callback.
func (t *Transport) onDirectMessage(msg *natsgo.Msg) {
	var w wireMsg
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		t.log.Error("xn: decode direct message", slog.Any("error", err))
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
	} else {
		t.log.Debug("xn: delivered", slog.String("trace_id", w.TraceID))
	}

	if msg.Reply == "" {
		return
	}
	b, _ := json.Marshal(ackMsg{Err: ackErr})
	if err := t.nc.Publish(msg.Reply, b); err != nil {
		t.log.Error("xn: publish direct ack", slog.Any("error", err))
	}
}

// Enqueue queues buf for dst's forwarder-group subject and returns
// once it is accepted onto dst's outbound queue; it blocks only if that
// queue is full. dst is assumed already masked (core/shuffle folds
// through core/receiver.Mask before calling Enqueue), so dst is itself
// a receiver rank. The publish and its two-hop ack run later, off the
// queue's worker goroutine; a failure there surfaces from EpochEnd, not
// from this call.
func (t *Transport) Enqueue(ctx context.Context, buf []byte, dst int, epoch uint32) error {
	if t.closed.Load() {
		return &transport.Error{Op: "enqueue", Err: errors.New("transport closed")}
	}
	if dst < 0 || dst >= t.world {
		return &transport.Error{Op: "enqueue", Err: fmt.Errorf("dst %d out of range [0,%d)", dst, t.world)}
	}
	traceID, err := gonanoid.New(12)
	if err != nil {
		return &transport.Error{Op: "enqueue", Err: err}
	}
	return t.queue.Send(ctx, dst, func() error {
		payload, err := json.Marshal(wireMsg{Buf: buf, Src: t.rank, Dst: dst, Epoch: epoch, TraceID: traceID})
		if err != nil {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: err})
		}
		msg, err := t.nc.Request(t.forwarderSubject(dst), payload, requestTimeout)
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
// every Enqueue call accepted so far to finish propagating its ack
// back through both hops — then reports the first delivery failure
// observed, if any.
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

func (t *Transport) Destroy(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
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

// requestTimeout bounds both the sender's first-hop request to the
// forwarder-group subject and the forwarder's second-hop request to
// the receiver's direct subject. Neither inherits a caller context:
// the first hop runs off the outbound queue's worker goroutine after
// Enqueue has already returned, and the second runs from within the
// NATS client's own callback goroutine.
const requestTimeout = 10 * time.Second
