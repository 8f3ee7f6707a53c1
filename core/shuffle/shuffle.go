// Package shuffle is the dispatcher: it turns Write/Handle calls into
// placement decisions, envelope encoding, and either a local storage
// call or a transport enqueue, and drives the per-rank epoch state
// machine around them.
package shuffle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakjain92/vpic-shuffle/core/envelope"
	"github.com/sakjain92/vpic-shuffle/core/epoch"
	"github.com/sakjain92/vpic-shuffle/core/placement"
	"github.com/sakjain92/vpic-shuffle/core/receiver"
	"github.com/sakjain92/vpic-shuffle/core/transport"
)

// ShuffleCtx is per-process layer state, created once by New and torn
// down once by Finalize. It is immutable after New except for the
// epoch controller's stage and the pause gate.
type ShuffleCtx struct {
	cfg    Config
	myRank int
	world  int

	shape  envelope.Shape
	placer placement.Placer
	mask   receiver.Mask

	transport transport.Transport
	store     Storage
	epoch     *epoch.Controller
	metrics   ShuffleMetrics
	telemetry *Telemetry
	writeSeq  uint64

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	lastHandleMu sync.Mutex
	lastHandle   time.Time
}

// Options bundles the collaborators New needs beyond Config.
type Options struct {
	MyRank    int
	WorldSize int
	Transport transport.Transport
	Store     Storage
	Metrics   ShuffleMetrics // defaults to NopShuffleMetrics

	// PlacerRegistry, if set, is used to build this context's Placer
	// instead of calling placement.New directly. Callers that build
	// several ShuffleCtx instances in one process against identical
	// placement parameters (same protocol, world size, virtual factor)
	// should share one Registry across them so the ring is built once
	// instead of once per rank.
	PlacerRegistry *placement.Registry
}

// New builds a ShuffleCtx. It validates cfg, constructs the Placer
// (unless BypassPlacement is set, in which case placement.BypassTarget
// is used inline instead), builds the receiver mask, and registers
// this context's Handle as the transport's delivery callback.
func New(cfg Config, opts Options) (*ShuffleCtx, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.WorldSize < 1 {
		return nil, &ConfigError{Reason: "WorldSize must be >= 1"}
	}
	if opts.MyRank < 0 || opts.MyRank >= opts.WorldSize {
		return nil, &ConfigError{Reason: "MyRank out of range"}
	}
	if opts.Transport == nil {
		return nil, &ConfigError{Reason: "Options.Transport is required"}
	}
	if opts.Store == nil {
		return nil, &ConfigError{Reason: "Options.Store is required"}
	}

	shape := envelope.Shape{F: cfg.F, D: cfg.D, E: cfg.E}
	if err := shape.Validate(); err != nil {
		return nil, &ConfigError{Reason: "invalid envelope shape", Err: err}
	}

	var placer placement.Placer
	if !cfg.BypassPlacement {
		placerOpts := placement.Options{
			Protocol:      cfg.PlacementProtocol,
			WorldSize:     opts.WorldSize,
			VirtualFactor: cfg.VirtualFactor,
		}
		var p placement.Placer
		var err error
		if opts.PlacerRegistry != nil {
			p, err = opts.PlacerRegistry.NewPlacer(placerOpts)
		} else {
			p, err = placement.New(placerOpts)
		}
		if err != nil {
			return nil, &ConfigError{Reason: "placement", Err: err}
		}
		placer = p
	}

	m := opts.Metrics
	if m == nil {
		m = NopShuffleMetrics()
	}

	sc := &ShuffleCtx{
		cfg:       cfg,
		myRank:    opts.MyRank,
		world:     opts.WorldSize,
		shape:     shape,
		placer:    placer,
		mask:      receiver.NewMask(cfg.RecvRadix),
		transport: opts.Transport,
		store:     opts.Store,
		epoch:     epoch.New(epoch.Options{PreBarrier: cfg.PreBarrier, PostBarrier: cfg.PostBarrier}),
		metrics:   m,
		telemetry: newTelemetry(),
		resume:    closedChan(),
	}
	opts.Transport.RegisterDelivery(sc.Handle)
	return sc, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MyRank and WorldSize report this context's static topology.
func (s *ShuffleCtx) MyRank() int    { return s.myRank }
func (s *ShuffleCtx) WorldSize() int { return s.world }

// EpochStage reports the current epoch stage.
func (s *ShuffleCtx) EpochStage() epoch.Stage { return s.epoch.Stage() }

// target computes the masked destination rank for id.
func (s *ShuffleCtx) target(id []byte) int {
	if s.world == 1 {
		return s.myRank
	}
	var raw int
	if s.cfg.BypassPlacement {
		raw = placement.BypassTarget(id, s.world)
	} else {
		raw = s.placer.Target(id)
	}
	return s.mask.Fold(raw)
}

// Write is shuffle_write: validate, encode, route, and either write
// locally (fast path) or enqueue on the transport.
func (s *ShuffleCtx) Write(ctx context.Context, id, data []byte, ep uint32) error {
	if err := s.waitResumed(ctx); err != nil {
		return err
	}
	if err := s.epoch.CheckWrite(); err != nil {
		return &StateError{Reason: err.Error()}
	}
	if len(id) != s.shape.F {
		return &ProtocolError{Reason: "id length mismatch"}
	}
	if len(data) != s.shape.D {
		return &ProtocolError{Reason: "data length mismatch"}
	}

	buf := make([]byte, s.shape.Size())
	enc, err := s.shape.Encode(id, data, buf)
	if err != nil {
		return &ProtocolError{Reason: "encode", Err: err}
	}
	s.maybeSample(id)

	dst := s.target(id)

	if dst == s.myRank && !s.cfg.ForceRPC {
		if err := s.store.NativeWrite(ctx, id, data, ep); err != nil {
			s.metrics.WriteError("store")
			return err
		}
		s.epoch.AddLocalSend()
		s.metrics.LocalSend()
		s.metrics.LocalSendBytes(len(enc))
		return nil
	}

	if err := s.transport.Enqueue(ctx, enc, dst, ep); err != nil {
		s.metrics.WriteError("transport")
		return &TransportError{Op: "enqueue", Err: err}
	}
	s.epoch.AddRemoteSend()
	s.metrics.RemoteSend()
	s.metrics.RemoteSendBytes(len(enc))
	return nil
}

// Handle is the receive-side callback: decode and hand off to
// ExoticWrite. Registered with the transport by New; not normally
// called directly except by tests exercising it in isolation.
func (s *ShuffleCtx) Handle(ctx context.Context, buf []byte, src, dst int, ep uint32) error {
	timer := s.metrics.HandoffInterval()
	defer timer.ObserveDuration()
	s.markHandle()

	if len(buf) != s.shape.Size() {
		s.metrics.HandleError("length")
		return &ProtocolError{Reason: "envelope length mismatch"}
	}
	id, data, err := s.shape.Decode(buf)
	if err != nil {
		s.metrics.HandleError("decode")
		return &ProtocolError{Reason: "decode", Err: err}
	}
	if err := s.store.ExoticWrite(ctx, id, data, ep); err != nil {
		s.metrics.HandleError("store")
		return err
	}
	if src == s.myRank {
		s.epoch.AddLocalRecv()
		s.metrics.LocalRecv()
		s.metrics.LocalRecvBytes(len(buf))
	} else {
		s.epoch.AddRemoteRecv()
		s.metrics.RemoteRecv()
		s.metrics.RemoteRecvBytes(len(buf))
	}
	return nil
}

func (s *ShuffleCtx) markHandle() {
	s.lastHandleMu.Lock()
	s.lastHandle = time.Now()
	s.lastHandleMu.Unlock()
}

// PreStartEpoch, StartEpoch and EndEpoch drive the epoch state
// machine and the underlying transport's own epoch signals together.
// Callers issue collective barriers around EndEpoch according to
// epoch.Options (Config.PreBarrier / Config.PostBarrier); the shuffle
// layer itself only guarantees the per-rank property.
func (s *ShuffleCtx) PreStartEpoch(ctx context.Context, ep uint32) error {
	return s.epoch.PreStart(ep)
}

func (s *ShuffleCtx) StartEpoch(ctx context.Context, ep uint32) error {
	if err := s.epoch.Start(ep); err != nil {
		return err
	}
	if err := s.transport.EpochStart(ctx, ep); err != nil {
		return &TransportError{Op: "epoch_start", Err: err}
	}
	s.metrics.EpochStarted()
	return nil
}

func (s *ShuffleCtx) EndEpoch(ctx context.Context, ep uint32) error {
	if err := s.epoch.BeginEnd(); err != nil {
		return err
	}
	if err := s.transport.EpochEnd(ctx, ep); err != nil {
		return &TransportError{Op: "epoch_end", Err: err}
	}
	if err := s.epoch.Close(); err != nil {
		return err
	}
	s.metrics.EpochEnded()
	return nil
}

// Counters returns a snapshot of the current epoch's counters.
func (s *ShuffleCtx) Counters() epoch.Counters { return s.epoch.Snapshot() }

// Telemetry returns the diagnostic sampled-id ring buffer. Empty
// unless Config.Testing.SampleRate is set.
func (s *ShuffleCtx) Telemetry() *Telemetry { return s.telemetry }

// maybeSample records id into the telemetry ring buffer for 1 in
// SampleRate writes. A no-op when sampling is disabled.
func (s *ShuffleCtx) maybeSample(id []byte) {
	rate := s.cfg.Testing.SampleRate
	if rate <= 0 {
		return
	}
	n := atomic.AddUint64(&s.writeSeq, 1)
	if n%uint64(rate) == 0 {
		s.telemetry.record(id)
	}
}

// Finalize sleeps FinalizePauseS seconds to let peers finish, then
// destroys the transport, which drains its outbound queue and releases
// it. A ctx cancelled during the pause cuts the pause short; the
// transport is still destroyed and ctx's error is returned. It is the
// only teardown; ShuffleCtx must not be used afterward.
func (s *ShuffleCtx) Finalize(ctx context.Context) error {
	var pauseErr error
	if s.cfg.FinalizePauseS > 0 {
		select {
		case <-time.After(time.Duration(s.cfg.FinalizePauseS) * time.Second):
		case <-ctx.Done():
			pauseErr = ctx.Err()
		}
	}
	if err := s.transport.Destroy(ctx); err != nil {
		return &TransportError{Op: "destroy", Err: err}
	}
	return pauseErr
}

// Pause blocks all subsequent Write calls until Resume is called.
// In-flight Write calls are not interrupted. Grounded on the same
// pause/resume shape as an actor's control loop, but expressed as a
// gate rather than a control-message queue since ShuffleCtx has no
// single serialized goroutine to pause.
func (s *ShuffleCtx) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resume = make(chan struct{})
}

// Resume releases writers blocked in Pause.
func (s *ShuffleCtx) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resume)
}

func (s *ShuffleCtx) waitResumed(ctx context.Context) error {
	s.pauseMu.Lock()
	ch := s.resume
	s.pauseMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
