package ground

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/groundalign/internal/logger"
)

// FramePublisher delivers aligned frames and their diagnostics
type FramePublisher interface {
	PublishFrame(sensorID string, frame *Frame) error
	PublishDiagnostics(d *Diagnostics) error
}

// errNilFrame is returned for a missing frame
var errNilFrame = errors.New("nil frame")

// mailbox holds at most one pending frame; a newer frame replaces an
// unprocessed older one. Frames with a Seq at or below the last accepted
// one are refused. Seq 0 means unsequenced and is always accepted.
type mailbox struct {
	mu   sync.Mutex
	last uint64
	ch   chan *Frame
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan *Frame, 1)}
}

// put stores f and reports whether it was accepted and whether a pending
// frame was discarded for it
func (m *mailbox) put(f *Frame) (accepted, dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Seq != 0 {
		if f.Seq <= m.last {
			return false, false
		}
		m.last = f.Seq
	}
	// Only put sends, so the slot is free once drained
	select {
	case <-m.ch:
		dropped = true
	default:
	}
	m.ch <- f
	return true, dropped
}

type sensorWorker struct {
	cfg     SensorConfig
	aligner *Aligner
	box     *mailbox
}

// Pipeline aligns the frames of every configured sensor on its own goroutine
// and publishes the results
type Pipeline struct {
	runID     string
	report    bool
	workers   map[string]*sensorWorker
	order     []string
	publisher FramePublisher
	state     *StateTracker
}

// NewPipeline builds one aligner per sensor of cfg.
// publisher may be nil to align without publishing.
func NewPipeline(cfg *Config, publisher FramePublisher, state *StateTracker) (*Pipeline, error) {
	if state == nil {
		state = NewStateTracker()
	}
	p := &Pipeline{
		runID:     NewRunID(),
		report:    cfg.ReportDiagnostics,
		workers:   make(map[string]*sensorWorker, len(cfg.Sensors)),
		publisher: publisher,
		state:     state,
	}

	for _, sc := range cfg.Sensors {
		ac, err := cfg.AlignerConfig(sc)
		if err != nil {
			return nil, err
		}
		al, err := NewAligner(ac)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sc.ID, err)
		}
		p.workers[sc.ID] = &sensorWorker{cfg: sc, aligner: al, box: newMailbox()}
		p.order = append(p.order, sc.ID)
		state.Register(sc.ID)
	}
	return p, nil
}

// RunID identifies this pipeline in diagnostics
func (p *Pipeline) RunID() string {
	return p.runID
}

// State returns the tracker fed by the pipeline
func (p *Pipeline) State() *StateTracker {
	return p.state
}

// HandleFrame queues a received frame; it matches FrameHandler and never blocks
func (p *Pipeline) HandleFrame(sensorID string, frame *Frame, err error) {
	ctx := logger.WithKV(context.Background(), "sensor", sensorID)
	w, ok := p.workers[sensorID]
	if !ok {
		logger.Warnf(ctx, "[ALIGN] frame for unknown sensor %q ignored", sensorID)
		return
	}

	p.state.RecordReceived(sensorID)
	if err != nil {
		logger.ErrorKV(ctx, "[ALIGN] frame rejected", "kind", ErrorKind(err), "error", err)
		p.state.RecordFailure(sensorID, err)
		return
	}
	if frame == nil {
		logger.Warnf(ctx, "[ALIGN] nil frame ignored")
		p.state.RecordFailure(sensorID, &FrameError{SensorID: sensorID, Err: errNilFrame})
		return
	}

	accepted, dropped := w.box.put(frame)
	if !accepted {
		p.state.RecordDropped(sensorID)
		logger.DebugKV(ctx, "[ALIGN] stale frame discarded", "frame", frame.ID, "seq", frame.Seq)
		return
	}
	if dropped {
		p.state.RecordDropped(sensorID)
		logger.DebugKV(ctx, "[ALIGN] superseded pending frame", "frame", frame.ID)
	}
}

// Run processes queued frames until ctx is done
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range p.order {
		w := p.workers[id]
		g.Go(func() error {
			wctx := logger.WithKV(ctx, "sensor", id)
			logger.DebugKV(wctx, "[ALIGN] worker started")
			for {
				select {
				case <-ctx.Done():
					return nil
				case frame := <-w.box.ch:
					p.process(wctx, w, frame)
				}
			}
		})
	}
	return g.Wait()
}

// Process aligns one frame synchronously, records it and publishes it
func (p *Pipeline) Process(ctx context.Context, sensorID string, frame *Frame) (*Result, error) {
	w, ok := p.workers[sensorID]
	if !ok {
		return nil, fmt.Errorf("unknown sensor %q", sensorID)
	}
	if frame == nil {
		return nil, &FrameError{SensorID: sensorID, Err: errNilFrame}
	}
	return p.process(logger.WithKV(ctx, "sensor", sensorID), w, frame)
}

func (p *Pipeline) process(ctx context.Context, w *sensorWorker, frame *Frame) (*Result, error) {
	id := w.cfg.ID
	var frameID string
	if frame != nil {
		frameID = frame.ID
	}

	res, err := w.aligner.Align(frame)
	if err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			fe.SensorID = id
		} else {
			err = &FrameError{SensorID: id, FrameID: frameID, Err: err}
		}
		logger.ErrorKV(ctx, "[ALIGN] frame failed", "frame", frameID, "kind", ErrorKind(err), "error", err)
		p.state.RecordFailure(id, err)
		return nil, err
	}

	diag := NewDiagnostics(p.runID, id, frame, res)
	p.state.RecordAligned(id, res.Frame, diag)

	if p.report {
		logger.InfoKV(ctx, "[ALIGN] diagnostics", diag.LogFields()...)
	}

	if p.publisher == nil {
		return res, nil
	}
	if err := p.publisher.PublishFrame(id, res.Frame); err != nil {
		logger.WarnKV(ctx, "[ALIGN] publish failed", "frame", res.Frame.ID, "error", err)
		return res, nil
	}
	if p.report {
		if err := p.publisher.PublishDiagnostics(diag); err != nil {
			logger.WarnKV(ctx, "[ALIGN] diagnostics publish failed", "error", err)
		}
	}
	return res, nil
}
