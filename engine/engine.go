package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	iface "GroundingDet/interface"
	"GroundingDet/logger"
	"GroundingDet/monitor"
	"GroundingDet/postprocess"
)

// room for every transition of a run plus its terminal update
const updateBuffer = 16

var tracer = otel.Tracer("GroundingDet/engine")

// Orchestrator sequences upload, invoke, poll, decode, filter and project for
// one request at a time. Starting a request cancels the one in flight.
type Orchestrator struct {
	uploader   iface.Uploader
	invoker    iface.Invoker
	poller     iface.Poller
	decoder    *postprocess.Decoder
	visualizer iface.Visualizer
	log        *zap.Logger

	mu      sync.Mutex
	current *run
}

type Option func(*Orchestrator)

func WithDecoder(d *postprocess.Decoder) Option {
	return func(o *Orchestrator) { o.decoder = d }
}

func WithVisualizer(v iface.Visualizer) Option {
	return func(o *Orchestrator) { o.visualizer = v }
}

// WithLogger replaces the span-aware service logger used for each run.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func New(uploader iface.Uploader, invoker iface.Invoker, poller iface.Poller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		uploader: uploader,
		invoker:  invoker,
		poller:   poller,
		decoder:  postprocess.NewDecoder(""),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run holds the request-scoped state of one invocation.
type run struct {
	id     string
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	log    *zap.Logger

	mu      sync.Mutex
	updates chan Update
	last    Update
	done    bool
}

func (r *run) emit(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	u := Update{RequestID: r.id, State: state, At: time.Now()}
	r.last = u
	select {
	case r.updates <- u:
	default:
	}
	r.log.Info("state", zap.Stringer("state", state))
	return true
}

// finish publishes the terminal update once; later calls report false.
func (r *run) finish(u Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	r.last = u
	select {
	case r.updates <- u:
	default:
	}
	close(r.updates)
	r.cancel()
	return true
}

func (r *run) snapshot() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start begins a new request and returns its id and update stream. Any run
// still in flight is first moved to Failed(Cancelled); its later results are
// discarded. The stream is closed after the terminal update.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, <-chan Update) {
	id := uuid.NewString()
	rctx, cancel := context.WithCancel(ctx)
	rctx, span := tracer.Start(rctx, "pipeline.run", trace.WithAttributes(attribute.String("request.id", id)))
	log := o.log
	if log == nil {
		log = logger.WithSpan(rctx)
	}
	r := &run{
		id:      id,
		req:     req,
		ctx:     rctx,
		cancel:  cancel,
		span:    span,
		log:     log.With(zap.String("request_id", id)),
		updates: make(chan Update, updateBuffer),
		last:    Update{RequestID: id, State: Idle, At: time.Now()},
	}

	o.mu.Lock()
	if prev := o.current; prev != nil {
		o.abort(prev, "superseded")
	}
	o.current = r
	o.mu.Unlock()

	if err := req.Validate(); err != nil {
		o.fail(r, err)
		span.End()
		return id, r.updates
	}
	go o.execute(r)
	return id, r.updates
}

// Cancel moves the current run, if still active, to Failed(Cancelled).
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.abort(o.current, "cancelled by caller")
	}
}

// Status returns the latest update of the current run, or an Idle update when
// nothing has been started.
func (o *Orchestrator) Status() Update {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return Update{State: Idle, At: time.Now()}
	}
	return r.snapshot()
}

func (o *Orchestrator) abort(r *run, reason string) {
	if r.finish(failedUpdate(r.id, iface.NewError(iface.KindCancelled, "%s", reason))) {
		r.log.Warn("request cancelled", zap.String("reason", reason))
		monitor.RequestsTotal.WithLabelValues(iface.KindCancelled.String()).Inc()
	}
}

func (o *Orchestrator) fail(r *run, err error) {
	if r.finish(failedUpdate(r.id, err)) {
		fields := []zap.Field{zap.Stringer("kind", iface.KindOf(err)), zap.Error(err)}
		var pe *iface.PipelineError
		if errors.As(err, &pe) && pe.Status != 0 {
			fields = append(fields, zap.Int("status", pe.Status))
		}
		r.log.Error("request failed", fields...)
		monitor.RequestsTotal.WithLabelValues(iface.KindOf(err).String()).Inc()
	}
}

func (o *Orchestrator) complete(r *run, set *iface.DetectionSet) {
	o.mu.Lock()
	finished := o.current == r && r.finish(Update{RequestID: r.id, State: Completed, At: time.Now(), Set: set})
	o.mu.Unlock()
	if !finished {
		return
	}
	r.log.Info("request completed", zap.Int("detections", len(set.Records)))
	monitor.RequestsTotal.WithLabelValues("completed").Inc()
	monitor.DetectionsTotal.Add(float64(len(set.Records)))
	if o.visualizer != nil {
		o.visualizer.Present(*set)
	}
}

func (o *Orchestrator) execute(r *run) {
	defer r.span.End()
	defer func() {
		if p := recover(); p != nil {
			o.fail(r, iface.NewError(iface.KindInternal, "panic: %v", p))
		}
	}()

	set, err := o.pipeline(r.ctx, r)
	if err != nil {
		r.span.SetAttributes(attribute.String("error.kind", iface.KindOf(err).String()))
		o.fail(r, err)
		return
	}
	o.complete(r, set)
}

// stage emits state, then runs fn inside a child span. It refuses to start
// once the run has been cancelled or finished.
func (o *Orchestrator) stage(ctx context.Context, r *run, state State, fn func(context.Context) error) error {
	if err := r.ctx.Err(); err != nil {
		return iface.WrapError(iface.KindCancelled, err, "request cancelled")
	}
	if !r.emit(state) {
		return iface.NewError(iface.KindCancelled, "request already finished")
	}
	sctx, span := tracer.Start(ctx, "stage."+state.String(), trace.WithAttributes(attribute.String("stage", state.String())))
	defer span.End()
	start := time.Now()
	err := fn(sctx)
	monitor.StageSeconds.WithLabelValues(state.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// mark emits a state that has no work attached.
func (o *Orchestrator) mark(r *run, state State) error {
	return o.stage(r.ctx, r, state, func(context.Context) error { return nil })
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) (*iface.DetectionSet, error) {
	req := r.req

	var asset iface.AssetHandle
	err := o.stage(ctx, r, UploadingAsset, func(ctx context.Context) error {
		var err error
		asset, err = o.uploader.Upload(ctx, req.Image)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := o.mark(r, Uploaded); err != nil {
		return nil, err
	}

	var outcome iface.InvokeOutcome
	err = o.stage(ctx, r, Invoking, func(ctx context.Context) error {
		var err error
		outcome, err = o.invoker.Invoke(ctx, asset, req.Prompt, req.ServerThreshold)
		return err
	})
	if err != nil {
		return nil, err
	}

	var raw iface.RawResult
	switch outcome.Kind {
	case iface.OutcomeImmediate:
		if err := o.mark(r, DirectResult); err != nil {
			return nil, err
		}
		raw = outcome.Result
	case iface.OutcomeAccepted:
		err = o.stage(ctx, r, Polling, func(ctx context.Context) error {
			var err error
			raw, err = o.poller.Poll(ctx, outcome.Ticket, req.Poll.IntervalSeconds, req.Poll.MaxAttempts)
			return err
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, iface.NewError(iface.KindInvokeProtocol, "unknown invoke outcome %d", outcome.Kind)
	}

	var payload iface.DetectionPayload
	err = o.stage(ctx, r, Decoding, func(context.Context) error {
		var err error
		payload, err = o.decoder.Decode(raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	var records []iface.DetectionRecord
	err = o.stage(ctx, r, Filtering, func(context.Context) error {
		records = postprocess.Filter(payload, req.Threshold)
		return nil
	})
	if err != nil {
		return nil, err
	}

	set := &iface.DetectionSet{
		RequestID: r.id,
		Source:    req.Image.Size(),
		Image:     req.Image.Data,
		Records:   records,
	}
	err = o.stage(ctx, r, Projecting, func(context.Context) error {
		set.Overlay, set.Anchors = postprocess.Project(records, set.Source, req.Projection)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}
