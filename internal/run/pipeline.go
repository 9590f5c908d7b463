package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/daq"
	"github.com/coldlab-data/fountain/internal/db"
	"github.com/coldlab-data/fountain/internal/monitoring"
	"github.com/coldlab-data/fountain/internal/seq"
	"github.com/coldlab-data/fountain/internal/store"
	"github.com/coldlab-data/fountain/internal/sweep"
	"github.com/coldlab-data/fountain/internal/vcd"
)

// Preparer readies the timing hardware for one step and reports the
// measured launch-to-trigger delay in seconds.
type Preparer interface {
	Prepare(ctx context.Context, params sweep.StepParams) (float64, error)
}

// SeqPreparer renders the sequence for the step's parameters, compiles the
// timing trace, measures the delay from it and fires the sequencer.
type SeqPreparer struct {
	Cfg   *config.RunConfig
	Tools *seq.Toolchain
}

func (sp *SeqPreparer) Prepare(ctx context.Context, params sweep.StepParams) (float64, error) {
	seqPath := sp.Cfg.GetSequencePath()
	if err := seq.RenderSequence(sp.Cfg.GetTemplatePath(), seqPath, params.Ordered); err != nil {
		return 0, err
	}

	vcdPath := sp.Cfg.GetVCDPath()
	if err := sp.Tools.CompileTrace(ctx, seqPath, vcdPath); err != nil {
		return 0, err
	}

	f, err := os.Open(vcdPath)
	if err != nil {
		return 0, fmt.Errorf("open compiled trace: %w", err)
	}
	delay, err := vcd.Delay(f, sp.Cfg.GetLaunchSignal(), sp.Cfg.GetTriggerSignal())
	f.Close()
	if err != nil {
		return 0, err
	}

	if err := sp.Tools.RunSequence(ctx, seqPath); err != nil {
		return 0, err
	}
	return delay, nil
}

// shot crosses the producer/consumer queue: one armed acquisition, or a
// producer-side failure that still needs a results row.
type shot struct {
	params  sweep.StepParams
	handle  daq.Handle
	delay   float64
	failure string
}

// Pipeline executes one run. Construct via Manager.Start.
type Pipeline struct {
	cfg      *config.RunConfig
	backend  daq.Backend
	prep     Preparer
	analyzer Analyzer
	index    *db.DB // nil disables indexing
	run      *store.Run
	uuid     string
	steps    []sweep.StepParams
	bc       *broadcaster

	abort atomic.Bool
	done  chan struct{}

	mu     sync.Mutex
	state  State
	step   int
	errMsg string
}

// Abort requests a cooperative stop: the producer fires no more steps and
// the consumer drains what is already armed or queued, so every triggered
// shot is still persisted.
func (p *Pipeline) Abort() {
	p.abort.Store(true)
}

// Done closes when the run has sealed.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:   p.state,
		RunUUID: p.uuid,
		RunID:   p.run.ID,
		Step:    p.step,
		Total:   len(p.steps),
		Error:   p.errMsg,
	}
}

func (p *Pipeline) setFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errMsg == "" {
		p.errMsg = err.Error()
	}
}

// execute runs the producer and consumer to completion and seals the run.
func (p *Pipeline) execute(ctx context.Context) {
	defer close(p.done)

	queue := make(chan shot, p.cfg.GetQueueCapacity())
	var producerWG sync.WaitGroup
	producerWG.Add(1)
	go func() {
		defer producerWG.Done()
		defer close(queue)
		p.produce(ctx, queue)
	}()

	p.consume(ctx, queue)
	producerWG.Wait()
	p.seal()
}

func (p *Pipeline) produce(ctx context.Context, queue chan<- shot) {
	for _, step := range p.steps {
		if p.abort.Load() || ctx.Err() != nil {
			return
		}

		sh := shot{params: step}
		delay, err := p.prep.Prepare(ctx, step)
		if err != nil {
			var sig *vcd.SignalNotFoundError
			if errors.As(err, &sig) {
				// A miswired timing channel fails the same way every
				// step; record it but keep going so the operator sees
				// the pattern, not a dead run.
				monitoring.Logf("run %s step %d: %v", p.run.ID, step.Index, err)
				sh.failure = err.Error()
				p.enqueue(ctx, queue, sh)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			sh.failure = err.Error()
			p.enqueue(ctx, queue, sh)
			continue
		}
		sh.delay = delay

		handle, err := p.backend.Trigger(ctx, step.Index)
		if err != nil {
			if errors.Is(err, daq.ErrDeviceUnreachable) {
				monitoring.Logf("run %s: device unreachable, stopping: %v", p.run.ID, err)
				p.setFailure(err)
				return
			}
			sh.failure = err.Error()
			p.enqueue(ctx, queue, sh)
			continue
		}
		sh.handle = handle

		// Blocks when the queue is full: acquisition waits for analysis.
		if !p.enqueue(ctx, queue, sh) {
			return
		}
	}
}

func (p *Pipeline) enqueue(ctx context.Context, queue chan<- shot, sh shot) bool {
	select {
	case queue <- sh:
		return true
	case <-ctx.Done():
		return false
	}
}

// consume drains the queue in FIFO order; step indexes therefore arrive
// strictly ascending and the artifact store enforces it.
func (p *Pipeline) consume(ctx context.Context, queue <-chan shot) {
	for sh := range queue {
		rec := store.StepRecord{
			Index:     sh.params.Index,
			Timestamp: time.Now(),
			Params:    sh.params.Ordered,
			Delay:     sh.delay,
		}

		switch {
		case sh.failure != "":
			rec.Rejected = sh.failure
		default:
			p.analyzeShot(ctx, sh, &rec)
		}

		p.persist(rec)
	}
}

func (p *Pipeline) analyzeShot(ctx context.Context, sh shot, rec *store.StepRecord) {
	raw, err := p.backend.Fetch(ctx, sh.handle)
	if err != nil {
		rec.Rejected = err.Error()
		return
	}
	rec.Timestamp = raw.TriggerTime

	up, dw, rejected := p.analyzer.Condition(raw.Up, raw.Dw)
	if rejected != "" {
		rec.Rejected = rejected
		return
	}

	tof := raw.Times(len(up))
	for i := range tof {
		tof[i] += sh.delay
	}

	res := p.analyzer.Analyze(tof, up, dw)
	rec.FitUp = res.FitUp
	rec.FitDw = res.FitDw
	rec.Derived = res.Derived
	rec.NoFitUp = res.NoFitUp
	rec.NoFitDw = res.NoFitDw
	rec.DerivedNF = res.DerivedNF
	rec.Rejected = res.Rejected

	wf := store.Waveforms{
		Index:    sh.params.Index,
		Params:   sh.params.Ordered,
		Time:     tof,
		Up:       up,
		Dw:       dw,
		WindowUp: res.WindowUp,
		WindowDw: res.WindowDw,
	}
	if err := p.run.WriteWaveforms(wf); err != nil {
		monitoring.Logf("run %s step %d: waveform write failed: %v", p.run.ID, sh.params.Index, err)
	}
}

func (p *Pipeline) persist(rec store.StepRecord) {
	if err := p.run.AppendRow(rec); err != nil {
		monitoring.Logf("run %s step %d: results append failed: %v", p.run.ID, rec.Index, err)
		p.setFailure(err)
		return
	}

	p.mu.Lock()
	p.step = rec.Index + 1
	p.mu.Unlock()
	monitoring.Tracef("run %s step %d/%d persisted (rejected=%q)",
		p.run.ID, rec.Index+1, len(p.steps), rec.Rejected)

	if p.index != nil {
		row := db.StepRow{
			RunUUID:   p.uuid,
			StepIndex: rec.Index,
			Timestamp: rec.Timestamp,
			DelayS:    rec.Delay,
			NF2:       rec.Derived.NF2,
			NF1:       rec.Derived.NF1,
			PF2:       rec.Derived.PF2,
			PF1:       rec.Derived.PF1,
			TempUK:    rec.Derived.TemperatureUK,
			Rejected:  rec.Rejected,
		}
		if len(rec.Params) > 0 {
			row.Param0 = rec.Params[0]
		}
		if err := p.index.InsertStep(row); err != nil {
			monitoring.Logf("run %s step %d: index insert failed: %v", p.run.ID, rec.Index, err)
		}
	}

	p.bc.publish(Event{
		Type: "step",
		Result: &StepResult{
			RunUUID: p.uuid,
			RunID:   p.run.ID,
			Total:   len(p.steps),
			Record:  rec,
		},
	})
}

func (p *Pipeline) seal() {
	p.mu.Lock()
	final := StateCompleted
	switch {
	case p.errMsg != "":
		final = StateFailed
	case p.abort.Load() || p.step < len(p.steps):
		final = StateAborted
	}
	p.state = final
	steps := p.step
	errMsg := p.errMsg
	p.mu.Unlock()

	now := time.Now()
	if err := p.run.Seal(string(final), now); err != nil {
		monitoring.Logf("run %s: seal failed: %v", p.run.ID, err)
	}
	if p.index != nil {
		if err := p.index.SealRun(p.uuid, string(final), steps, now, errMsg); err != nil {
			monitoring.Logf("run %s: index seal failed: %v", p.run.ID, err)
		}
	}

	p.bc.publish(Event{Type: "state", State: final, Error: errMsg})
	p.bc.closeAll()
	monitoring.Logf("run %s: sealed %s after %d/%d steps", p.run.ID, final, steps, len(p.steps))
}
