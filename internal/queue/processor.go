// Package queue implements AsyncProcessor: a bounded, single-consumer
// event queue that decouples transport and runtime callbacks from handler
// execution, with an optional periodic monitor and a drop-on-full policy.
package queue

import (
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// CommandEvent carries a decoded RPC request body through the queue to the
// command handler.
type CommandEvent struct {
	CorrID       uint32
	Route        string
	Body         []byte
	ReceivedTime time.Time
}

// SampleEvent carries one inbound pub/sub sample to the sample handler.
// Data is left as `any` here — the registry projects it to a concrete
// registry.Sample before the event reaches this package, so the queue
// itself stays schema-agnostic.
type SampleEvent struct {
	Topic        string
	TypeName     string
	Data         any
	ReceivedTime time.Time
	SequenceID   uint64
}

// ErrorEvent reports an internal condition (queue overflow, a QoS apply
// failure, etc.) through the error handler.
type ErrorEvent struct {
	Where string
	What  string
	When  time.Time
}

// Handlers are the three dispatch slots. A nil handler drops its event
// silently — the event was already counted on enqueue.
type Handlers struct {
	Sample  func(SampleEvent)
	Command func(CommandEvent)
	Error   func(ErrorEvent)
}

// Stats mirrors the processor's internal counters.
type Stats struct {
	EnqSample int64
	EnqCmd    int64
	EnqErr    int64
	ExecJobs  int64
	Dropped   int64
	MaxDepth  int64
	CurDepth  int64
}

// Config tunes queue capacity, drain-on-stop behavior, monitor cadence and
// the slow-job warning threshold.
type Config struct {
	MaxQueue   int
	DrainStop  bool
	MonitorSec int
	ExecWarnUs int
	Debug      bool
}

type kind int

const (
	kindSample kind = iota
	kindCommand
)

type item struct {
	kind    kind
	sample  SampleEvent
	command CommandEvent
}

// Processor is the AsyncProcessor: one worker goroutine drains the queue
// in FIFO order per producer; an optional monitor goroutine logs periodic
// stats.
type Processor struct {
	cfg Config

	mu    sync.Mutex
	cond  *sync.Cond
	queue []item

	handlersMu sync.Mutex
	handlers   Handlers

	running bool
	stats   Stats

	stopOnce sync.Once
	workerWg sync.WaitGroup
	monWg    sync.WaitGroup
	monStop  chan struct{}
}

// New constructs a stopped Processor. Call Start to begin running.
func New(cfg Config) *Processor {
	p := &Processor{cfg: cfg, monStop: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetHandlers installs the dispatch table. Safe to call at any time; it
// takes effect for subsequently dequeued events.
func (p *Processor) SetHandlers(h Handlers) {
	p.handlersMu.Lock()
	p.handlers = h
	p.handlersMu.Unlock()
}

// Start begins the worker goroutine and, if MonitorSec > 0, the monitor
// goroutine.
func (p *Processor) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.workerWg.Add(1)
	go p.loop()

	if p.cfg.MonitorSec > 0 {
		p.monWg.Add(1)
		go p.monitorLoop()
	}
}

// IsRunning reports whether the processor has been started and not yet
// stopped.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PostSample enqueues a sample event, or drops it and emits an overflow
// ErrorEvent if the queue is at capacity.
func (p *Processor) PostSample(ev SampleEvent) {
	p.mu.Lock()
	p.stats.EnqSample++
	if p.full() {
		p.stats.Dropped++
		p.mu.Unlock()
		p.reportOverflow()
		return
	}
	p.queue = append(p.queue, item{kind: kindSample, sample: ev})
	p.bumpDepth()
	p.mu.Unlock()
	p.cond.Signal()
}

// PostCommand enqueues a command event, or drops it and emits an overflow
// ErrorEvent if the queue is at capacity.
func (p *Processor) PostCommand(ev CommandEvent) {
	p.mu.Lock()
	p.stats.EnqCmd++
	if p.full() {
		p.stats.Dropped++
		p.mu.Unlock()
		p.reportOverflow()
		return
	}
	p.queue = append(p.queue, item{kind: kindCommand, command: ev})
	p.bumpDepth()
	p.mu.Unlock()
	p.cond.Signal()
}

// PostError delivers an error event directly to the error handler,
// bypassing the queue. Error events report processor-internal conditions
// (such as overflow) and must not themselves be subject to the drop
// policy they describe. Slow jobs are only logged, not posted here.
func (p *Processor) PostError(ev ErrorEvent) {
	p.mu.Lock()
	p.stats.EnqErr++
	p.mu.Unlock()
	p.handlersMu.Lock()
	h := p.handlers.Error
	p.handlersMu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (p *Processor) reportOverflow() {
	p.PostError(ErrorEvent{Where: "queue", What: "queue overflow", When: time.Now()})
}

// full reports whether the queue is at MaxQueue capacity. Caller must hold mu.
func (p *Processor) full() bool {
	return p.cfg.MaxQueue > 0 && len(p.queue) >= p.cfg.MaxQueue
}

// bumpDepth updates CurDepth/MaxDepth. Caller must hold mu.
func (p *Processor) bumpDepth() {
	p.stats.CurDepth = int64(len(p.queue))
	if p.stats.CurDepth > p.stats.MaxDepth {
		p.stats.MaxDepth = p.stats.CurDepth
	}
}

// Stop clears the running flag, wakes the worker and monitor, and joins
// them. If DrainStop is true the worker finishes the queued events before
// exiting; otherwise they are discarded and counted as drops. Idempotent.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		if !p.cfg.DrainStop {
			p.stats.Dropped += int64(len(p.queue))
			p.queue = nil
			p.stats.CurDepth = 0
		}
		p.mu.Unlock()
		p.cond.Broadcast()
		p.workerWg.Wait()

		close(p.monStop)
		p.monWg.Wait()
	})
}

// GetStats returns a snapshot of the processor's counters.
func (p *Processor) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) loop() {
	defer p.workerWg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.running {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		p.queue = p.queue[1:]
		p.stats.CurDepth = int64(len(p.queue))
		p.mu.Unlock()

		p.execute(it)

		p.mu.Lock()
		p.stats.ExecJobs++
		p.mu.Unlock()
	}
}

func (p *Processor) execute(it item) {
	start := time.Now()

	p.handlersMu.Lock()
	h := p.handlers
	p.handlersMu.Unlock()

	switch it.kind {
	case kindSample:
		if h.Sample != nil {
			h.Sample(it.sample)
		}
	case kindCommand:
		if h.Command != nil {
			h.Command(it.command)
		}
	}

	if elapsedUs := time.Since(start).Microseconds(); p.cfg.ExecWarnUs > 0 && elapsedUs > int64(p.cfg.ExecWarnUs) {
		log.Printf("Queue: job exceeded exec_warn_us threshold: %dus > %dus", elapsedUs, p.cfg.ExecWarnUs)
	}
}

func (p *Processor) monitorLoop() {
	defer p.monWg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.MonitorSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.monStop:
			return
		case <-ticker.C:
			s := p.GetStats()
			if p.cfg.Debug {
				log.Printf("Queue: depth=%s/%s dropped=%s exec=%s",
					humanize.Comma(s.CurDepth), humanize.Comma(int64(p.cfg.MaxQueue)),
					humanize.Comma(s.Dropped), humanize.Comma(s.ExecJobs))
			}
		}
	}
}
