package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOPerProducer(t *testing.T) {
	p := New(Config{MaxQueue: 100, DrainStop: true})
	var mu sync.Mutex
	var seen []string
	p.SetHandlers(Handlers{
		Sample: func(ev SampleEvent) {
			mu.Lock()
			seen = append(seen, ev.Topic)
			mu.Unlock()
		},
	})
	p.Start()

	for i := 0; i < 20; i++ {
		p.PostSample(SampleEvent{Topic: string(rune('a' + i))})
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("processed %d events, want 20", len(seen))
	}
	for i, topic := range seen {
		want := string(rune('a' + i))
		if topic != want {
			t.Errorf("seen[%d] = %q, want %q (order violated)", i, topic, want)
		}
	}
}

func TestQueueOverflowDropAccounting(t *testing.T) {
	p := New(Config{MaxQueue: 4, DrainStop: true})
	var mu sync.Mutex
	var errCount int
	var errWhat []string
	block := make(chan struct{})
	var once sync.Once

	p.SetHandlers(Handlers{
		Sample: func(ev SampleEvent) {
			once.Do(func() { <-block })
		},
		Error: func(ev ErrorEvent) {
			mu.Lock()
			errCount++
			errWhat = append(errWhat, ev.What)
			mu.Unlock()
		},
	})
	// All ten are posted before the worker starts, so nothing is dequeued
	// yet: the queue capped at 4 accepts four and drops six. The first
	// sample then blocks the worker until block is closed.
	for i := 0; i < 10; i++ {
		p.PostSample(SampleEvent{Topic: "t"})
	}
	p.Start()
	close(block)
	p.Stop()

	stats := p.GetStats()
	if stats.Dropped != 6 {
		t.Errorf("Dropped = %d, want 6", stats.Dropped)
	}
	if stats.ExecJobs != 4 {
		t.Errorf("ExecJobs = %d, want 4", stats.ExecJobs)
	}

	mu.Lock()
	defer mu.Unlock()
	if errCount != 6 {
		t.Errorf("error handler invoked %d times, want 6", errCount)
	}
	for _, w := range errWhat {
		if w != "queue overflow" {
			t.Errorf("ErrorEvent.What = %q, want %q", w, "queue overflow")
		}
	}
}

func TestDrainStopProcessesAllAccepted(t *testing.T) {
	p := New(Config{MaxQueue: 1000, DrainStop: true})
	var execCount int64
	var mu sync.Mutex
	p.SetHandlers(Handlers{
		Sample: func(ev SampleEvent) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			execCount++
			mu.Unlock()
		},
	})
	p.Start()
	for i := 0; i < 50; i++ {
		p.PostSample(SampleEvent{Topic: "t"})
	}
	p.Stop()

	stats := p.GetStats()
	if stats.ExecJobs != 50 {
		t.Errorf("ExecJobs = %d, want 50", stats.ExecJobs)
	}
	if stats.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", stats.Dropped)
	}
	if stats.ExecJobs != int64(stats.EnqSample-stats.Dropped) {
		t.Errorf("drain invariant violated: exec=%d enq=%d dropped=%d", stats.ExecJobs, stats.EnqSample, stats.Dropped)
	}
}

func TestNoDrainStopDiscardsRemaining(t *testing.T) {
	p := New(Config{MaxQueue: 1000, DrainStop: false})
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var once sync.Once
	p.SetHandlers(Handlers{
		Sample: func(ev SampleEvent) {
			once.Do(func() {
				started <- struct{}{}
				<-block
			})
			time.Sleep(50 * time.Millisecond)
		},
	})
	p.Start()
	p.PostSample(SampleEvent{Topic: "first"})
	<-started // worker has dequeued the first item and is blocked in it
	for i := 0; i < 9; i++ {
		p.PostSample(SampleEvent{Topic: "t"})
	}
	close(block)
	p.Stop()

	stats := p.GetStats()
	if stats.Dropped == 0 {
		t.Error("expected queued-but-undrained events to be counted as dropped")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(Config{MaxQueue: 10, DrainStop: true})
	p.Start()
	p.Stop()
	p.Stop()
}
