// Package ddsrt is an in-process, in-memory stand-in for the external
// publish/subscribe runtime the gateway bridges to. It implements the
// create/write/read primitives the manager depends on so the module
// builds, runs and is testable standalone, without reproducing any real
// vendor's wire protocol or transport QoS enforcement.
//
// Grounded on the corpus's own in-memory fan-out pattern (a named Topic
// with a set of subscribers receiving every published message), adapted
// here from connection-oriented pub/sub to typed-sample pub/sub.
package ddsrt

import (
	"fmt"
	"sync"

	"github.com/tenzoki/ripcgw/internal/registry"
)

// QoS captures the slice of DataWriter/DataReader settings this stand-in
// enforces at construction time: a reliability kind recognized by the
// simulated vendor SDK. An empty Reliability means "unspecified", which
// always constructs successfully — it is the runtime's default QoS.
type QoS struct {
	Reliability string // "", "RELIABLE" or "BEST_EFFORT"
}

func (q QoS) validate() error {
	switch q.Reliability {
	case "", "RELIABLE", "BEST_EFFORT":
		return nil
	default:
		return fmt.Errorf("ddsrt: unsupported reliability kind %q", q.Reliability)
	}
}

// Topic is a named, typed channel. Participants reuse the same Topic
// object for every writer/reader bound to the same name.
type Topic struct {
	Name     string
	TypeName string

	mu          sync.Mutex
	readers     []*Reader
	writerCount int
}

func newTopic(name, typeName string) *Topic {
	return &Topic{Name: name, TypeName: typeName}
}

func (t *Topic) addReader(r *Reader) {
	t.mu.Lock()
	t.readers = append(t.readers, r)
	t.mu.Unlock()
}

func (t *Topic) removeReader(r *Reader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.readers {
		if existing == r {
			t.readers = append(t.readers[:i], t.readers[i+1:]...)
			return
		}
	}
}

func (t *Topic) snapshotReaders() []*Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Reader(nil), t.readers...)
}

// Writer writes typed samples onto its bound topic.
type Writer struct {
	topic *Topic
}

// Write fans the sample out to every reader currently bound to the
// writer's topic. Returns an error if the sample's concrete type does not
// match the topic's bound type.
func (w *Writer) Write(sample registry.Sample) error {
	if sample.TypeName() != w.topic.TypeName {
		return fmt.Errorf("ddsrt: type mismatch: writer topic=%s bound to %s, got %s",
			w.topic.Name, w.topic.TypeName, sample.TypeName())
	}
	for _, r := range w.topic.snapshotReaders() {
		r.deliver(sample)
	}
	return nil
}

// SampleCallback is invoked once per valid inbound sample.
type SampleCallback func(topic, typeName string, sample registry.Sample)

// Reader receives typed samples published to its bound topic.
type Reader struct {
	topic *Topic

	mu sync.Mutex
	cb SampleCallback
}

// SetSampleCallback installs the callback invoked on each inbound sample.
// Safe to call at any time; it replaces the callback for subsequent
// deliveries on this reader only.
func (r *Reader) SetSampleCallback(cb SampleCallback) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

func (r *Reader) deliver(sample registry.Sample) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb != nil {
		cb(r.topic.Name, sample.TypeName(), sample)
	}
}

// Runtime is the in-process pub/sub domain. One Runtime models one DDS
// domain's worth of topics.
type Runtime struct {
	mu     sync.Mutex
	topics map[string]*Topic

	// writerCapacity/readerCapacity bound how many writers/readers a
	// single topic accepts, modeling the vendor SDK's resource_limits
	// QoS. Zero means unlimited. Exceeding the cap fails construction
	// independently of which QoS variant was requested, so it can trip
	// both the requested-QoS attempt and its default-QoS fallback —
	// the one failure mode that legitimately survives a fallback retry.
	writerCapacity int
	readerCapacity int
}

// NewRuntime constructs an empty runtime with unlimited per-topic writer
// and reader capacity.
func NewRuntime() *Runtime {
	return &Runtime{topics: make(map[string]*Topic)}
}

// SetWriterCapacity bounds the number of writers a single topic in this
// runtime accepts. n <= 0 means unlimited.
func (rt *Runtime) SetWriterCapacity(n int) {
	rt.mu.Lock()
	rt.writerCapacity = n
	rt.mu.Unlock()
}

// SetReaderCapacity bounds the number of readers a single topic in this
// runtime accepts. n <= 0 means unlimited.
func (rt *Runtime) SetReaderCapacity(n int) {
	rt.mu.Lock()
	rt.readerCapacity = n
	rt.mu.Unlock()
}

// CreateTopic returns the existing Topic for name, or creates one bound
// to typeName. The caller (the manager) is responsible for rejecting a
// type mismatch before calling this — CreateTopic never errors, it
// returns whichever Topic already exists.
func (rt *Runtime) CreateTopic(name, typeName string) *Topic {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.topics[name]; ok {
		return t
	}
	t := newTopic(name, typeName)
	rt.topics[name] = t
	return t
}

// RemoveTopicIfUnused deletes the topic entry when it has no readers.
// Writers only bump the topic's writer count, which is never decremented,
// so it is not consulted here; callers track writer presence separately
// (the manager's writer and reader tables) and only call this once no
// writer or reader references the topic.
func (rt *Runtime) RemoveTopicIfUnused(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.topics[name]
	if !ok {
		return
	}
	if len(t.snapshotReaders()) == 0 {
		delete(rt.topics, name)
	}
}

// CreateWriter constructs a Writer bound to topic using q. It fails if q
// names an unrecognized reliability kind, or if topic is already at this
// runtime's writer capacity.
func (rt *Runtime) CreateWriter(topic *Topic, q QoS) (*Writer, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	capacity := rt.writerCapacity
	rt.mu.Unlock()

	topic.mu.Lock()
	defer topic.mu.Unlock()
	if capacity > 0 && topic.writerCount >= capacity {
		return nil, fmt.Errorf("ddsrt: writer capacity exceeded for topic=%s (max=%d)", topic.Name, capacity)
	}
	topic.writerCount++
	return &Writer{topic: topic}, nil
}

// CreateReader constructs a Reader bound to topic using q and registers
// it for delivery. It fails under the same conditions as CreateWriter.
func (rt *Runtime) CreateReader(topic *Topic, q QoS) (*Reader, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	capacity := rt.readerCapacity
	rt.mu.Unlock()

	topic.mu.Lock()
	if capacity > 0 && len(topic.readers) >= capacity {
		topic.mu.Unlock()
		return nil, fmt.Errorf("ddsrt: reader capacity exceeded for topic=%s (max=%d)", topic.Name, capacity)
	}
	topic.mu.Unlock()

	r := &Reader{topic: topic}
	topic.addReader(r)
	return r, nil
}

// RemoveReader unbinds r from its topic so it no longer receives samples.
func (rt *Runtime) RemoveReader(r *Reader) {
	r.topic.removeReader(r)
}
