// Package gateway wires transport, the event queue, the entity manager
// and the IPC adapter into one runnable application: the composition
// root every other package is built to be assembled from.
package gateway

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tenzoki/ripcgw/internal/config"
	"github.com/tenzoki/ripcgw/internal/ddsmgr"
	"github.com/tenzoki/ripcgw/internal/frame"
	"github.com/tenzoki/ripcgw/internal/ipc"
	"github.com/tenzoki/ripcgw/internal/qos"
	"github.com/tenzoki/ripcgw/internal/queue"
	"github.com/tenzoki/ripcgw/internal/registry"
	"github.com/tenzoki/ripcgw/internal/transport"
)

// App owns the manager, the adapter, the processor and the transport,
// and sequences their startup and shutdown.
type App struct {
	cfg *config.Config

	qosStore  *qos.Store
	manager   *ddsmgr.Manager
	adapter   *ipc.Adapter
	processor *queue.Processor
	transport *transport.Transport

	sampleSeq atomic.Uint64
	legacyLog sync.Once
}

// New builds an App from cfg without starting anything.
func New(cfg *config.Config) (*App, error) {
	store, err := qos.NewStore(cfg.QosDir)
	if err != nil {
		return nil, fmt.Errorf("gateway: construct qos store: %w", err)
	}
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("gateway: initialize qos store: %w", err)
	}

	mgr := ddsmgr.New(store, cfg.Debug)
	adapter := ipc.New(mgr, cfg.Debug)
	proc := queue.New(queue.Config{
		MaxQueue:   cfg.Queue.MaxQueue,
		DrainStop:  cfg.Queue.DrainStop,
		MonitorSec: cfg.Queue.MonitorSec,
		ExecWarnUs: cfg.Queue.ExecWarnUs,
		Debug:      cfg.Debug,
	})
	tp := transport.New(cfg.Debug)

	return &App{
		cfg:       cfg,
		qosStore:  store,
		manager:   mgr,
		adapter:   adapter,
		processor: proc,
		transport: tp,
	}, nil
}

// Start installs every handler, wires the manager's sample callback to
// the queue, and brings the processor up before the transport — so no
// frame can arrive before something is ready to enqueue it.
func (a *App) Start() error {
	a.processor.SetHandlers(queue.Handlers{
		Sample:  a.handleSample,
		Command: a.handleCommand,
		Error:   a.handleError,
	})
	a.manager.SetOnSample(func(topic, typeName string, sample registry.Sample) {
		a.processor.PostSample(queue.SampleEvent{
			Topic:      topic,
			TypeName:   typeName,
			Data:       sample,
			SequenceID: a.sampleSeq.Add(1),
		})
	})

	a.transport.SetCallbacks(transport.Callbacks{
		OnRequest: func(h frame.Header, payload []byte) {
			a.processor.PostCommand(queue.CommandEvent{CorrID: h.CorrID, Route: "ipc", Body: payload})
		},
		OnLegacy: func(h frame.Header, payload []byte) {
			a.legacyLog.Do(func() {
				log.Printf("Gateway: legacy frame type=%#x received, no legacy producer wired; further legacy frames are silently accepted", h.Type)
			})
		},
	})

	a.processor.Start()

	switch a.cfg.Mode {
	case "server":
		if err := a.transport.StartServer(hostPort(a.cfg.Bind, a.cfg.Port)); err != nil {
			return fmt.Errorf("gateway: start server: %w", err)
		}
	case "client":
		if err := a.transport.StartClient(hostPort(a.cfg.Peer, a.cfg.Port)); err != nil {
			return fmt.Errorf("gateway: start client: %w", err)
		}
	default:
		return fmt.Errorf("gateway: unknown mode %q", a.cfg.Mode)
	}
	return nil
}

// hostPort appends port to addr unless addr already names one. This lets
// config keep bind/peer host and port as the separate fields the
// environment actually supplies, while the transport layer (built around
// net.ResolveUDPAddr) wants a single host:port string.
func hostPort(addr string, port int) string {
	if addr == "" {
		addr = "0.0.0.0"
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Stop sequences shutdown in the same order as Start: processor first (so
// it drains or discards per drain_stop), then transport, then the
// adapter/manager are simply dropped with the App.
func (a *App) Stop() {
	a.processor.Stop()
	a.transport.Stop()
}

func (a *App) handleSample(ev queue.SampleEvent) {
	sample, ok := ev.Data.(registry.Sample)
	if !ok {
		log.Printf("Gateway: sample event carried non-Sample payload for topic=%s", ev.Topic)
		return
	}
	payload, err := ipc.EmitEventFromSample(ev.Topic, ev.TypeName, sample)
	if err != nil {
		log.Printf("Gateway: emit event failed: %v", err)
		return
	}
	if err := a.transport.Send(frame.KindEvt, 0, payload); err != nil {
		log.Printf("Gateway: send event failed: %v", err)
	}
}

func (a *App) handleCommand(ev queue.CommandEvent) {
	rsp := a.adapter.ProcessRequest(ev.CorrID, ev.Body)
	if err := a.transport.Send(frame.KindRsp, ev.CorrID, rsp); err != nil {
		log.Printf("Gateway: send response failed: %v", err)
	}
}

func (a *App) handleError(ev queue.ErrorEvent) {
	log.Printf("Gateway: %s: %s", ev.Where, ev.What)
}

// Manager exposes the entity manager for callers that need direct
// access (tests, administrative tooling).
func (a *App) Manager() *ddsmgr.Manager { return a.manager }
