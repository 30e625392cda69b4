// Package ipc decodes RPC request bodies pulled off the event queue,
// dispatches them against the entity manager, and encodes the CBOR
// response and sample-derived event payloads sent back over the wire.
package ipc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tenzoki/ripcgw/internal/ddsmgr"
	"github.com/tenzoki/ripcgw/internal/qos"
	"github.com/tenzoki/ripcgw/internal/registry"
	"github.com/tenzoki/ripcgw/internal/rpcenvelope"
)

var tracer = otel.Tracer("ripcgw/ipc")

// Response codes used at the boundary (§7 of the error taxonomy).
const (
	errUnsupported = 4
	errMissingTag  = 6
	errBoundary    = 7
)

const protoVersion = 1

// capEntry is one row of the hello capability catalog: an op name paired
// with a literal example request a client could send verbatim.
type capEntry struct {
	Name    string         `cbor:"name"`
	Example map[string]any `cbor:"example"`
}

// Adapter dispatches decoded requests to a Manager and formats responses.
// It holds no state of its own beyond the manager it fronts.
type Adapter struct {
	mgr   *ddsmgr.Manager
	debug bool
}

// New constructs an Adapter fronting mgr.
func New(mgr *ddsmgr.Manager, debug bool) *Adapter {
	return &Adapter{mgr: mgr, debug: debug}
}

// ProcessRequest decodes body as a FRAME_REQ payload, dispatches it, and
// returns the CBOR-encoded FRAME_RSP payload. It never panics on bad
// input — every failure path, including a panic recovered from a
// dispatch handler, is reported as a response object instead.
func (a *Adapter) ProcessRequest(corrID uint32, body []byte) []byte {
	_, span := tracer.Start(context.Background(), "ipc.process_request")
	span.SetAttributes(attribute.Int64("corr_id", int64(corrID)))
	defer span.End()

	req, err := rpcenvelope.DecodeRequest(body)
	if err != nil {
		span.SetStatus(codes.Error, "parse")
		return a.encodeParseFailure(err)
	}

	rsp := a.dispatchRecovered(req)
	out, err := rpcenvelope.EncodeResponse(rsp)
	if err != nil {
		// Encoding our own response object failing is itself an internal
		// boundary failure; fall back to a minimal hand-built shape.
		out, _ = rpcenvelope.EncodeResponse(rpcenvelope.ResponseShape{
			OK: false, Err: errBoundary, ErrKind: "internal", Msg: err.Error(), Source: "agent",
		})
	}
	return out
}

func (a *Adapter) encodeParseFailure(err error) []byte {
	rsp := rpcenvelope.ResponseShape{
		OK:         false,
		Err:        errBoundary,
		ErrKind:    "parse",
		FailDetail: err.Error(),
		Source:     "agent",
	}
	out, encErr := rpcenvelope.EncodeResponse(rsp)
	if encErr != nil {
		// Nothing sensible to encode; the raw bytes are a hard-coded,
		// always-valid CBOR map literal {"ok": false}, without the other
		// fields of the parse-failure shape.
		return []byte{0xa1, 0x62, 0x6f, 0x6b, 0xf4}
	}
	return out
}

// dispatchRecovered guards dispatch against a panicking handler, mapping
// it to the "internal" boundary category instead of crashing the worker.
func (a *Adapter) dispatchRecovered(req rpcenvelope.RequestShape) (rsp rpcenvelope.ResponseShape) {
	defer func() {
		if r := recover(); r != nil {
			rsp = rpcenvelope.ResponseShape{
				OK: false, Err: errBoundary, ErrKind: "internal",
				FailDetail: fmt.Sprintf("%v", r), Source: "agent",
			}
		}
	}()
	return a.dispatch(req)
}

func (a *Adapter) dispatch(req rpcenvelope.RequestShape) rpcenvelope.ResponseShape {
	if req.Op == "hello" {
		return okResult(map[string]any{"proto": protoVersion, "cap": helloCapabilities()})
	}

	kind, _ := req.Target["kind"].(string)

	switch {
	case req.Op == "clear" && kind == "dds_entities":
		return fromResult(a.mgr.ClearEntities())

	case req.Op == "create" && kind == "participant":
		domain := intArg(req.Args, "domain")
		lib, prof := qos.SplitName(stringArg(req.Args, "qos"))
		return fromResult(a.mgr.CreateParticipant(domain, lib, prof))

	case req.Op == "create" && kind == "publisher":
		domain := intArg(req.Args, "domain")
		pub := stringArg(req.Args, "publisher")
		lib, prof := qos.SplitName(stringArg(req.Args, "qos"))
		return fromResult(a.mgr.CreatePublisher(domain, pub, lib, prof))

	case req.Op == "create" && kind == "subscriber":
		domain := intArg(req.Args, "domain")
		sub := stringArg(req.Args, "subscriber")
		lib, prof := qos.SplitName(stringArg(req.Args, "qos"))
		return fromResult(a.mgr.CreateSubscriber(domain, sub, lib, prof))

	case req.Op == "create" && kind == "writer":
		domain := intArg(req.Args, "domain")
		pub := stringArg(req.Args, "publisher")
		topic, _ := req.Target["topic"].(string)
		typeName, _ := req.Target["type"].(string)
		if topic == "" || typeName == "" {
			return missingTag("writer requires target.topic and target.type")
		}
		lib, prof := qos.SplitName(stringArg(req.Args, "qos"))
		id, res := a.mgr.CreateWriter(domain, pub, topic, typeName, lib, prof)
		return fromResultWithID(res, id)

	case req.Op == "create" && kind == "reader":
		domain := intArg(req.Args, "domain")
		sub := stringArg(req.Args, "subscriber")
		topic, _ := req.Target["topic"].(string)
		typeName, _ := req.Target["type"].(string)
		if topic == "" || typeName == "" {
			return missingTag("reader requires target.topic and target.type")
		}
		lib, prof := qos.SplitName(stringArg(req.Args, "qos"))
		id, res := a.mgr.CreateReader(domain, sub, topic, typeName, lib, prof)
		return fromResultWithID(res, id)

	case req.Op == "write" && kind == "writer":
		topic, _ := req.Target["topic"].(string)
		if topic == "" {
			return missingTag("write requires target.topic")
		}
		if req.Data == nil {
			return missingTag("write requires a data object")
		}
		res := a.mgr.Publish(topic, req.Data)
		if res.OK {
			return okResult(map[string]any{"action": "publish ok"})
		}
		return fromResult(res)

	case req.Op == "get" && kind == "qos":
		includeBuiltin, _ := req.Args["include_builtin"].(bool)
		if detail, _ := req.Args["detail"].(bool); detail {
			return okResult(map[string]any{"profiles": detailsToAny(a.mgr.DetailQosProfiles(includeBuiltin))})
		}
		return okResult(map[string]any{"profiles": a.mgr.ListQosProfiles(includeBuiltin)})

	case req.Op == "set" && kind == "qos":
		library, _ := req.Data["library"].(string)
		profile, _ := req.Data["profile"].(string)
		xmlText, _ := req.Data["xml"].(string)
		name, err := a.mgr.AddOrUpdateQosProfile(library, profile, xmlText)
		if err != nil {
			return rpcenvelope.ResponseShape{OK: false, Err: errUnsupported, Category: int(ddsmgr.Logic), Msg: err.Error()}
		}
		return okResult(map[string]any{"action": "qos updated", "name": name})
	}

	return rpcenvelope.ResponseShape{OK: false, Err: errUnsupported, Msg: "unsupported or failed"}
}

func missingTag(msg string) rpcenvelope.ResponseShape {
	return rpcenvelope.ResponseShape{OK: false, Err: errMissingTag, Msg: msg}
}

func okResult(result map[string]any) rpcenvelope.ResponseShape {
	return rpcenvelope.ResponseShape{OK: true, Result: result}
}

func fromResult(res ddsmgr.Result) rpcenvelope.ResponseShape {
	if res.OK {
		return okResult(map[string]any{"action": res.Message})
	}
	return rpcenvelope.ResponseShape{
		OK: false, Err: errUnsupported, Category: int(res.Category), Msg: res.Message,
	}
}

func fromResultWithID(res ddsmgr.Result, id uint64) rpcenvelope.ResponseShape {
	if res.OK {
		return okResult(map[string]any{"action": res.Message, "id": id})
	}
	return rpcenvelope.ResponseShape{
		OK: false, Err: errUnsupported, Category: int(res.Category), Msg: res.Message,
	}
}

func detailsToAny(details []qos.ProfileDetail) []map[string]any {
	out := make([]map[string]any, 0, len(details))
	for _, d := range details {
		out = append(out, map[string]any{"name": d.Name, "source": d.SourceKind, "xml": d.XML})
	}
	return out
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// EmitEventFromSample projects sample to JSON via the registry and
// CBOR-encodes it as a FRAME_EVT payload; the caller sends it with
// corr_id=0.
func EmitEventFromSample(topic, typeName string, sample registry.Sample) ([]byte, error) {
	data, err := sample.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("ipc: project sample to JSON: %w", err)
	}
	payload, err := rpcenvelope.EncodeEvent(rpcenvelope.EventShape{
		Evt: "data", Topic: topic, Type: typeName, Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: encode event: %w", err)
	}
	return payload, nil
}

// helloCapabilities returns the static catalog advertised by the hello
// op: one entry per supported op, each with a literal example request.
func helloCapabilities() []capEntry {
	return []capEntry{
		{Name: "hello", Example: map[string]any{"op": "hello", "proto": protoVersion}},
		{Name: "clear", Example: map[string]any{
			"op": "clear", "target": map[string]any{"kind": "dds_entities"},
		}},
		{Name: "create_participant", Example: map[string]any{
			"op": "create", "target": map[string]any{"kind": "participant"},
			"args": map[string]any{"domain": 0, "qos": "Lib::Profile"},
		}},
		{Name: "create_publisher", Example: map[string]any{
			"op": "create", "target": map[string]any{"kind": "publisher"},
			"args": map[string]any{"domain": 0, "publisher": "pub1"},
		}},
		{Name: "create_subscriber", Example: map[string]any{
			"op": "create", "target": map[string]any{"kind": "subscriber"},
			"args": map[string]any{"domain": 0, "subscriber": "sub1"},
		}},
		{Name: "create_writer", Example: map[string]any{
			"op": "create", "target": map[string]any{"kind": "writer", "topic": "chat", "type": "StringMsg"},
			"args": map[string]any{"domain": 0, "publisher": "pub1"},
		}},
		{Name: "create_reader", Example: map[string]any{
			"op": "create", "target": map[string]any{"kind": "reader", "topic": "T", "type": "AlarmMsg"},
			"args": map[string]any{"domain": 0, "subscriber": "s1"},
		}},
		{Name: "write", Example: map[string]any{
			"op": "write", "target": map[string]any{"kind": "writer", "topic": "chat"},
			"data": map[string]any{"text": "Hello world"},
		}},
		{Name: "get_qos", Example: map[string]any{
			"op": "get", "target": map[string]any{"kind": "qos"},
			"args": map[string]any{"include_builtin": true},
		}},
		{Name: "set_qos", Example: map[string]any{
			"op": "set", "target": map[string]any{"kind": "qos"},
			"data": map[string]any{"library": "Lib", "profile": "Profile", "xml": "<qos_profile/>"},
		}},
	}
}
