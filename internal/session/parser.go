// Package session implements the per-WebSocket Liqi frame parser: envelope
// classification, request/response correlation, and dynamic protobuf
// decoding via the descriptor registry.
//
// A Parser must never be shared between connections — the 16-bit
// correlation id space is per-session, and a process-wide table would
// produce spurious cross-session collisions (spec §9 design note,
// superseding the upstream source's process-wide uniqueness assertion).
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/majsoul/liqiproxy/internal/action"
	"github.com/majsoul/liqiproxy/internal/envelope"
	"github.com/majsoul/liqiproxy/internal/registry"
)

var (
	ErrNoCorrespondingRequest = errors.New("session: response has no corresponding request")
	ErrDuplicateRequestID     = errors.New("session: request id already outstanding")
	ErrInvalidRequestID       = errors.New("session: request id out of range")
)

// LiqiMessage is the parser's structured output.
type LiqiMessage struct {
	ID     uint16
	Kind   envelope.Kind
	Method string
	Data   map[string]any
}

type correlationEntry struct {
	method  string
	resDesc protoreflect.MessageDescriptor
}

// Parser is owned by exactly one WebSocket session's pump task. It is not
// safe for concurrent use across goroutines; spec §4.4 guarantees parse
// calls within one session are serialized by the pump.
type Parser struct {
	reg *registry.Registry

	mu          sync.Mutex // guards correlation only against accidental reuse bugs, not contention
	correlation map[uint16]correlationEntry
	notifyCount uint64
}

// New constructs a Parser bound to the given descriptor registry.
func New(reg *registry.Registry) *Parser {
	return &Parser{
		reg:         reg,
		correlation: make(map[uint16]correlationEntry),
	}
}

// Parse classifies and decodes a raw WebSocket binary frame.
func (p *Parser) Parse(raw []byte) (*LiqiMessage, error) {
	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, err
	}

	switch env.Kind {
	case envelope.KindNotify:
		return p.parseNotify(env)
	case envelope.KindRequest:
		return p.parseRequest(env)
	case envelope.KindResponse:
		return p.parseResponse(env)
	default:
		return nil, fmt.Errorf("session: unhandled kind %v", env.Kind)
	}
}

func (p *Parser) parseNotify(env *envelope.Frame) (*LiqiMessage, error) {
	msgName := extractNotifyMessageName(env.Method)
	desc, err := p.reg.ResolveMessage("lq." + msgName)
	if err != nil {
		return nil, fmt.Errorf("session: notify %q: %w", env.Method, err)
	}

	data, err := decodeToJSON(p.reg, desc, env.Payload)
	if err != nil {
		return nil, err
	}

	if err := spliceActionField(p.reg, data); err != nil {
		return nil, err
	}

	p.mu.Lock()
	id := p.notifyCount
	p.notifyCount++
	p.mu.Unlock()

	return &LiqiMessage{ID: uint16(id), Kind: envelope.KindNotify, Method: env.Method, Data: data}, nil
}

func (p *Parser) parseRequest(env *envelope.Frame) (*LiqiMessage, error) {
	if uint32(env.ID) >= 1<<16 {
		return nil, ErrInvalidRequestID
	}

	reqDesc, resDesc, err := p.reg.ResolveMethod(env.Method)
	if err != nil {
		return nil, fmt.Errorf("session: request %q: %w", env.Method, err)
	}

	data, err := decodeToJSON(p.reg, reqDesc, env.Payload)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, exists := p.correlation[env.ID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrDuplicateRequestID, env.ID)
	}
	p.correlation[env.ID] = correlationEntry{method: env.Method, resDesc: resDesc}
	p.mu.Unlock()

	return &LiqiMessage{ID: env.ID, Kind: envelope.KindRequest, Method: env.Method, Data: data}, nil
}

func (p *Parser) parseResponse(env *envelope.Frame) (*LiqiMessage, error) {
	p.mu.Lock()
	entry, ok := p.correlation[env.ID]
	if ok {
		delete(p.correlation, env.ID)
	}
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNoCorrespondingRequest, env.ID)
	}

	data, err := decodeToJSON(p.reg, entry.resDesc, env.Payload)
	if err != nil {
		return nil, err
	}

	return &LiqiMessage{ID: env.ID, Kind: envelope.KindResponse, Method: entry.method, Data: data}, nil
}

// MethodForCorrelatedID exposes the method name captured at Request time,
// for the modifier's §4.5.2 "dispatch by method name of the originating
// request" requirement. Returns ok=false if no such id is outstanding.
func (p *Parser) MethodForCorrelatedID(id uint16) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.correlation[id]
	if !ok {
		return "", false
	}
	return entry.method, true
}

// ExtractNotifyMessageName returns the third dotted component of a Notify
// method FQN, e.g. ".lq.NotifyMatchTimeout" -> "NotifyMatchTimeout". Exported
// so the modifier (which re-decodes server->client notifies independently
// of the session parser's correlation table) can resolve the same
// descriptor name.
func ExtractNotifyMessageName(method string) string {
	return extractNotifyMessageName(method)
}

func extractNotifyMessageName(method string) string {
	parts := strings.Split(method, ".")
	if len(parts) < 3 {
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
		return method
	}
	return parts[2]
}

func decodeToJSON(reg *registry.Registry, desc protoreflect.MessageDescriptor, payload []byte) (map[string]any, error) {
	dyn := reg.NewMessage(desc)
	if err := proto.Unmarshal(payload, dyn); err != nil {
		return nil, fmt.Errorf("session: decode %q: %w", desc.FullName(), err)
	}

	jsonBytes, err := protojson.MarshalOptions{EmitUnpopulated: true, UseProtoNames: true}.Marshal(dyn)
	if err != nil {
		return nil, fmt.Errorf("session: marshal %q to json: %w", desc.FullName(), err)
	}

	var out map[string]any
	if err := json.Unmarshal(jsonBytes, &out); err != nil {
		return nil, fmt.Errorf("session: unmarshal json for %q: %w", desc.FullName(), err)
	}
	return out, nil
}

// spliceActionField implements the nested action envelope rule (spec §3):
// if the decoded object carries sibling `name`/`data` string fields, the
// `data` field is a base64+XOR-obfuscated sub-action that gets replaced in
// place with its decoded value: the bytes are deobfuscated, decoded against
// the "lq.<name>" descriptor, and spliced back as a JSON-shaped object. An
// empty `data` string becomes an empty object.
func spliceActionField(reg *registry.Registry, data map[string]any) error {
	nameVal, hasName := data["name"]
	dataVal, hasData := data["data"]
	if !hasName || !hasData {
		return nil
	}
	name, ok := nameVal.(string)
	if !ok {
		return nil
	}
	b64, ok := dataVal.(string)
	if !ok {
		return nil
	}
	if b64 == "" {
		data["data"] = map[string]any{}
		return nil
	}

	protoBytes, err := action.DecodePayload(b64)
	if err != nil {
		return fmt.Errorf("session: decode action %q: %w", name, err)
	}

	desc, err := reg.ResolveMessage("lq." + name)
	if err != nil {
		return fmt.Errorf("session: action type %q: %w", name, err)
	}

	decoded, err := decodeToJSON(reg, desc, protoBytes)
	if err != nil {
		return fmt.Errorf("session: decode action payload %q: %w", name, err)
	}
	data["data"] = decoded
	return nil
}
