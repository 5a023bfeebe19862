// Package forwarder implements the optional analysis-sink forwarder (spec
// §4.7): parsed Liqi frames are queued on a bounded channel and POSTed to an
// operator-configured HTTP collector by a small worker pool, never blocking
// the session pump.
//
// Grounded on the teacher's cmd/interceptor/main.go WorkerGroup: a bounded
// buffered channel, a fixed worker pool draining it, and non-blocking submit
// with drop-oldest-on-full backpressure (same shape, swapped from a gRPC
// stream send to an HTTP POST). The retry-with-sleep-on-failure worker loop,
// the method/action allow-list gating, the syncGame sub-action flattening,
// and the double-POST-on-top-level-"liqi"-field behaviour are all grounded
// on original_source/src/helper.rs's helper_worker/process_message.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/majsoul/liqiproxy/internal/action"
	"github.com/majsoul/liqiproxy/internal/metrics"
	"github.com/majsoul/liqiproxy/internal/registry"
)

const queueCapacity = 32

// ActionPrototypeMD5 is the fixed anti-replay token the client expects on
// forwarded ActionPrototype/syncGame frames (spec §4.7).
const ActionPrototypeMD5 = "0123456789abcdef0123456789abcdef"

// Event is one frame queued for forwarding.
type Event struct {
	Method string
	Data   map[string]any
}

// Forwarder owns the bounded queue and worker pool. It is safe for
// concurrent Submit from many session pumps.
type Forwarder struct {
	apiURL       string
	reg          *registry.Registry
	allowsMethod func(string) bool
	allowsAction func(string) bool

	client  *http.Client
	queue   chan Event
	dropped uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Forwarder posting to apiURL. allowsMethod/allowsAction
// are the operator's settings.json `sendMethod`/`sendAction` allow-lists
// (spec §6); either may be nil to allow everything (used by tests exercising
// the transport without a real config). reg resolves the nested sub-actions
// inside `.lq.FastTest.syncGame`'s `game_restore.actions`, which arrive
// still action-encoded because responses (unlike notifies) are not
// pre-spliced by internal/session. Call Start to spin up the worker pool;
// until then Submit only buffers events in the bounded queue.
func New(apiURL string, reg *registry.Registry, allowsMethod, allowsAction func(string) bool) *Forwarder {
	if allowsMethod == nil {
		allowsMethod = func(string) bool { return true }
	}
	if allowsAction == nil {
		allowsAction = func(string) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		apiURL:       apiURL,
		reg:          reg,
		allowsMethod: allowsMethod,
		allowsAction: allowsAction,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// The collector is typically a self-signed local analysis tool
			// (spec §6), matching the upstream client's disabled verification.
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
		queue:  make(chan Event, queueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the fixed worker pool and the drop-count logger.
func (f *Forwarder) Start(workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go f.worker(i)
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-f.ctx.Done():
				return
			case <-ticker.C:
				if n := atomic.LoadUint64(&f.dropped); n > 0 {
					slog.Info("forwarder: frames dropped due to backpressure", "count", n)
				}
			}
		}
	}()
}

// Stop cancels outstanding work; queued-but-undelivered events are
// abandoned, matching the upstream's best-effort forwarding guarantee.
func (f *Forwarder) Stop() {
	f.cancel()
}

// Submit enqueues a parsed server->client frame for forwarding, subject to
// the method allow-list (spec §4.7: "for every parsed frame whose method
// name is in the operator's configured allow-list"). Non-blocking: if the
// queue is full, the oldest queued event is dropped to make room rather
// than stalling the caller's pump. Callers must only submit server->client frames — the forwarder
// never inspects direction itself (spec's "never a client->server frame"
// rule is the session pump's job, since only it knows direction).
func (f *Forwarder) Submit(method string, data map[string]any) {
	if f.apiURL == "" || !f.allowsMethod(method) {
		return
	}
	ev := Event{Method: method, Data: data}
	select {
	case f.queue <- ev:
	default:
		// Queue full: discard the oldest buffered event to make room.
		select {
		case <-f.queue:
			atomic.AddUint64(&f.dropped, 1)
			metrics.ForwarderDropsTotal.Inc()
		default:
		}
		select {
		case f.queue <- ev:
		default:
			atomic.AddUint64(&f.dropped, 1)
			metrics.ForwarderDropsTotal.Inc()
		}
	}
	metrics.ForwarderQueueDepth.Set(float64(len(f.queue)))
}

func (f *Forwarder) worker(id int) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.queue:
			metrics.ForwarderQueueDepth.Set(float64(len(f.queue)))
			f.deliver(ev)
		}
	}
}

// deliver implements the per-method special-casing and double-POST
// behaviour from original_source/src/helper.rs's process_message.
func (f *Forwarder) deliver(ev Event) {
	body, ok := f.buildBody(ev)
	if !ok {
		return
	}

	payload, err := json.Marshal(map[string]any{"method": ev.Method, "data": body})
	if err != nil {
		slog.Warn("forwarder: marshal failed, dropping event", "method", ev.Method, "error", err)
		return
	}

	if err := f.post(payload); err != nil {
		// Retry once after a short sleep, matching helper.rs's
		// recv-failure retry loop; a second failure is logged and dropped.
		time.Sleep(500 * time.Millisecond)
		if err := f.post(payload); err != nil {
			slog.Warn("forwarder: post failed after retry", "method", ev.Method, "error", err)
			return
		}
	}

	if liqi, hasLiqi := body["liqi"]; hasLiqi {
		// original_source/src/helper.rs:152-156 posts the `liqi` sub-value
		// itself as the second request's body, not the whole envelope again.
		liqiPayload, err := json.Marshal(liqi)
		if err != nil {
			slog.Warn("forwarder: marshaling liqi sub-value failed", "method", ev.Method, "error", err)
			return
		}
		if err := f.post(liqiPayload); err != nil {
			slog.Warn("forwarder: second (liqi) post failed", "method", ev.Method, "error", err)
		}
	}
}

// buildBody applies the two named special cases in spec §4.7. ok is false
// when the event should be silently skipped (an ActionPrototype whose inner
// action name isn't in the action allow-list).
func (f *Forwarder) buildBody(ev Event) (map[string]any, bool) {
	switch ev.Method {
	case ".lq.ActionPrototype":
		return f.buildActionPrototypeBody(ev.Data)
	case ".lq.FastTest.syncGame":
		return f.buildSyncGameBody(ev.Data), true
	default:
		return ev.Data, true
	}
}

// buildActionPrototypeBody inspects the already-spliced inner action (spec
// §3: internal/session decodes ActionPrototype's name/data pair for every
// notify before the forwarder ever sees it) and gates on the action
// allow-list.
func (f *Forwarder) buildActionPrototypeBody(data map[string]any) (map[string]any, bool) {
	name, _ := data["name"].(string)
	if !f.allowsAction(name) {
		return nil, false
	}
	inner, _ := data["data"].(map[string]any)
	if inner == nil {
		inner = map[string]any{}
	}
	if name == "ActionNewRound" {
		inner = withMD5(inner)
	}
	return inner, true
}

// buildSyncGameBody flattens game_restore.actions into the sync_game_actions
// array helper.rs produces: each sub-action is action-decoded against its
// own descriptor (it is not pre-spliced, unlike a Notify's action field,
// because internal/session only splices notifies).
func (f *Forwarder) buildSyncGameBody(data map[string]any) map[string]any {
	actions := f.decodeSyncGameActions(data)
	return map[string]any{"sync_game_actions": actions}
}

func (f *Forwarder) decodeSyncGameActions(data map[string]any) []map[string]any {
	restore, _ := data["game_restore"].(map[string]any)
	items, _ := restore["actions"].([]any)

	out := make([]map[string]any, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := item["name"].(string)
		b64, _ := item["data"].(string)

		actionData := map[string]any{}
		if b64 != "" {
			decoded, err := f.decodeAction(name, b64)
			if err != nil {
				slog.Warn("forwarder: syncGame sub-action decode failed, emitting empty data", "action", name, "error", err)
			} else {
				actionData = decoded
			}
		}
		if name == "ActionNewRound" {
			actionData = withMD5(actionData)
		}
		out = append(out, map[string]any{"name": name, "data": actionData})
	}
	return out
}

func (f *Forwarder) decodeAction(name, b64 string) (map[string]any, error) {
	protoBytes, err := action.DecodePayload(b64)
	if err != nil {
		return nil, fmt.Errorf("forwarder: decoding action payload: %w", err)
	}
	desc, err := f.reg.ResolveMessage("lq." + name)
	if err != nil {
		return nil, fmt.Errorf("forwarder: resolving action descriptor %q: %w", name, err)
	}

	dyn := f.reg.NewMessage(desc)
	if err := proto.Unmarshal(protoBytes, dyn); err != nil {
		return nil, fmt.Errorf("forwarder: unmarshaling action %q: %w", name, err)
	}
	jsonBytes, err := protojson.MarshalOptions{EmitUnpopulated: true, UseProtoNames: true}.Marshal(dyn)
	if err != nil {
		return nil, fmt.Errorf("forwarder: marshaling action %q to json: %w", name, err)
	}
	var out map[string]any
	if err := json.Unmarshal(jsonBytes, &out); err != nil {
		return nil, fmt.Errorf("forwarder: unmarshaling action %q json: %w", name, err)
	}
	return out, nil
}

func withMD5(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["md5"] = ActionPrototypeMD5
	return out
}

func (f *Forwarder) post(payload []byte) error {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, f.apiURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
