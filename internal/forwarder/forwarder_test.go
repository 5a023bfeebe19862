package forwarder

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string         `json:"method"`
	Data   map[string]any `json:"data"`
	Raw    []byte         `json:"-"`
}

func startCapturingServer(t *testing.T) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req capturedRequest
		_ = json.Unmarshal(raw, &req)
		req.Raw = raw
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func allowAll(string) bool { return true }
func allowNone(string) bool { return false }

func TestActionNewRoundGetsMD5Injected(t *testing.T) {
	srv, snapshot := startCapturingServer(t)

	f := New(srv.URL, nil, allowAll, allowAll)
	f.Start(2)
	defer f.Stop()

	f.Submit(".lq.ActionPrototype", map[string]any{
		"name": "ActionNewRound",
		"data": map[string]any{"ju": float64(1)},
	})

	require.Eventually(t, func() bool { return len(snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)

	reqs := snapshot()
	assert.Equal(t, ActionPrototypeMD5, reqs[0].Data["md5"])
}

func TestActionPrototypeOutsideAllowListIsSkipped(t *testing.T) {
	srv, snapshot := startCapturingServer(t)

	f := New(srv.URL, nil, allowAll, allowNone)
	f.Start(2)
	defer f.Stop()

	f.Submit(".lq.ActionPrototype", map[string]any{"name": "ActionDiscardTile", "data": map[string]any{}})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, snapshot(), "an action outside the action allow-list must never be posted")
}

func TestMethodOutsideAllowListIsSkipped(t *testing.T) {
	srv, snapshot := startCapturingServer(t)

	f := New(srv.URL, nil, allowNone, allowAll)
	f.Start(2)
	defer f.Stop()

	f.Submit(".lq.NotifyMatchTimeout", map[string]any{"foo": "bar"})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, snapshot(), "a method outside the method allow-list must never be posted")
}

func TestLiqiTopLevelFieldCausesDoublePost(t *testing.T) {
	srv, snapshot := startCapturingServer(t)

	f := New(srv.URL, nil, allowAll, allowAll)
	f.Start(2)
	defer f.Stop()

	f.Submit(".lq.NotifyCustomContestSystemMsg", map[string]any{"liqi": "embedded"})

	require.Eventually(t, func() bool { return len(snapshot()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	reqs := snapshot()
	assert.JSONEq(t, `"embedded"`, string(reqs[1].Raw), "the second post must carry only the liqi sub-value, not the whole envelope again")
}

func TestOrdinaryNotifyIsSinglePost(t *testing.T) {
	srv, snapshot := startCapturingServer(t)

	f := New(srv.URL, nil, allowAll, allowAll)
	f.Start(2)
	defer f.Stop()

	f.Submit(".lq.NotifyMatchTimeout", map[string]any{"foo": "bar"})

	require.Eventually(t, func() bool { return len(snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, snapshot(), 1, "a notify with no top-level liqi field must be posted exactly once")
}

func TestSubmitDropsWhenQueueFullRatherThanBlocking(t *testing.T) {
	// No server started: apiURL points nowhere reachable quickly, and no
	// worker pool is running, so every Submit either queues or drops.
	f := New("http://127.0.0.1:1", nil, allowAll, allowAll)
	for i := 0; i < queueCapacity+10; i++ {
		f.Submit(".lq.NotifyMatchTimeout", map[string]any{"i": i})
	}
	// Submit must never block regardless of queue fullness.
	assert.LessOrEqual(t, len(f.queue), queueCapacity)
}

func TestSubmitNoopWithoutAPIURL(t *testing.T) {
	f := New("", nil, allowAll, allowAll)
	f.Start(1)
	defer f.Stop()
	f.Submit(".lq.NotifyMatchTimeout", map[string]any{"foo": "bar"})
	assert.Equal(t, 0, len(f.queue), "forwarder with no configured api url must not queue events")
}
