// internal/monitoring/monitoring_test.go
package monitoring

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumix-ai/warp/internal/learning"
	"github.com/lumix-ai/warp/internal/metrics"
	"github.com/lumix-ai/warp/internal/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func baseRow() metrics.AccuracyRow {
	return metrics.AccuracyRow{
		Session:         0,
		Acc:             81.5,
		BaseAcc:         81.5,
		NewAcc:          math.NaN(),
		BaseAccGivenNew: math.NaN(),
		NewAccGivenBase: math.NaN(),
	}
}

func TestCollectorEpoch(t *testing.T) {
	c := NewCollector()
	c.Epoch(learning.EpochReport{Epoch: 0, LR: 0.1, TrainLoss: 2, TestAcc: 0.4, Best: true, Elapsed: 20 * time.Millisecond})
	c.Epoch(learning.EpochReport{Epoch: 1, LR: 0.05, TrainLoss: 1.5, TestAcc: 0.3, Elapsed: 20 * time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.epochs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bestUpdates))
	assert.Equal(t, 0.05, testutil.ToFloat64(c.lr))
	assert.Equal(t, 0.3, testutil.ToFloat64(c.testAcc))

	st := c.Status()
	assert.Equal(t, 1, st.Epoch)
	assert.Equal(t, 1, st.BestUpdates)
	assert.Positive(t, st.Goroutines)
}

func TestCollectorSessionSkipsEmptyGroups(t *testing.T) {
	c := NewCollector()
	c.Session(learning.SessionReport{Session: 0, Row: baseRow()})

	// only "all" and "base" are defined in session 0
	assert.Equal(t, 2, testutil.CollectAndCount(c.sessionAcc))
	assert.Equal(t, 81.5, testutil.ToFloat64(c.sessionAcc.WithLabelValues("0", "base")))
	assert.Equal(t, 81.5, c.Status().SessionAcc["0"])
}

func TestCollectorPhaseKeepsOneSeries(t *testing.T) {
	c := NewCollector()
	c.Phase(session.PhaseBaseTraining, 0)
	c.Phase(session.PhaseIncremental, 3)

	assert.Equal(t, 1, testutil.CollectAndCount(c.phase))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phase.WithLabelValues(string(session.PhaseIncremental))))
	st := c.Status()
	assert.Equal(t, "incremental", st.Phase)
	assert.Equal(t, 3, st.Session)
}

func TestCollectorStatusIsCopy(t *testing.T) {
	c := NewCollector()
	c.Session(learning.SessionReport{Session: 0, Row: baseRow()})
	st := c.Status()
	st.SessionAcc["0"] = 1
	assert.Equal(t, 81.5, c.Status().SessionAcc["0"])
}

func get(t *testing.T, client *fasthttp.Client, url string) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetConnectionClose()
	require.NoError(t, client.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func TestServerEndpoints(t *testing.T) {
	c := NewCollector()
	c.Epoch(learning.EpochReport{Epoch: 4, LR: 0.1, TestAcc: 0.5, Best: true})
	c.Phase(session.PhaseBaseTraining, 0)

	ln := fasthttputil.NewInmemoryListener()
	srv := NewServer(c)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln, 2) }()

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}

	code, body := get(t, client, "http://warp/metrics")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), "warp_epochs_total 1")
	assert.Contains(t, string(body), `warp_phase{phase="base_training"} 1`)

	code, body = get(t, client, "http://warp/status")
	assert.Equal(t, fasthttp.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "base_training", st.Phase)
	assert.Equal(t, 4, st.Epoch)

	code, body = get(t, client, "http://warp/healthz")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, _ = get(t, client, "http://warp/nope")
	assert.Equal(t, fasthttp.StatusNotFound, code)

	require.NoError(t, srv.Shutdown())
	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, srv.Shutdown())
}

func TestServerShutdownBeforeServe(t *testing.T) {
	srv := NewServer(NewCollector())
	require.NoError(t, srv.Shutdown())
	assert.ErrorIs(t, srv.Serve(fasthttputil.NewInmemoryListener(), 0), ErrServerClosed)
}

func TestEventSinkStreamsEvents(t *testing.T) {
	received := make(chan Event, 16)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var ev Event
			if err := ws.ReadJSON(&ev); err != nil {
				close(received)
				return
			}
			received <- ev
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, err := DialEventSink(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events")
	require.NoError(t, err)

	sink.Phase(session.PhaseBaseTraining, 0)
	sink.Epoch(learning.EpochReport{Epoch: 2, LR: 0.1, TestAcc: 0.5})
	sink.Session(learning.SessionReport{Session: 0, Phase: "prototype_init", Row: baseRow()})
	require.NoError(t, sink.Close())
	assert.NoError(t, sink.Close())
	sink.Phase(session.PhaseDone, 0)

	var events []Event
	timeout := time.After(5 * time.Second)
	for len(events) < 3 {
		select {
		case ev, ok := <-received:
			require.True(t, ok, "connection closed after %d events", len(events))
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("received %d events", len(events))
		}
	}

	assert.Equal(t, "phase", events[0].Type)
	assert.Equal(t, "base_training", events[0].Phase)
	assert.Equal(t, "epoch", events[1].Type)
	require.NotNil(t, events[1].Epoch)
	assert.Equal(t, 2, events[1].Epoch.Epoch)
	assert.Equal(t, "session", events[2].Type)
	assert.Equal(t, 81.5, events[2].Acc["base"])
	assert.NotContains(t, events[2].Acc, "new")
	assert.Zero(t, sink.Dropped())
}

func TestDialEventSinkFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialEventSink(ctx, "ws://127.0.0.1:1/events")
	assert.Error(t, err)
}

func TestFanout(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	f := Fanout{a, b}
	f.Phase(session.PhaseFinalize, 2)
	f.Epoch(learning.EpochReport{Epoch: 1})
	f.Session(learning.SessionReport{Session: 2, Row: metrics.AccuracyRow{Session: 2, Acc: 60}})

	for _, c := range []*Collector{a, b} {
		st := c.Status()
		assert.Equal(t, "finalize", st.Phase)
		assert.Equal(t, 1, st.Epoch)
		assert.Equal(t, 60.0, st.SessionAcc["2"])
	}
}
