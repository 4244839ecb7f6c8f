package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	iface "GroundingDet/interface"
	"GroundingDet/postprocess"
	"GroundingDet/remote"
)

const catResult = `{"id":"res-1","choices":[{"index":0,"message":{"role":"assistant","content":{
"frameNo":0,"frameWidth":640,"frameHeight":480,"message":"ok",
"boundingBoxes":[{"phrase":"cat","bboxes":[[10,20,100,80]],"confidence":[0.42]}]}}}]}`

func catArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("a1b2.response")
	require.NoError(t, err)
	_, err = w.Write([]byte(catResult))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testRequest() Request {
	return Request{
		Image:           iface.ImageBuffer{Data: []byte{0xff, 0xd8, 0xff}, Width: 640, Height: 480},
		Prompt:          "cat",
		Threshold:       0.3,
		ServerThreshold: 0.3,
		Poll:            PollConfig{IntervalSeconds: 0.01, MaxAttempts: 10},
		Projection: postprocess.Projection{
			Mode:    iface.BoundingBox2D,
			Overlay: iface.Size{Width: 320, Height: 240},
		},
	}
}

// drain collects updates until the stream closes.
func drain(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("update stream not closed, got %v", states(out))
			return out
		}
	}
}

func states(us []Update) []State {
	out := make([]State, 0, len(us))
	for _, u := range us {
		out = append(out, u.State)
	}
	return out
}

type recordingVisualizer struct {
	mu   sync.Mutex
	sets []iface.DetectionSet
}

func (v *recordingVisualizer) Present(set iface.DetectionSet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sets = append(v.sets, set)
}

func (v *recordingVisualizer) presented() []iface.DetectionSet {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]iface.DetectionSet(nil), v.sets...)
}

type stubUploader struct {
	calls atomic.Int32
	gate  chan struct{} // first call waits on it when set
	err   error
}

func (u *stubUploader) Upload(ctx context.Context, _ iface.ImageBuffer) (iface.AssetHandle, error) {
	n := u.calls.Add(1)
	if n == 1 && u.gate != nil {
		<-u.gate
	}
	if u.err != nil {
		return iface.AssetHandle{}, u.err
	}
	return iface.AssetHandle{ID: "asset-1"}, nil
}

type stubInvoker struct {
	fn func(prompt string) (iface.InvokeOutcome, error)
}

func (i *stubInvoker) Invoke(_ context.Context, _ iface.AssetHandle, prompt string, _ float64) (iface.InvokeOutcome, error) {
	return i.fn(prompt)
}

type blockingPoller struct {
	started chan struct{}
}

func (p *blockingPoller) Poll(ctx context.Context, _ iface.InvocationTicket, _ float64, _ int) (iface.RawResult, error) {
	close(p.started)
	<-ctx.Done()
	return nil, iface.WrapError(iface.KindCancelled, ctx.Err(), "poll interrupted")
}

func TestOrchestrator_AcceptedThenPolled(t *testing.T) {
	archive := catArchive(t)
	var polls atomic.Int32
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /assets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assetId":"asset-1","uploadUrl":"` + srv.URL + `/upload"}`))
	})
	mux.HandleFunc("PUT /upload", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /invoke", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(remote.RequestIDHeader, "req-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /status/req-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write(archive)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := remote.NewClient(remote.Options{
		APIKey:      "nvapi-test",
		AssetURL:    srv.URL + "/assets",
		InvokeURL:   srv.URL + "/invoke",
		PollBaseURL: srv.URL + "/status/",
	})
	vis := &recordingVisualizer{}
	o := New(client, client, client, WithVisualizer(vis))

	id, ch := o.Start(context.Background(), testRequest())
	updates := drain(t, ch)

	assert.Equal(t, []State{UploadingAsset, Uploaded, Invoking, Polling, Decoding, Filtering, Projecting, Completed}, states(updates))
	assert.Equal(t, int32(3), polls.Load())

	last := updates[len(updates)-1]
	require.NotNil(t, last.Set)
	assert.Equal(t, id, last.Set.RequestID)
	require.Len(t, last.Set.Records, 1)
	assert.Equal(t, iface.DetectionRecord{Label: "cat", Confidence: 0.42, Box: iface.Rect{X: 10, Y: 20, W: 100, H: 80}}, last.Set.Records[0])
	require.Len(t, last.Set.Overlay, 1)
	assert.Equal(t, iface.Rect{X: 5, Y: -10, W: 50, H: 40}, last.Set.Overlay[0].Rect)
	assert.Nil(t, last.Set.Anchors)

	assert.Equal(t, Completed, o.Status().State)
	require.Len(t, vis.presented(), 1)
	assert.Equal(t, id, vis.presented()[0].RequestID)
}

func TestOrchestrator_DirectResult(t *testing.T) {
	archive := catArchive(t)
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{Kind: iface.OutcomeImmediate, Result: archive}, nil
	}}
	o := New(&stubUploader{}, inv, nil)

	_, ch := o.Start(context.Background(), testRequest())
	updates := drain(t, ch)
	assert.Equal(t, []State{UploadingAsset, Uploaded, Invoking, DirectResult, Decoding, Filtering, Projecting, Completed}, states(updates))
}

func TestOrchestrator_InvalidRequestMakesNoCalls(t *testing.T) {
	up := &stubUploader{}
	o := New(up, nil, nil)

	req := testRequest()
	req.Prompt = ""
	_, ch := o.Start(context.Background(), req)
	updates := drain(t, ch)

	require.Len(t, updates, 1)
	assert.Equal(t, Failed, updates[0].State)
	assert.True(t, errors.Is(updates[0].Err, iface.ErrConfiguration))
	assert.Equal(t, "ConfigurationError", updates[0].ErrorKind)
	assert.Equal(t, int32(0), up.calls.Load())
}

func TestOrchestrator_InvokeRejectedKeepsStatus(t *testing.T) {
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{}, iface.StatusError(iface.KindInvokeRejected, http.StatusUnprocessableEntity, []byte(`{"detail":"bad"}`))
	}}
	o := New(&stubUploader{}, inv, nil)

	_, ch := o.Start(context.Background(), testRequest())
	updates := drain(t, ch)

	assert.Equal(t, []State{UploadingAsset, Uploaded, Invoking, Failed}, states(updates))
	var pe *iface.PipelineError
	require.True(t, errors.As(updates[len(updates)-1].Err, &pe))
	assert.Equal(t, iface.KindInvokeRejected, pe.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.Status)
	assert.Equal(t, `{"detail":"bad"}`, pe.Body)
}

func TestOrchestrator_UploadFailureStopsPipeline(t *testing.T) {
	up := &stubUploader{err: iface.StatusError(iface.KindAssetPut, http.StatusForbidden, nil)}
	var invoked atomic.Bool
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		invoked.Store(true)
		return iface.InvokeOutcome{}, nil
	}}
	o := New(up, inv, nil)

	_, ch := o.Start(context.Background(), testRequest())
	updates := drain(t, ch)

	assert.Equal(t, []State{UploadingAsset, Failed}, states(updates))
	assert.Equal(t, "AssetPutError", updates[1].ErrorKind)
	assert.False(t, invoked.Load())
}

func TestOrchestrator_NewRequestSupersedesOld(t *testing.T) {
	archive := catArchive(t)
	gate := make(chan struct{})
	up := &stubUploader{gate: gate}
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{Kind: iface.OutcomeImmediate, Result: archive}, nil
	}}
	vis := &recordingVisualizer{}
	o := New(up, inv, nil, WithVisualizer(vis))

	idA, chA := o.Start(context.Background(), testRequest())
	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, time.Second, time.Millisecond)

	idB, chB := o.Start(context.Background(), testRequest())
	updatesB := drain(t, chB)
	close(gate)
	updatesA := drain(t, chA)

	lastA := updatesA[len(updatesA)-1]
	assert.Equal(t, Failed, lastA.State)
	assert.True(t, errors.Is(lastA.Err, iface.ErrCancelled))
	assert.Equal(t, Completed, updatesB[len(updatesB)-1].State)

	st := o.Status()
	assert.Equal(t, idB, st.RequestID)
	assert.Equal(t, Completed, st.State)

	// A's upload finishing late must not reach the visualizer
	time.Sleep(20 * time.Millisecond)
	sets := vis.presented()
	require.Len(t, sets, 1)
	assert.Equal(t, idB, sets[0].RequestID)
	assert.NotEqual(t, idA, idB)
}

func TestOrchestrator_CancelDuringPoll(t *testing.T) {
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{Kind: iface.OutcomeAccepted, Ticket: iface.InvocationTicket{RequestID: "req-1"}}, nil
	}}
	poller := &blockingPoller{started: make(chan struct{})}
	o := New(&stubUploader{}, inv, poller)

	_, ch := o.Start(context.Background(), testRequest())
	select {
	case <-poller.started:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}
	o.Cancel()
	updates := drain(t, ch)

	assert.Equal(t, []State{UploadingAsset, Uploaded, Invoking, Polling, Failed}, states(updates))
	assert.Equal(t, "Cancelled", updates[len(updates)-1].ErrorKind)
	assert.Equal(t, Failed, o.Status().State)
}

func TestOrchestrator_PanicBecomesInternal(t *testing.T) {
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		panic("boom")
	}}
	o := New(&stubUploader{}, inv, nil)

	_, ch := o.Start(context.Background(), testRequest())
	updates := drain(t, ch)

	last := updates[len(updates)-1]
	assert.Equal(t, Failed, last.State)
	assert.True(t, errors.Is(last.Err, iface.ErrInternal))
	assert.Contains(t, last.Error, "boom")
}

func TestOrchestrator_IdleStatus(t *testing.T) {
	o := New(nil, nil, nil)
	assert.Equal(t, Idle, o.Status().State)
}

func TestRequest_Validate(t *testing.T) {
	cases := map[string]func(*Request){
		"no image":          func(r *Request) { r.Image.Data = nil },
		"zero size":         func(r *Request) { r.Image.Width = 0 },
		"threshold":         func(r *Request) { r.Threshold = 1.5 },
		"server threshold":  func(r *Request) { r.ServerThreshold = -0.1 },
		"no attempts":       func(r *Request) { r.Poll.MaxAttempts = 0 },
		"no interval":       func(r *Request) { r.Poll.IntervalSeconds = 0 },
		"no overlay size":   func(r *Request) { r.Projection.Overlay = iface.Size{} },
		"3d without camera": func(r *Request) { r.Projection.Mode = iface.SpatialLabel3D },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := testRequest()
			mutate(&req)
			assert.True(t, errors.Is(req.Validate(), iface.ErrConfiguration))
		})
	}
	assert.NoError(t, testRequest().Validate())
}

// statusVisualizer reads the orchestrator state from inside Present.
type statusVisualizer struct {
	o    *Orchestrator
	seen chan Update
}

func (v *statusVisualizer) Present(iface.DetectionSet) {
	v.seen <- v.o.Status()
}

func TestOrchestrator_VisualizerMayCallBack(t *testing.T) {
	archive := catArchive(t)
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{Kind: iface.OutcomeImmediate, Result: archive}, nil
	}}
	vis := &statusVisualizer{seen: make(chan Update, 1)}
	o := New(&stubUploader{}, inv, nil, WithVisualizer(vis))
	vis.o = o

	id, _ := o.Start(context.Background(), testRequest())
	select {
	case u := <-vis.seen:
		assert.Equal(t, id, u.RequestID)
		assert.Equal(t, Completed, u.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Present blocked on the orchestrator")
	}
}

// cancellingPoller cancels the run and then hands back a valid result.
type cancellingPoller struct {
	o       *Orchestrator
	archive []byte
}

func (p *cancellingPoller) Poll(context.Context, iface.InvocationTicket, float64, int) (iface.RawResult, error) {
	p.o.Cancel()
	return p.archive, nil
}

func TestOrchestrator_NoStageAfterCancel(t *testing.T) {
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{Kind: iface.OutcomeAccepted, Ticket: iface.InvocationTicket{RequestID: "req-1"}}, nil
	}}
	poller := &cancellingPoller{archive: catArchive(t)}
	vis := &recordingVisualizer{}
	o := New(&stubUploader{}, inv, poller, WithVisualizer(vis))
	poller.o = o

	_, ch := o.Start(context.Background(), testRequest())
	updates := drain(t, ch)

	assert.Equal(t, []State{UploadingAsset, Uploaded, Invoking, Polling, Failed}, states(updates))
	assert.Equal(t, "Cancelled", updates[len(updates)-1].ErrorKind)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, vis.presented())
	assert.Equal(t, Failed, o.Status().State)
}

func TestOrchestrator_LogsStatusOfWrappedError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	inv := &stubInvoker{fn: func(string) (iface.InvokeOutcome, error) {
		return iface.InvokeOutcome{}, fmt.Errorf("invoke: %w", iface.StatusError(iface.KindInvokeRejected, http.StatusUnprocessableEntity, nil))
	}}
	o := New(&stubUploader{}, inv, nil, WithLogger(zap.New(core)))

	_, ch := o.Start(context.Background(), testRequest())
	drain(t, ch)

	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, int64(http.StatusUnprocessableEntity), fields["status"])
	assert.Equal(t, "InvokeRejected", fields["kind"])
}
