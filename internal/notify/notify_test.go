package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustlesswork/demoengine/internal/realtime"
)

type failingSink struct{ err error }

func (f failingSink) Notify(ctx context.Context, n Notification) error { return f.err }

func TestPrepare_FillsDefaults(t *testing.T) {
	n := Prepare(Notification{Type: TypeInfo, Title: "t"})
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, DefaultDuration, n.Duration)
	assert.False(t, n.CreatedAt.IsZero())

	kept := Prepare(Notification{ID: "x", Duration: time.Second})
	assert.Equal(t, "x", kept.ID)
	assert.Equal(t, time.Second, kept.Duration)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	rec := NewRecorder(4)
	boom := errors.New("sink down")
	m := Multi{failingSink{err: boom}, nil, rec}

	err := m.Notify(context.Background(), Notification{Type: TypeSuccess, Title: "Escrow funded"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"Escrow funded"}, rec.Titles())

	got := <-rec.C()
	assert.NotEmpty(t, got.ID, "Multi prepares notifications before fan-out")
}

func TestLogSink_WritesEntry(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Notify(context.Background(), Notification{
		SessionID: "s1", Type: TypeError, Title: "Transaction failed", Message: "rpc down",
	}))

	out := buf.String()
	assert.Contains(t, out, `"title":"Transaction failed"`)
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestRecorder_NeverBlocks(t *testing.T) {
	rec := NewRecorder(1)
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Notify(context.Background(), Notification{Title: "n"}))
	}
	assert.Len(t, rec.All(), 3)
}

func TestWebhookSink_SignsPayload(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotEvent = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret")
	payload := []byte(`{"title":"Demo completed"}`)
	require.NoError(t, sink.Deliver(context.Background(), "success", payload))

	assert.Equal(t, "success", gotEvent)
	assert.Equal(t, string(payload), string(gotBody))
	assert.Equal(t, Sign(payload, "s3cret"), gotSig)
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "").WithRetry(3, time.Millisecond)
	require.NoError(t, sink.Deliver(context.Background(), "info", []byte(`{}`)))
	assert.Equal(t, int32(3), hits.Load())
}

func TestWebhookSink_ClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "").WithRetry(5, time.Millisecond)
	err := sink.Deliver(context.Background(), "info", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "status 400"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebhookSink_CloseDrainsQueue(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSinkWithQueue(srv.URL, "", 16, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Notify(context.Background(), Notification{Type: TypeInfo, Title: "queued"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, int32(10), hits.Load(), "every queued delivery is sent before Close returns")

	err := sink.Notify(context.Background(), Notification{Title: "late"})
	assert.ErrorIs(t, err, ErrSinkClosed)
	assert.NoError(t, sink.Close(ctx), "Close is idempotent")
}

func TestWebhookSink_FullQueueDrops(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSinkWithQueue(srv.URL, "", 1, 1)
	require.NoError(t, sink.Notify(context.Background(), Notification{Title: "first"}))
	<-entered
	require.NoError(t, sink.Notify(context.Background(), Notification{Title: "second"}))

	err := sink.Notify(context.Background(), Notification{Title: "third"})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, sink.Close(context.Background()))
}

func TestWebhookSink_CloseHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	sink := NewWebhookSinkWithQueue(srv.URL, "", 4, 1)
	require.NoError(t, sink.Notify(context.Background(), Notification{Title: "stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Close(ctx), context.DeadlineExceeded)
}

type fakeBroadcaster struct{ events []*realtime.Event }

func (f *fakeBroadcaster) Broadcast(e *realtime.Event) { f.events = append(f.events, e) }

func TestHubSink_BroadcastsToSession(t *testing.T) {
	b := &fakeBroadcaster{}
	n := Prepare(Notification{SessionID: "s1", Type: TypeSuccess, Title: "Milestone approved"})

	require.NoError(t, NewHubSink(b).Notify(context.Background(), n))

	require.Len(t, b.events, 1)
	assert.Equal(t, realtime.EventNotification, b.events[0].Type)
	assert.Equal(t, "s1", b.events[0].SessionID)
	assert.Equal(t, n, b.events[0].Data)
}
