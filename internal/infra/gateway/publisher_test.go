package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest_go/internal/domain"
	"backtest_go/internal/infra"
)

// matchingEngine fills every received fragment at its priced fill.
func matchingEngine(t *testing.T, hello chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case TypeHello:
				hello <- env.Client
			case TypeFragments:
				for _, f := range env.Fragments {
					fill := domain.FillReport{FragmentID: f.ID, Sid: f.Sid, Size: f.Size, Price: f.Fill.Price, FilledAt: f.CreatedAt}
					if err := conn.WriteJSON(Envelope{Type: TypeFill, Fill: &fill}); err != nil {
						return
					}
				}
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestPublisherRoundTrip(t *testing.T) {
	hello := make(chan string, 1)
	srv := matchingEngine(t, hello)
	defer srv.Close()

	fills := make(chan domain.FillReport, 8)
	m := &infra.Metrics{}
	p := NewPublisher(wsURL(srv), "backtest-test", fills, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	defer p.Disconnect()
	require.NoError(t, p.WaitConnected(ctx))

	select {
	case client := <-hello:
		assert.Equal(t, "backtest-test", client)
	case <-ctx.Done():
		t.Fatal("no hello received")
	}
	assert.True(t, p.IsConnected())
	assert.Equal(t, int32(1), m.Snapshot().ActiveConnections)

	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	frags := []domain.Fragment{
		{ID: "f-1", Sid: 1, Size: 200, Fill: domain.Priced(10.01), CreatedAt: at},
		{ID: "f-2", Sid: 1, Size: 100, Fill: domain.Priced(10.03), CreatedAt: at},
	}
	require.NoError(t, p.Submit(ctx, frags))

	for _, want := range frags {
		select {
		case got := <-fills:
			assert.Equal(t, want.ID, got.FragmentID)
			assert.Equal(t, want.Size, got.Size)
			assert.Equal(t, want.Fill.Price, got.Price)
			assert.True(t, got.FilledAt.Equal(at))
		case <-ctx.Done():
			t.Fatalf("Expected fill for %s, got timeout", want.ID)
		}
	}
}

func TestSubmitWithoutConnection(t *testing.T) {
	p := NewPublisher("ws://127.0.0.1:1/none", "c", nil, &infra.Metrics{})

	assert.NoError(t, p.Submit(context.Background(), nil), "empty batch is a no-op")

	err := p.Submit(context.Background(), []domain.Fragment{{ID: "x", Size: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, domain.IsRetriable(err))
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, maxDelay},
		{200, maxDelay},
	}
	for _, tc := range tests {
		if got := calculateBackoff(tc.retry); got != tc.want {
			t.Errorf("retry %d: Expected %v, got %v", tc.retry, tc.want, got)
		}
	}
}

func TestHandleMessageIgnoresNoise(t *testing.T) {
	fills := make(chan domain.FillReport, 1)
	p := NewPublisher("ws://unused", "c", fills, &infra.Metrics{})
	ctx := context.Background()

	assert.True(t, p.handleMessage(ctx, []byte("not json")))
	assert.True(t, p.handleMessage(ctx, []byte(`{"type":"hello"}`)))
	assert.True(t, p.handleMessage(ctx, []byte(`{"type":"fill"}`)))
	assert.Len(t, fills, 0)

	assert.True(t, p.handleMessage(ctx, []byte(`{"type":"fill","fill":{"fragment_id":"a","size":5}}`)))
	require.Len(t, fills, 1)
	assert.Equal(t, "a", (<-fills).FragmentID)
}

func TestHandleMessageDeliversEveryFillWhenFull(t *testing.T) {
	const n = 5
	fills := make(chan domain.FillReport, 1)
	p := NewPublisher("ws://unused", "c", fills, &infra.Metrics{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			msg := fmt.Sprintf(`{"type":"fill","fill":{"fragment_id":"f-%d","size":5}}`, i)
			if !p.handleMessage(ctx, []byte(msg)) {
				t.Errorf("Expected fill f-%d delivered, got cancellation", i)
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case got := <-fills:
			assert.Equal(t, fmt.Sprintf("f-%d", i), got.FragmentID)
		case <-ctx.Done():
			t.Fatalf("Expected %d fills, got %d", n, i)
		}
	}
	<-done
}

func TestHandleMessageStopsOnCancel(t *testing.T) {
	fills := make(chan domain.FillReport, 1)
	fills <- domain.FillReport{FragmentID: "queued"}
	p := NewPublisher("ws://unused", "c", fills, &infra.Metrics{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.handleMessage(ctx, []byte(`{"type":"fill","fill":{"fragment_id":"b","size":5}}`)))
	require.Len(t, fills, 1)
	assert.Equal(t, "queued", (<-fills).FragmentID)
}
