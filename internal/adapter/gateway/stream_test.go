package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sensorsync/internal/domain"
	"sensorsync/internal/usecase/eventbus"
)

func startStream(t *testing.T) (*Stream, *eventbus.Bus, string) {
	t.Helper()
	bus := eventbus.New(slog.Default())
	t.Cleanup(bus.Close)
	stream := NewStream(bus, NewStaticTokenAuth(TokenEntry{Token: "tok", Name: "tester"}), slog.Default())
	t.Cleanup(stream.Close)
	srv := httptest.NewServer(stream)
	t.Cleanup(srv.Close)
	return stream, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	var hello Frame
	require.NoError(t, wsjson.Read(ctx, ws, &hello))
	require.Equal(t, FrameTypeHello, hello.Type)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame Frame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	require.Equal(t, FrameTypeEvent, frame.Type)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &ev))
	return ev
}

func TestStream_ForwardsEvents(t *testing.T) {
	stream, bus, url := startStream(t)
	ws := dial(t, url+"?token=tok")
	assert.Equal(t, 1, stream.Clients())

	bus.Publish(context.Background(), domain.NewEvent(domain.EventScanCompleted, "",
		domain.ScanCompletedPayload{Found: 2}))

	ev := readEvent(t, ws)
	assert.Equal(t, domain.EventScanCompleted, ev.Type)
	assert.JSONEq(t, `{"found":2}`, string(ev.Payload))
}

func TestStream_BearerHeader(t *testing.T) {
	_, _, url := startStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok"}},
	})
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestStream_FiltersByTypePrefix(t *testing.T) {
	_, bus, url := startStream(t)
	ws := dial(t, url+"?token=tok&type=snapshot.")

	bus.Publish(context.Background(), domain.NewEvent(domain.EventLinkStateChanged, "AA:01",
		domain.LinkStatePayload{From: domain.LinkIdle, To: domain.LinkConnecting}))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventSnapshotSaved, "AA:01", nil))

	ev := readEvent(t, ws)
	assert.Equal(t, domain.EventSnapshotSaved, ev.Type)
	assert.Equal(t, "AA:01", ev.Subject)
}

func TestStream_RejectsBadToken(t *testing.T) {
	_, _, url := startStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStream_CloseDisconnectsClients(t *testing.T) {
	stream, _, url := startStream(t)
	ws := dial(t, url+"?token=tok")

	stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame Frame
	err := wsjson.Read(ctx, ws, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	assert.Eventually(t, func() bool { return stream.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
