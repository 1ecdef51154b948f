package ui

import (
	"context"
	"encoding/json"
	"io"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueue_PreservesOrderAndNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	q := NewQueue(func(rec string) {
		<-release
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})

	var want []string
	start := time.Now()
	for i := 0; i < 1000; i++ {
		rec := fmt.Sprintf("r%d", i)
		want = append(want, rec)
		q.Deliver(rec)
	}
	assert.Less(t, time.Since(start), time.Second, "Deliver must not wait on the sink")

	close(release)
	q.Close()
	<-q.Done()

	assert.Equal(t, want, got)
	q.Deliver("after close")
	assert.Zero(t, q.Len())
}

func TestUserRecord(t *testing.T) {
	assert.Equal(t, `{"type":"user-message","payload":"hello \"you\""}`, UserRecord(`hello "you"`))
	assert.Equal(t, `{"type": "frontend-audio-service", "payload": "mute"}`,
		UserRecord(`  {"type": "frontend-audio-service", "payload": "mute"}`))
}

func TestSummary(t *testing.T) {
	kind, text := Summary(`{"type": "assistant-message", "payload": "Hi \"there\""}`)
	assert.Equal(t, "assistant-message", kind)
	assert.Equal(t, `Hi "there"`, text)

	kind, text = Summary(`{"type": "audio-service-response", "payload": {"ok": true}}`)
	assert.Equal(t, "audio-service-response", kind)
	assert.Equal(t, `{"ok": true}`, text)

	kind, text = Summary(`Traceback (most recent call last):`)
	assert.Empty(t, kind)
	assert.Equal(t, `Traceback (most recent call last):`, text)
}

func TestModel_EnterInvokesAndEscCloses(t *testing.T) {
	var invoked []string
	closed := false
	m := newModel("Buddy", func(r string) { invoked = append(invoked, r) }, func() { closed = true })

	m.input.SetValue("hi")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)

	assert.Equal(t, []string{`{"type":"user-message","payload":"hi"}`}, invoked)
	assert.Empty(t, m.input.Value())

	next, _ = m.Update(recordMsg(`{"type": "assistant-message", "payload": "Hello"}`))
	m = next.(model)
	require.Len(t, m.lines, 2)
	assert.Contains(t, m.lines[1], "Hello")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, closed)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_EmptyInputIgnored(t *testing.T) {
	called := false
	m := newModel("Buddy", func(string) { called = true }, nil)
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, called)
}

func headlessTerminal(onClose func()) *Terminal {
	return newTerminal("Buddy", func(string) {}, onClose,
		tea.WithInput(nil), tea.WithOutput(io.Discard), tea.WithoutSignalHandler())
}

func runTerminal(t *testing.T, term *Terminal, ctx context.Context) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- term.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("terminal did not exit")
		return nil
	}
}

func TestTerminal_InterruptIsAGracefulClose(t *testing.T) {
	term := headlessTerminal(nil)
	go term.program.Send(tea.InterruptMsg{})

	assert.NoError(t, runTerminal(t, term, context.Background()))
}

func TestTerminal_ContextCancelQuits(t *testing.T) {
	term := headlessTerminal(nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	assert.NoError(t, runTerminal(t, term, ctx))
}

func TestTerminal_CtrlCClosesWindow(t *testing.T) {
	closed := make(chan struct{})
	term := headlessTerminal(func() { close(closed) })
	go term.program.Send(tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.NoError(t, runTerminal(t, term, context.Background()))
	select {
	case <-closed:
	default:
		t.Fatal("onClose not called")
	}
}

func newBridgeServer(t *testing.T, invoke func(string)) (*Bridge, *httptest.Server) {
	t.Helper()
	b := NewBridge("127.0.0.1:0", invoke, zap.NewNop())
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		srv.Close()
		b.queue.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestBridge_DeliversAndReplaysInOrder(t *testing.T) {
	b, srv := newBridgeServer(t, nil)

	b.Deliver("early-1")
	b.Deliver("early-2")
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.backlog) == 2
	}, 2*time.Second, 5*time.Millisecond)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	b.Deliver(`{"type": "assistant-message", "payload": "Hello"}`)

	assert.Equal(t, "early-1", readText(t, conn))
	assert.Equal(t, "early-2", readText(t, conn))
	assert.Equal(t, `{"type": "assistant-message", "payload": "Hello"}`, readText(t, conn))
}

func TestBridge_InboundFramesInvoke(t *testing.T) {
	got := make(chan string, 1)
	_, srv := newBridgeServer(t, func(rec string) { got <- rec })

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "frontend-audio-service"}`)))

	select {
	case rec := <-got:
		assert.Equal(t, `{"type": "frontend-audio-service"}`, rec)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not invoked")
	}
}

func TestBridge_Healthz(t *testing.T) {
	_, srv := newBridgeServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
