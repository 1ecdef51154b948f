package usecase

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/policy"
)

// mockDispatcher implements domain.Dispatcher for testing
type mockDispatcher struct {
	mu        sync.Mutex
	delivered []string
}

func (m *mockDispatcher) Deliver(record string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, record)
}

// mockWriter implements domain.RecordWriter for testing
type mockWriter struct {
	writes   []string
	writeErr error
}

func (m *mockWriter) Write(record []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, string(record))
	return nil
}

// mockPeers implements PeerLookup for testing
type mockPeers map[domain.Role]*mockWriter

func (m mockPeers) Writer(role domain.Role) (domain.RecordWriter, bool) {
	w, ok := m[role]
	if !ok {
		return nil, false
	}
	return w, true
}

// mockSink implements domain.LogSink for testing
type mockSink struct {
	logged []string
}

func (m *mockSink) Log(source domain.Role, record string) {
	m.logged = append(m.logged, string(source)+": "+record)
}

type routerFixture struct {
	router  *RouterImpl
	ui      *mockDispatcher
	backend *mockWriter
	audio   *mockWriter
	sink    *mockSink
}

func newRouterFixture(t *testing.T, classifier policy.Classifier, logger *zap.Logger) *routerFixture {
	t.Helper()
	f := &routerFixture{
		ui:      &mockDispatcher{},
		backend: &mockWriter{},
		audio:   &mockWriter{},
		sink:    &mockSink{},
	}
	peers := mockPeers{domain.RoleBackend: f.backend, domain.RoleAudio: f.audio}
	f.router = NewRouter(policy.NewTable(), classifier, f.ui, peers, f.sink, logger)
	return f
}

func TestRouter_LogRecordGoesOnlyToSink(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())

	f.router.Route(domain.RoleBackend, []byte(`{"type": "log", "payload": "loaded model"}`))

	assert.Equal(t, []string{`backend: {"type": "log", "payload": "loaded model"}`}, f.sink.logged)
	assert.Empty(t, f.ui.delivered)
	assert.Empty(t, f.backend.writes)
	assert.Empty(t, f.audio.writes)
}

func TestRouter_AssistantMessageTapsSpeech(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	rec := `{"type": "assistant-message", "payload": "Hello"}`

	f.router.Route(domain.RoleBackend, []byte(rec))

	assert.Equal(t, []string{rec}, f.ui.delivered)
	assert.Equal(t, []string{`{"type":"backend-audio-service","payload":"Hello"}`}, f.audio.writes)
	assert.Empty(t, f.backend.writes)
}

func TestRouter_SpeechTapKeepsEscapes(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())

	f.router.Route(domain.RoleBackend, []byte(`{"type": "assistant-message", "payload": "He said \"hi\""}`))

	require.Len(t, f.audio.writes, 1)
	assert.Equal(t, `{"type":"backend-audio-service","payload":"He said \"hi\""}`, f.audio.writes[0])
}

func TestRouter_AssistantMessageWithoutTextIsDeliveredOnly(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	rec := `{"type": "assistant-message", "payload": {"parts": []}}`

	f.router.Route(domain.RoleBackend, []byte(rec))

	assert.Equal(t, []string{rec}, f.ui.delivered)
	assert.Empty(t, f.audio.writes)
}

func TestRouter_AudioResponseGoesToUIAndWrappedBackend(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	rec := `{"type":"audio-service-response","payload":{"ok":true}}`

	f.router.Route(domain.RoleAudio, []byte(rec))

	assert.Equal(t, []string{rec}, f.ui.delivered)
	assert.Equal(t, []string{"[" + rec + "]"}, f.backend.writes)
	assert.Empty(t, f.audio.writes)
}

func TestRouter_BackendAudioRequestForwardedAndLogged(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	rec := `{"type": "backend-audio-service", "payload": "speak"}`

	f.router.Route(domain.RoleBackend, []byte(rec))

	assert.Equal(t, []string{rec}, f.audio.writes)
	assert.Len(t, f.sink.logged, 1)
	assert.Empty(t, f.ui.delivered)
}

func TestRouter_InvokeRoutesUIRecords(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())

	f.router.Invoke(`{"type": "frontend-audio-service", "payload": "mute"}`)
	f.router.Invoke(`{"type": "user-message", "payload": "hi"}`)

	assert.Equal(t, []string{`{"type": "frontend-audio-service", "payload": "mute"}`}, f.audio.writes)
	assert.Equal(t, []string{`[{"type": "user-message", "payload": "hi"}]`}, f.backend.writes)
	assert.Empty(t, f.ui.delivered)
}

func TestRouter_InvokeKeepsExistingBatch(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	rec := `[{"type": "user-message", "payload": "hi"}]`

	f.router.Invoke(rec)

	assert.Equal(t, []string{rec}, f.backend.writes)
	assert.Empty(t, f.audio.writes)
	assert.Empty(t, f.ui.delivered)
}

func TestRouter_AudioRequestsReachAudioFromEitherSide(t *testing.T) {
	tests := []struct {
		name   string
		source domain.Role
		rec    string
		logged int
	}{
		{"frontend request from backend", domain.RoleBackend, `{"type": "frontend-audio-service", "payload": "mute"}`, 0},
		{"backend request from ui", domain.RoleUI, `{"type": "backend-audio-service", "payload": "speak"}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())

			f.router.Route(tt.source, []byte(tt.rec))

			assert.Equal(t, []string{tt.rec}, f.audio.writes)
			assert.Empty(t, f.backend.writes)
			assert.Empty(t, f.ui.delivered)
			assert.Len(t, f.sink.logged, tt.logged)
		})
	}
}

func TestRouter_MalformedRecordsGoToUI(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	records := []string{
		`Traceback (most recent call last):`,
		`{"payload": "x", "type": "log"}`,
		`{"type": 42}`,
		``,
	}

	for _, rec := range records {
		assert.NotPanics(t, func() { f.router.Route(domain.RoleBackend, []byte(rec)) })
	}

	assert.Equal(t, records, f.ui.delivered)
	assert.Empty(t, f.sink.logged)
	assert.Empty(t, f.audio.writes)
}

func TestRouter_StructuredClassifierIgnoresKeyOrder(t *testing.T) {
	f := newRouterFixture(t, policy.StructuredClassifier{}, zap.NewNop())

	f.router.Route(domain.RoleBackend, []byte(`{"payload": "x", "type": "log"}`))

	assert.Len(t, f.sink.logged, 1)
	assert.Empty(t, f.ui.delivered)
}

func TestRouter_DeliveryOrderMatchesRoutingOrder(t *testing.T) {
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.NewNop())
	want := []string{"a", "b", `{"type": "assistant-message", "payload": "c"}`, "d"}

	for _, rec := range want {
		f.router.Route(domain.RoleBackend, []byte(rec))
	}

	assert.Equal(t, want, f.ui.delivered)
}

func TestRouter_MissingPeerIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ui := &mockDispatcher{}
	router := NewRouter(policy.NewTable(), policy.PrefixClassifier{}, ui, mockPeers{}, &mockSink{}, zap.New(core))

	router.Route(domain.RoleBackend, []byte(`{"type": "assistant-message", "payload": "Hello"}`))

	assert.Len(t, ui.delivered, 1)
	assert.Equal(t, 1, logs.FilterMessage("no running child for record").Len())
}

func TestRouter_WriteErrorQuietDuringShutdown(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newRouterFixture(t, policy.PrefixClassifier{}, zap.New(core))
	f.audio.writeErr = errors.New("broken pipe")

	f.router.Route(domain.RoleUI, []byte(`{"type": "frontend-audio-service"}`))
	assert.Equal(t, 1, logs.FilterMessage("failed to forward record").Len())

	f.router.SetQuiet(func() bool { return true })
	f.router.Route(domain.RoleUI, []byte(`{"type": "frontend-audio-service"}`))
	assert.Equal(t, 1, logs.FilterMessage("failed to forward record").Len())
	assert.Equal(t, 1, logs.FilterMessage("write during shutdown").Len())
}
