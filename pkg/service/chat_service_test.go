package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomchat/loomchat/pkg/agent"
	"github.com/loomchat/loomchat/pkg/models"
)

// ========== Mocks ==========

type mockStore struct {
	mu            sync.Mutex
	users         map[string]bool
	conversations map[string]*models.Conversation
	messages      map[string]*models.Message
	order         []string

	failCreateMessage bool
	failUpdateMessage bool
}

func newMockStore() *mockStore {
	return &mockStore{
		users:         make(map[string]bool),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string]*models.Message),
	}
}

func (m *mockStore) CreateUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = true
	return nil
}

func (m *mockStore) FindOrCreateConversation(userID, conversationID, firstMessage string) (*models.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conversationID != "" {
		if conv, ok := m.conversations[conversationID]; ok {
			return conv, false, nil
		}
	}
	conv := &models.Conversation{
		ID:     fmt.Sprintf("conv-%d", len(m.conversations)+1),
		UserID: userID,
		Title:  firstMessage,
	}
	if conversationID != "" {
		conv.ID = conversationID
	}
	m.conversations[conv.ID] = conv
	return conv, true, nil
}

func (m *mockStore) UpdateConversationActivity(id string) error {
	return nil
}

func (m *mockStore) CreateMessage(msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateMessage {
		return errors.New("insert failed")
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", len(m.order)+1)
	}
	m.messages[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *mockStore) UpdateMessage(msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateMessage {
		return errors.New("update failed")
	}
	m.messages[msg.ID] = msg
	return nil
}

func (m *mockStore) byRole(role string) []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, id := range m.order {
		if m.messages[id].Role == role {
			out = append(out, m.messages[id])
		}
	}
	return out
}

type mockAgent struct {
	mu        sync.Mutex
	result    string
	err       error
	tokens    []agent.TokenEvent
	signalEnd bool
	invoked   int
	lastCfg   agent.InvokeConfig
}

func (a *mockAgent) Invoke(_ context.Context, _ []agent.Message, cfg agent.InvokeConfig) (string, error) {
	a.mu.Lock()
	a.invoked++
	a.lastCfg = cfg
	a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if cfg.Streaming && cfg.Handler != nil {
		for _, tok := range a.tokens {
			cfg.Handler.OnToken(tok)
		}
		if a.signalEnd {
			cfg.Handler.OnStreamEnd()
		}
	}
	return a.result, nil
}

func (a *mockAgent) invocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invoked
}

type mockProvider struct {
	agent      *mockAgent
	acquireErr error
}

func (p *mockProvider) Acquire(_ context.Context) (agent.Agent, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.agent, nil
}

type mockCache struct {
	mu        sync.Mutex
	responses map[string]string
	messages  map[string]*models.Message
	broken    bool
}

func newMockCache() *mockCache {
	return &mockCache{
		responses: make(map[string]string),
		messages:  make(map[string]*models.Message),
	}
}

func (c *mockCache) GetResponse(_ context.Context, text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return "", false
	}
	val, ok := c.responses[text]
	return val, ok
}

func (c *mockCache) SetResponse(_ context.Context, text, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return
	}
	c.responses[text] = response
}

func (c *mockCache) SetMessage(_ context.Context, msg *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return
	}
	c.messages[msg.ID] = msg
}

func (c *mockCache) SetConversation(_ context.Context, _ *models.Conversation) {}

func (c *mockCache) InvalidateConversationList(_ context.Context, _ string) {}

type mockArchive struct {
	mu    sync.Mutex
	saves []*models.StreamStateView
}

func (a *mockArchive) SaveStreamState(_ context.Context, state *models.StreamStateView) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves = append(a.saves, state)
	return nil
}

func newTestService(provider agent.Provider) (*ChatService, *mockStore, *StreamingStateStore) {
	store := newMockStore()
	states := newTestStateStore()
	svc := NewChatService(store, provider, states)
	svc.logger = testLogger()
	return svc, store, states
}

// ========== Synchronous path ==========

func TestProcessMessage_HappyPath(t *testing.T) {
	ag := &mockAgent{result: "Sure, here is the answer."}
	svc, store, _ := newTestService(&mockProvider{agent: ag})

	msg, err := svc.ProcessMessage(context.Background(), "tell me a joke", "user-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg.Content != "Sure, here is the answer." || msg.Status != models.MessageStatusSent {
		t.Fatalf("assistant = %+v, want sent answer", msg)
	}
	if msg.Meta == nil || msg.Meta.Type != models.MessageTypeText || msg.Meta.FromCache {
		t.Fatalf("meta = %+v, want plain text without cache tag", msg.Meta)
	}

	users := store.byRole(models.RoleUser)
	assistants := store.byRole(models.RoleAssistant)
	if len(users) != 1 || len(assistants) != 1 {
		t.Fatalf("messages = %d user / %d assistant, want 1/1", len(users), len(assistants))
	}
	if assistants[0].ParentID == nil || *assistants[0].ParentID != users[0].ID {
		t.Fatalf("assistant parent = %v, want %q", assistants[0].ParentID, users[0].ID)
	}
	if users[0].Status != models.MessageStatusSent {
		t.Fatalf("user message status = %q, want sent", users[0].Status)
	}
}

func TestProcessMessage_NormalizesAgentOutput(t *testing.T) {
	ag := &mockAgent{result: `[{"index":0,"type":"text","text":"Hello, world!"}]`}
	svc, _, _ := newTestService(&mockProvider{agent: ag})

	msg, err := svc.ProcessMessage(context.Background(), "say hello back", "user-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg.Content != "Hello, world!" {
		t.Fatalf("content = %q, want %q", msg.Content, "Hello, world!")
	}
}

func TestProcessMessage_AgentErrorAbsorbed(t *testing.T) {
	ag := &mockAgent{err: errors.New("model exploded")}
	svc, store, _ := newTestService(&mockProvider{agent: ag})

	msg, err := svc.ProcessMessage(context.Background(), "tell me a joke", "user-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage returned error for agent failure: %v", err)
	}
	if msg.Content != agentErrorApology || msg.Status != models.MessageStatusSent {
		t.Fatalf("assistant = %+v, want apology", msg)
	}
	if msg.Meta == nil || msg.Meta.Type != models.MessageTypeSystem || msg.Meta.Error == "" {
		t.Fatalf("meta = %+v, want system type with error", msg.Meta)
	}
	users := store.byRole(models.RoleUser)
	if users[0].Status != models.MessageStatusError {
		t.Fatalf("user message status = %q, want error", users[0].Status)
	}
}

func TestProcessMessage_EmptyResponseGetsApology(t *testing.T) {
	ag := &mockAgent{result: ""}
	svc, _, _ := newTestService(&mockProvider{agent: ag})

	msg, err := svc.ProcessMessage(context.Background(), "tell me a joke", "user-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg.Content == "" {
		t.Fatal("persisted assistant content is empty")
	}
	if msg.Content != agentErrorApology {
		t.Fatalf("content = %q, want apology substitution", msg.Content)
	}
}

func TestProcessMessage_FileListTag(t *testing.T) {
	ag := &mockAgent{result: "a.txt\nb.txt"}
	svc, _, _ := newTestService(&mockProvider{agent: ag})

	msg, err := svc.ProcessMessage(context.Background(), "list every file in my folder", "user-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg.Meta == nil || msg.Meta.Type != models.MessageTypeFileList {
		t.Fatalf("meta = %+v, want file-list type", msg.Meta)
	}
}

func TestIsDeterministicQuery(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"how to reset a password", true},
		{"tell me a joke", false},
		{"list my files", true},
		{"show recent orders", true},
		{"what is a goroutine", true},
		{"Show me", false}, // prefix check is case-sensitive
		{"HOW TO SHOUT", false},
	}
	for _, tt := range tests {
		if got := isDeterministicQuery(tt.input); got != tt.want {
			t.Fatalf("isDeterministicQuery(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestProcessMessage_CacheHitSkipsAgent(t *testing.T) {
	ag := &mockAgent{result: "fresh answer"}
	svc, store, _ := newTestService(&mockProvider{agent: ag})
	cache := newMockCache()
	cache.responses["how to reset a password"] = "Open settings and choose Reset."
	svc.SetCache(cache)

	msg, err := svc.ProcessMessage(context.Background(), "how to reset a password", "user-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if ag.invocations() != 0 {
		t.Fatalf("agent invoked %d times on a cache hit, want 0", ag.invocations())
	}
	if msg.Content != "Open settings and choose Reset." {
		t.Fatalf("content = %q, want cached answer", msg.Content)
	}
	if msg.Meta == nil || !msg.Meta.FromCache {
		t.Fatalf("meta = %+v, want fromCache tag", msg.Meta)
	}

	// History must stay complete even when served from cache.
	if len(store.byRole(models.RoleUser)) != 1 || len(store.byRole(models.RoleAssistant)) != 1 {
		t.Fatal("cache hit skipped record creation")
	}
	if store.byRole(models.RoleUser)[0].Status != models.MessageStatusSent {
		t.Fatal("user message not marked sent on cache hit")
	}
}

func TestProcessMessage_CachePopulatedForDeterministicQuery(t *testing.T) {
	ag := &mockAgent{result: "cached later"}
	svc, _, _ := newTestService(&mockProvider{agent: ag})
	cache := newMockCache()
	svc.SetCache(cache)

	if _, err := svc.ProcessMessage(context.Background(), "what is the capital of France", "user-1", ""); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if cache.responses["what is the capital of France"] != "cached later" {
		t.Fatal("deterministic response was not written to cache")
	}

	// Second identical call is served without the agent.
	if _, err := svc.ProcessMessage(context.Background(), "what is the capital of France", "user-1", ""); err != nil {
		t.Fatalf("ProcessMessage second call: %v", err)
	}
	if ag.invocations() != 1 {
		t.Fatalf("agent invoked %d times, want 1", ag.invocations())
	}
}

func TestProcessMessage_BrokenCacheTransparent(t *testing.T) {
	run := func(t *testing.T, withBrokenCache bool) *models.Message {
		ag := &mockAgent{result: "the answer"}
		svc, _, _ := newTestService(&mockProvider{agent: ag})
		if withBrokenCache {
			cache := newMockCache()
			cache.broken = true
			svc.SetCache(cache)
		}
		msg, err := svc.ProcessMessage(context.Background(), "how to make tea", "user-1", "")
		if err != nil {
			t.Fatalf("ProcessMessage: %v", err)
		}
		return msg
	}

	plain := run(t, false)
	broken := run(t, true)
	if plain.Content != broken.Content || plain.Status != broken.Status {
		t.Fatal("broken cache changed the request outcome")
	}
	if broken.Meta.FromCache {
		t.Fatal("broken cache still produced a fromCache tag")
	}
}

// ========== Streaming path ==========

func streamColl() (*StreamOptions, *[]string, *int, *[]error) {
	chunks := &[]string{}
	completions := new(int)
	errs := &[]error{}
	opts := &StreamOptions{
		OnChunk: func(text string) error {
			*chunks = append(*chunks, text)
			return nil
		},
		OnComplete: func() error {
			*completions++
			return nil
		},
		OnError: func(err error) {
			*errs = append(*errs, err)
		},
	}
	return opts, chunks, completions, errs
}

func TestProcessStreamingMessage_HappyPath(t *testing.T) {
	ag := &mockAgent{
		tokens: []agent.TokenEvent{
			agent.TextToken("Hello"),
			agent.TextToken(", "),
			agent.TextToken("world!"),
		},
		signalEnd: true,
	}
	svc, store, states := newTestService(&mockProvider{agent: ag})
	archive := &mockArchive{}
	svc.SetStreamArchive(archive)
	opts, chunks, completions, errs := streamColl()

	msg, err := svc.ProcessStreamingMessage(context.Background(), "greet the world", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}

	if got := strings.Join(*chunks, ""); got != "Hello, world!" {
		t.Fatalf("chunks joined = %q, want %q", got, "Hello, world!")
	}
	if *completions != 1 {
		t.Fatalf("completions = %d, want exactly 1", *completions)
	}
	if len(*errs) != 0 {
		t.Fatalf("onError calls = %v, want none", *errs)
	}

	if msg.Content != "Hello, world!" || msg.Status != models.MessageStatusSent {
		t.Fatalf("assistant = %+v, want sent content", msg)
	}
	meta := msg.Meta
	if meta == nil || meta.StreamID == "" || meta.StreamStatus != StreamStatusComplete {
		t.Fatalf("meta = %+v, want stream metadata", meta)
	}
	if meta.ChunkCount != 3 || meta.TotalLength != len("Hello, world!") {
		t.Fatalf("meta counts = %d/%d, want 3/%d", meta.ChunkCount, meta.TotalLength, len("Hello, world!"))
	}
	if meta.StreamStartTime == nil || meta.StreamEndTime == nil || meta.StreamDuration < 0 {
		t.Fatalf("meta timing = %+v, want populated timestamps", meta)
	}
	if !meta.FromCache {
		t.Fatal("finalized stream not marked as materialized")
	}

	if states.Len() != 0 {
		t.Fatalf("states resident after completion = %d, want 0", states.Len())
	}
	if len(archive.saves) == 0 {
		t.Fatal("stream snapshot never archived")
	}
	last := archive.saves[len(archive.saves)-1]
	if last.StreamID != meta.StreamID || last.Content != "Hello, world!" {
		t.Fatalf("archived snapshot = %+v, want final content", last)
	}

	users := store.byRole(models.RoleUser)
	assistants := store.byRole(models.RoleAssistant)
	if len(assistants) != 1 || assistants[0].ParentID == nil || *assistants[0].ParentID != users[0].ID {
		t.Fatal("assistant message count or parent wrong")
	}
}

func TestProcessStreamingMessage_CompletionForcedWithoutEndSignal(t *testing.T) {
	ag := &mockAgent{
		tokens:    []agent.TokenEvent{agent.TextToken("partial answer")},
		signalEnd: false,
	}
	svc, _, states := newTestService(&mockProvider{agent: ag})
	opts, chunks, completions, _ := streamColl()

	msg, err := svc.ProcessStreamingMessage(context.Background(), "talk to me", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}
	if *completions != 1 {
		t.Fatalf("completions = %d, want reconciliation to force exactly 1", *completions)
	}
	if msg.Status != models.MessageStatusSent || msg.Content != "partial answer" {
		t.Fatalf("assistant = %+v, want sent partial content", msg)
	}
	if len(*chunks) != 1 {
		t.Fatalf("chunks = %q", *chunks)
	}
	if states.Len() != 0 {
		t.Fatal("state not cleaned up after forced completion")
	}
}

func TestProcessStreamingMessage_NoTokensNoEndSignal(t *testing.T) {
	ag := &mockAgent{signalEnd: false}
	svc, _, _ := newTestService(&mockProvider{agent: ag})
	opts, _, completions, _ := streamColl()

	msg, err := svc.ProcessStreamingMessage(context.Background(), "anything there?", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}
	if *completions != 1 {
		t.Fatalf("completions = %d, want 1", *completions)
	}
	if msg.Content != reconcileEmptyFallback {
		t.Fatalf("content = %q, want orchestrator fallback", msg.Content)
	}
	if msg.Status != models.MessageStatusSent {
		t.Fatalf("status = %q, want sent", msg.Status)
	}
}

func TestProcessStreamingMessage_EmptyTokensWithEndSignal(t *testing.T) {
	ag := &mockAgent{
		tokens:    []agent.TokenEvent{agent.TextToken("")},
		signalEnd: true,
	}
	svc, _, _ := newTestService(&mockProvider{agent: ag})
	opts, _, completions, _ := streamColl()

	msg, err := svc.ProcessStreamingMessage(context.Background(), "anything there?", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}
	if msg.Content != streamEmptyFallback {
		t.Fatalf("content = %q, want bridge fallback", msg.Content)
	}
	if *completions != 1 {
		t.Fatalf("completions = %d, want 1", *completions)
	}
}

func TestProcessStreamingMessage_AgentUnavailable(t *testing.T) {
	svc, store, states := newTestService(&mockProvider{acquireErr: errors.New("no model configured")})
	opts, chunks, completions, errs := streamColl()

	msg, err := svc.ProcessStreamingMessage(context.Background(), "hello", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage must resolve when agent is unavailable, got %v", err)
	}

	canned := map[string]bool{
		fallbackGreeting: true,
		fallbackHelp:     true,
		fallbackWeather:  true,
		fallbackGeneric:  true,
	}
	if !canned[msg.Content] {
		t.Fatalf("content = %q, want one of the canned replies", msg.Content)
	}
	if msg.Content != fallbackGreeting {
		t.Fatalf("content = %q, want greeting for %q", msg.Content, "hello")
	}
	if msg.Meta == nil || msg.Meta.Error != "agent_unavailable" {
		t.Fatalf("meta = %+v, want agent_unavailable tag", msg.Meta)
	}
	if msg.Status != models.MessageStatusSent {
		t.Fatalf("status = %q, want sent", msg.Status)
	}
	if len(*chunks) != 1 || (*chunks)[0] != msg.Content {
		t.Fatalf("chunks = %q, want the reply as a single chunk", *chunks)
	}
	if *completions != 1 || len(*errs) != 0 {
		t.Fatalf("completions=%d errs=%v, want 1 and none", *completions, *errs)
	}
	if states.Len() != 0 {
		t.Fatal("state not cleaned up on fallback path")
	}
	if store.byRole(models.RoleUser)[0].Status != models.MessageStatusSent {
		t.Fatal("user message not marked sent on fallback path")
	}
}

func TestProcessStreamingMessage_InvokeErrorRethrows(t *testing.T) {
	ag := &mockAgent{err: errors.New("stream blew up")}
	svc, store, states := newTestService(&mockProvider{agent: ag})
	opts, _, _, errs := streamColl()

	_, err := svc.ProcessStreamingMessage(context.Background(), "risky question", "user-1", "", *opts)
	if err == nil {
		t.Fatal("ProcessStreamingMessage swallowed the invocation error")
	}
	if !strings.Contains(err.Error(), "stream blew up") {
		t.Fatalf("error = %v, want cause preserved", err)
	}
	if len(*errs) != 1 {
		t.Fatalf("onError calls = %d, want exactly 1", len(*errs))
	}

	assistants := store.byRole(models.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(assistants))
	}
	if assistants[0].Status != models.MessageStatusError {
		t.Fatalf("assistant status = %q, want error", assistants[0].Status)
	}
	if assistants[0].Meta == nil || assistants[0].Meta.Error == "" || assistants[0].Meta.StreamStatus != StreamStatusError {
		t.Fatalf("meta = %+v, want error details", assistants[0].Meta)
	}
	if states.Len() != 0 {
		t.Fatal("state leaked after error path")
	}
}

func TestProcessStreamingMessage_ErrorUpdateFailureDoesNotMask(t *testing.T) {
	ag := &mockAgent{err: errors.New("root cause")}
	svc, store, _ := newTestService(&mockProvider{agent: ag})
	opts, _, _, _ := streamColl()

	// Updates fail during cleanup; the original error must still surface.
	store.failUpdateMessage = true
	_, err := svc.ProcessStreamingMessage(context.Background(), "risky question", "user-1", "", *opts)
	if err == nil || !strings.Contains(err.Error(), "root cause") {
		t.Fatalf("error = %v, want original cause", err)
	}
}

func TestProcessStreamingMessage_StreamStateInspection(t *testing.T) {
	svc, _, states := newTestService(&mockProvider{agent: &mockAgent{}})

	states.Create("live-1", "m1", "c1")
	view, ok := svc.StreamState("live-1")
	if !ok || view.StreamID != "live-1" || view.Status != StreamStatusInitializing {
		t.Fatalf("StreamState = %+v %v, want live snapshot", view, ok)
	}
	if _, ok := svc.StreamState("gone"); ok {
		t.Fatal("StreamState returned a snapshot for an unknown stream")
	}
}

func TestProcessStreamingMessage_ConfigCarriesCorrelation(t *testing.T) {
	ag := &mockAgent{tokens: []agent.TokenEvent{agent.TextToken("ok")}, signalEnd: true}
	svc, _, _ := newTestService(&mockProvider{agent: ag})
	opts, _, _, _ := streamColl()

	msg, err := svc.ProcessStreamingMessage(context.Background(), "check config", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}
	if !ag.lastCfg.Streaming || ag.lastCfg.Handler == nil {
		t.Fatalf("config = %+v, want streaming with handler", ag.lastCfg)
	}
	if ag.lastCfg.ConversationID != msg.ConversationID {
		t.Fatalf("config conversation = %q, want %q", ag.lastCfg.ConversationID, msg.ConversationID)
	}
	if ag.lastCfg.StreamID == "" || ag.lastCfg.StreamID != msg.Meta.StreamID {
		t.Fatalf("config stream id = %q, meta stream id = %q", ag.lastCfg.StreamID, msg.Meta.StreamID)
	}
}

func TestProcessStreamingMessage_OnStartFiresFirst(t *testing.T) {
	ag := &mockAgent{tokens: []agent.TokenEvent{agent.TextToken("body")}, signalEnd: true}
	svc, _, _ := newTestService(&mockProvider{agent: ag})

	var order []string
	var startedStream string
	opts := StreamOptions{
		OnStart: func(streamID, messageID, conversationID string) {
			order = append(order, "start")
			startedStream = streamID
			if messageID == "" || conversationID == "" {
				t.Errorf("OnStart ids empty: %q %q", messageID, conversationID)
			}
		},
		OnChunk: func(string) error {
			order = append(order, "chunk")
			return nil
		},
		OnComplete: func() error {
			order = append(order, "complete")
			return nil
		},
	}

	msg, err := svc.ProcessStreamingMessage(context.Background(), "sequence check", "user-1", "", opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}
	want := []string{"start", "chunk", "complete"}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("callback order = %v, want %v", order, want)
	}
	if startedStream != msg.Meta.StreamID {
		t.Fatalf("OnStart stream id %q != persisted %q", startedStream, msg.Meta.StreamID)
	}
}

func TestProcessStreamingMessage_UniqueStreamIDs(t *testing.T) {
	ag := &mockAgent{tokens: []agent.TokenEvent{agent.TextToken("ok")}, signalEnd: true}
	svc, _, _ := newTestService(&mockProvider{agent: ag})

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		opts, _, _, _ := streamColl()
		msg, err := svc.ProcessStreamingMessage(context.Background(), "again", "user-1", "", *opts)
		if err != nil {
			t.Fatalf("ProcessStreamingMessage: %v", err)
		}
		if seen[msg.Meta.StreamID] {
			t.Fatalf("stream id %q reused", msg.Meta.StreamID)
		}
		seen[msg.Meta.StreamID] = true
	}
}

func TestProcessStreamingMessage_ConcurrentStreams(t *testing.T) {
	ag := &mockAgent{tokens: []agent.TokenEvent{agent.TextToken("done")}, signalEnd: true}
	svc, store, states := newTestService(&mockProvider{agent: ag})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			opts, _, _, _ := streamColl()
			if _, err := svc.ProcessStreamingMessage(context.Background(),
				fmt.Sprintf("request %d", n), "user-1", "", *opts); err != nil {
				t.Errorf("stream %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if states.Len() != 0 {
		t.Fatalf("states resident = %d, want 0", states.Len())
	}
	if got := len(store.byRole(models.RoleAssistant)); got != 8 {
		t.Fatalf("assistant messages = %d, want 8", got)
	}
}

func TestClassifyMessageType(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"list my files", models.MessageTypeFileList},
		{"list the whole directory", models.MessageTypeText},
		{"show me a file", models.MessageTypeText},
		{"hello", models.MessageTypeText},
	}
	for _, tt := range tests {
		if got := classifyMessageType(tt.input); got != tt.want {
			t.Fatalf("classifyMessageType(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestProcessStreamingMessage_DurationNonNegative(t *testing.T) {
	ag := &mockAgent{tokens: []agent.TokenEvent{agent.TextToken("quick")}, signalEnd: true}
	svc, _, _ := newTestService(&mockProvider{agent: ag})
	opts, _, _, _ := streamColl()

	start := time.Now()
	msg, err := svc.ProcessStreamingMessage(context.Background(), "time me", "user-1", "", *opts)
	if err != nil {
		t.Fatalf("ProcessStreamingMessage: %v", err)
	}
	if msg.Meta.StreamDuration < 0 {
		t.Fatalf("duration = %d ms, want >= 0", msg.Meta.StreamDuration)
	}
	if msg.Meta.StreamStartTime.Before(start.Add(-time.Second)) {
		t.Fatalf("start time %v implausible", msg.Meta.StreamStartTime)
	}
}
