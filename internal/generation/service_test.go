package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/inference"
	"github.com/minichat/api/internal/models"
)

// --- fakes ---

type fakeChatStore struct {
	mu      sync.Mutex
	chats   map[uuid.UUID]uuid.UUID // chat id -> owner
	touches int
}

func (f *fakeChatStore) GetOwned(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.chats[chatID]
	if !ok || owner != userID {
		return nil, models.ErrNotFound
	}
	return &models.Chat{ID: chatID, UserID: userID}, nil
}

func (f *fakeChatStore) Touch(ctx context.Context, chatID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

type fakeMessageStore struct {
	mu       sync.Mutex
	messages []models.Message
}

func (f *fakeMessageStore) Append(ctx context.Context, chatID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := models.Message{ID: uuid.New(), ChatID: chatID, Role: role, Content: content, CreatedAt: time.Now()}
	f.messages = append(f.messages, m)
	return &m, nil
}

func (f *fakeMessageStore) History(ctx context.Context, chatID uuid.UUID) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) byRole(role models.Role) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type fakeGenerationStore struct {
	mu            sync.Mutex
	gens          map[uuid.UUID]*models.Generation
	finalizeCount int
}

func newFakeGenerationStore() *fakeGenerationStore {
	return &fakeGenerationStore{gens: make(map[uuid.UUID]*models.Generation)}
}

func (f *fakeGenerationStore) Create(ctx context.Context, gen *models.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gens {
		if g.UserID == gen.UserID && g.RequestID == gen.RequestID {
			return models.ErrConflict
		}
	}
	cp := *gen
	f.gens[gen.ID] = &cp
	return nil
}

func (f *fakeGenerationStore) GetOwned(ctx context.Context, generationID, userID uuid.UUID) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gens[generationID]
	if !ok || g.UserID != userID {
		return nil, models.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeGenerationStore) GetByRequestID(ctx context.Context, userID uuid.UUID, requestID string) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gens {
		if g.UserID == userID && g.RequestID == requestID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeGenerationStore) MarkStreaming(ctx context.Context, generationID uuid.UUID, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gens[generationID]
	if !ok || g.Status != models.GenerationStatusQueued {
		return false, nil
	}
	g.Status = models.GenerationStatusStreaming
	g.StartedAt = &startedAt
	return true, nil
}

func (f *fakeGenerationStore) Finalize(ctx context.Context, generationID uuid.UUID, outcome models.GenerationOutcome) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gens[generationID]
	if !ok {
		return false, nil
	}
	if g.Status != models.GenerationStatusQueued && g.Status != models.GenerationStatusStreaming {
		return false, nil
	}
	now := time.Now()
	g.Status = outcome.Status
	g.InputTokens = outcome.InputTokens
	g.OutputTokens = outcome.OutputTokens
	g.ErrorCode = outcome.ErrorCode
	g.ErrorMessage = outcome.ErrorMessage
	g.FinishedAt = &now
	f.finalizeCount++
	return true, nil
}

func (f *fakeGenerationStore) get(id uuid.UUID) models.Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.gens[id]
}

type fakeLimiter struct {
	mu       sync.Mutex
	rateErr  error
	slots    map[uuid.UUID]uuid.UUID // user -> generation holding the slot
	releases int
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{slots: make(map[uuid.UUID]uuid.UUID)}
}

func (f *fakeLimiter) EnforceRate(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateErr
}

func (f *fakeLimiter) AcquireSlot(ctx context.Context, userID, generationID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.slots[userID]; held {
		return false, nil
	}
	f.slots[userID] = generationID
	return true, nil
}

func (f *fakeLimiter) ReleaseSlot(ctx context.Context, userID, generationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slots[userID] == generationID {
		delete(f.slots, userID)
		f.releases++
	}
	return nil
}

func (f *fakeLimiter) SlotHolder(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots[userID], nil
}

func (f *fakeLimiter) holder(userID uuid.UUID) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.slots[userID]
	return id, ok
}

// fakeGateway replays a scripted event sequence. When gate is set, the stream
// emits its events and then blocks until the gate is closed.
type fakeGateway struct {
	mu        sync.Mutex
	events    []inference.Event
	streamErr error
	gate      chan struct{}
	canceled  []uuid.UUID
}

func (f *fakeGateway) StreamGenerate(ctx context.Context, req inference.GenerateRequest, onEvent func(inference.Event)) error {
	for _, ev := range f.events {
		onEvent(ev)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.streamErr
}

func (f *fakeGateway) Cancel(ctx context.Context, generationID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, generationID)
}

func (f *fakeGateway) cancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}

type fakeEvents struct {
	mu     sync.Mutex
	audits []string
	usages int
}

func (f *fakeEvents) PublishAudit(userID uuid.UUID, action string, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, action)
}

func (f *fakeEvents) PublishUsage(userID, generationID uuid.UUID, inputTokens, outputTokens int, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usages++
}

func (f *fakeEvents) usageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usages
}

// --- harness ---

type testEnv struct {
	service     *Service
	chats       *fakeChatStore
	messages    *fakeMessageStore
	generations *fakeGenerationStore
	limiter     *fakeLimiter
	gateway     *fakeGateway
	events      *fakeEvents
	userID      uuid.UUID
	chatID      uuid.UUID
}

func newTestEnv(gateway *fakeGateway) *testEnv {
	userID := uuid.New()
	chatID := uuid.New()
	env := &testEnv{
		chats:       &fakeChatStore{chats: map[uuid.UUID]uuid.UUID{chatID: userID}},
		messages:    &fakeMessageStore{},
		generations: newFakeGenerationStore(),
		limiter:     newFakeLimiter(),
		gateway:     gateway,
		events:      &fakeEvents{},
		userID:      userID,
		chatID:      chatID,
	}
	env.service = NewService(env.chats, env.messages, env.generations,
		env.limiter, env.gateway, env.events,
		Defaults{Model: "mini-chat-1", Temperature: 0.7, MaxTokens: 1024},
		zap.NewNop())
	return env
}

func (env *testEnv) create(t *testing.T, requestID string) uuid.UUID {
	t.Helper()
	id, err := env.service.Create(context.Background(), env.userID, env.chatID, CreateParams{
		UserMessage: "Hello",
		RequestID:   requestID,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

// drain consumes the subscriber channel until the relay closes it.
func drain(t *testing.T, ch <-chan inference.Event) []inference.Event {
	t.Helper()
	var events []inference.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

// waitFor polls cond until it holds or the deadline passes. Needed for the
// few side effects that land just after the channel closes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func deltaEvent(text string) inference.Event {
	return inference.Event{Type: inference.EventDelta, Delta: text}
}

func usageEvent(in, out int) inference.Event {
	return inference.Event{Type: inference.EventUsage, InputTokens: in, OutputTokens: out}
}

// --- tests ---

func TestCreateIsIdempotentOnRequestID(t *testing.T) {
	env := newTestEnv(&fakeGateway{})
	ctx := context.Background()

	first := env.create(t, "req-1")
	second, err := env.service.Create(ctx, env.userID, env.chatID, CreateParams{
		UserMessage: "Hello again",
		RequestID:   "req-1",
	})
	if err != nil {
		t.Fatalf("replayed Create failed: %v", err)
	}

	if first != second {
		t.Errorf("Expected replay to return %v, got %v", first, second)
	}
	if got := len(env.messages.byRole(models.RoleUser)); got != 1 {
		t.Errorf("Expected 1 user message after replay, got %d", got)
	}
	if got := len(env.generations.gens); got != 1 {
		t.Errorf("Expected 1 generation after replay, got %d", got)
	}
}

func TestCreateRejectsForeignChat(t *testing.T) {
	env := newTestEnv(&fakeGateway{})

	_, err := env.service.Create(context.Background(), uuid.New(), env.chatID, CreateParams{
		UserMessage: "Hello",
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for foreign chat, got %v", err)
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	env := newTestEnv(&fakeGateway{})

	id := env.create(t, "")
	gen := env.generations.get(id)

	if gen.Model != "mini-chat-1" {
		t.Errorf("Expected default model mini-chat-1, got %s", gen.Model)
	}
	if gen.Temperature != 0.7 {
		t.Errorf("Expected default temperature 0.7, got %v", gen.Temperature)
	}
	if gen.MaxTokens != 1024 {
		t.Errorf("Expected default max tokens 1024, got %d", gen.MaxTokens)
	}
	if gen.RequestID == "" {
		t.Error("Expected a generated request id when none supplied")
	}
}

func TestStreamSuccess(t *testing.T) {
	env := newTestEnv(&fakeGateway{events: []inference.Event{
		deltaEvent("Hi "),
		deltaEvent("there"),
		usageEvent(10, 2),
		{Type: inference.EventDone},
	}})
	ctx := context.Background()
	id := env.create(t, "")

	ch, err := env.service.Stream(ctx, env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := drain(t, ch)
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}
	if events[len(events)-1].Type != inference.EventDone {
		t.Errorf("Expected final event to be done, got %s", events[len(events)-1].Type)
	}

	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", gen.Status)
	}
	if gen.InputTokens == nil || *gen.InputTokens != 10 {
		t.Errorf("Expected input tokens 10, got %v", gen.InputTokens)
	}
	if gen.OutputTokens == nil || *gen.OutputTokens != 2 {
		t.Errorf("Expected output tokens 2, got %v", gen.OutputTokens)
	}
	if gen.ErrorCode != nil {
		t.Errorf("Expected no error code, got %s", *gen.ErrorCode)
	}

	replies := env.messages.byRole(models.RoleAssistant)
	if len(replies) != 1 {
		t.Fatalf("Expected 1 assistant message, got %d", len(replies))
	}
	if replies[0].Content != "Hi there" {
		t.Errorf("Expected assistant message %q, got %q", "Hi there", replies[0].Content)
	}

	waitFor(t, "slot release", func() bool {
		_, held := env.limiter.holder(env.userID)
		return !held
	})
	if env.events.usageCount() != 1 {
		t.Errorf("Expected 1 usage event, got %d", env.events.usageCount())
	}
}

func TestStreamEndedWithoutDone(t *testing.T) {
	env := newTestEnv(&fakeGateway{events: []inference.Event{deltaEvent("partial")}})
	id := env.create(t, "")

	ch, err := env.service.Stream(context.Background(), env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := drain(t, ch)
	// The subscriber still sees a terminal done marker.
	if events[len(events)-1].Type != inference.EventDone {
		t.Errorf("Expected synthetic done event, got %s", events[len(events)-1].Type)
	}

	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusFailed {
		t.Errorf("Expected status failed, got %s", gen.Status)
	}
	if gen.ErrorCode == nil || *gen.ErrorCode != "stream_ended" {
		t.Errorf("Expected error code stream_ended, got %v", gen.ErrorCode)
	}
	if gen.ErrorMessage == nil || *gen.ErrorMessage != "Stream ended before done event" {
		t.Errorf("Unexpected error message: %v", gen.ErrorMessage)
	}
	if got := len(env.messages.byRole(models.RoleAssistant)); got != 0 {
		t.Errorf("Expected no assistant message on failure, got %d", got)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	env := newTestEnv(&fakeGateway{events: []inference.Event{
		{Type: inference.EventError, Code: "model_overloaded", Message: "Try later"},
	}})
	id := env.create(t, "")

	ch, err := env.service.Stream(context.Background(), env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	drain(t, ch)

	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusFailed {
		t.Errorf("Expected status failed, got %s", gen.Status)
	}
	if gen.ErrorCode == nil || *gen.ErrorCode != "model_overloaded" {
		t.Errorf("Expected error code model_overloaded, got %v", gen.ErrorCode)
	}
}

func TestStreamGatewayFailure(t *testing.T) {
	env := newTestEnv(&fakeGateway{streamErr: fmt.Errorf("connection refused")})
	id := env.create(t, "")

	ch, err := env.service.Stream(context.Background(), env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	drain(t, ch)

	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusFailed {
		t.Errorf("Expected status failed, got %s", gen.Status)
	}
	if gen.ErrorCode == nil || *gen.ErrorCode != "inference_error" {
		t.Errorf("Expected error code inference_error, got %v", gen.ErrorCode)
	}
	waitFor(t, "slot release", func() bool {
		_, held := env.limiter.holder(env.userID)
		return !held
	})
}

func TestStreamOnlyOnce(t *testing.T) {
	env := newTestEnv(&fakeGateway{events: []inference.Event{{Type: inference.EventDone}}})
	ctx := context.Background()
	id := env.create(t, "")

	ch, err := env.service.Stream(ctx, env.userID, id)
	if err != nil {
		t.Fatalf("First Stream failed: %v", err)
	}
	drain(t, ch)

	if _, err := env.service.Stream(ctx, env.userID, id); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Expected ErrConflict on second Stream, got %v", err)
	}
}

func TestStreamRateLimited(t *testing.T) {
	env := newTestEnv(&fakeGateway{})
	env.limiter.rateErr = models.ErrRateLimited
	id := env.create(t, "")

	_, err := env.service.Stream(context.Background(), env.userID, id)
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if gen := env.generations.get(id); gen.Status != models.GenerationStatusQueued {
		t.Errorf("Expected generation to stay queued, got %s", gen.Status)
	}
}

func TestStreamSlotHeld(t *testing.T) {
	env := newTestEnv(&fakeGateway{})
	// Another generation already holds the user's slot.
	holder := uuid.New()
	env.limiter.slots[env.userID] = holder
	id := env.create(t, "")

	_, err := env.service.Stream(context.Background(), env.userID, id)
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Expected ErrConflict while slot is held, got %v", err)
	}
	if !strings.Contains(err.Error(), holder.String()) {
		t.Errorf("Expected conflict error to name the holding generation, got %q", err.Error())
	}
	if gen := env.generations.get(id); gen.Status != models.GenerationStatusQueued {
		t.Errorf("Expected generation to stay queued, got %s", gen.Status)
	}
}

func TestTerminalMarkerReachesSlowSubscriber(t *testing.T) {
	// A subscriber that reads nothing while the relay overruns its buffer
	// must still observe a terminal done marker before the channel closes.
	var events []inference.Event
	for i := 0; i < subscriberBuffer+50; i++ {
		events = append(events, deltaEvent("x"))
	}
	env := newTestEnv(&fakeGateway{events: events})
	id := env.create(t, "")

	ch, err := env.service.Stream(context.Background(), env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	// Do not read until the generation is finalized.
	waitFor(t, "terminal status", func() bool {
		return env.generations.get(id).Status.Terminal()
	})

	received := drain(t, ch)
	if len(received) == 0 {
		t.Fatal("Expected buffered events")
	}
	last := received[len(received)-1]
	if last.Type != inference.EventDone {
		t.Fatalf("Expected last event to be done, got %s after %d events", last.Type, len(received))
	}
}

func TestUpstreamDoneReachesSlowSubscriber(t *testing.T) {
	var events []inference.Event
	for i := 0; i < subscriberBuffer+50; i++ {
		events = append(events, deltaEvent("x"))
	}
	events = append(events, inference.Event{Type: inference.EventDone})
	env := newTestEnv(&fakeGateway{events: events})
	id := env.create(t, "")

	ch, err := env.service.Stream(context.Background(), env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	waitFor(t, "terminal status", func() bool {
		return env.generations.get(id).Status.Terminal()
	})
	if gen := env.generations.get(id); gen.Status != models.GenerationStatusSucceeded {
		t.Fatalf("Expected status succeeded, got %s", gen.Status)
	}

	received := drain(t, ch)
	doneCount := 0
	for _, ev := range received {
		if ev.Type == inference.EventDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Errorf("Expected exactly 1 done marker, got %d", doneCount)
	}
	if received[len(received)-1].Type != inference.EventDone {
		t.Errorf("Expected last event to be done, got %s", received[len(received)-1].Type)
	}
}

func TestCancelQueued(t *testing.T) {
	env := newTestEnv(&fakeGateway{})
	ctx := context.Background()
	id := env.create(t, "")

	if err := env.service.Cancel(ctx, env.userID, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusCanceled {
		t.Errorf("Expected status canceled, got %s", gen.Status)
	}
	if gen.ErrorCode == nil || *gen.ErrorCode != "canceled" {
		t.Errorf("Expected error code canceled, got %v", gen.ErrorCode)
	}
	if gen.ErrorMessage == nil || *gen.ErrorMessage != "Canceled before stream" {
		t.Errorf("Unexpected error message: %v", gen.ErrorMessage)
	}

	// A canceled generation cannot be streamed.
	if _, err := env.service.Stream(ctx, env.userID, id); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict streaming a canceled generation, got %v", err)
	}
}

func TestCancelWhileStreaming(t *testing.T) {
	gateway := &fakeGateway{
		events: []inference.Event{deltaEvent("partial answer")},
		gate:   make(chan struct{}),
	}
	env := newTestEnv(gateway)
	ctx := context.Background()
	id := env.create(t, "")

	ch, err := env.service.Stream(ctx, env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	// Wait for the relay to reach the inference stream, then cancel.
	ev := <-ch
	if ev.Type != inference.EventDelta {
		t.Fatalf("Expected delta event first, got %s", ev.Type)
	}
	if err := env.service.Cancel(ctx, env.userID, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if gateway.cancelCalls() != 1 {
		t.Errorf("Expected 1 upstream cancel call, got %d", gateway.cancelCalls())
	}
	close(gateway.gate)
	drain(t, ch)

	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusCanceled {
		t.Errorf("Expected status canceled, got %s", gen.Status)
	}
	if gen.ErrorMessage == nil || *gen.ErrorMessage != "Canceled by user" {
		t.Errorf("Unexpected error message: %v", gen.ErrorMessage)
	}

	// Partial text is preserved as an assistant message.
	replies := env.messages.byRole(models.RoleAssistant)
	if len(replies) != 1 || replies[0].Content != "partial answer" {
		t.Errorf("Expected partial assistant message, got %v", replies)
	}
	waitFor(t, "slot release", func() bool {
		_, held := env.limiter.holder(env.userID)
		return !held
	})
}

func TestCancelFinishedIsNoOp(t *testing.T) {
	env := newTestEnv(&fakeGateway{events: []inference.Event{{Type: inference.EventDone}}})
	ctx := context.Background()
	id := env.create(t, "")

	ch, err := env.service.Stream(ctx, env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	drain(t, ch)

	if err := env.service.Cancel(ctx, env.userID, id); err != nil {
		t.Fatalf("Cancel of finished generation failed: %v", err)
	}
	gen := env.generations.get(id)
	if gen.Status != models.GenerationStatusSucceeded {
		t.Errorf("Expected status to stay succeeded, got %s", gen.Status)
	}
	env.generations.mu.Lock()
	finalizes := env.generations.finalizeCount
	env.generations.mu.Unlock()
	if finalizes != 1 {
		t.Errorf("Expected exactly 1 terminal write, got %d", finalizes)
	}
}

func TestCancelRejectsForeignGeneration(t *testing.T) {
	env := newTestEnv(&fakeGateway{})
	id := env.create(t, "")

	err := env.service.Cancel(context.Background(), uuid.New(), id)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for foreign generation, got %v", err)
	}
}

func TestSlotReleasedExactlyOnce(t *testing.T) {
	env := newTestEnv(&fakeGateway{events: []inference.Event{
		deltaEvent("hi"),
		{Type: inference.EventDone},
	}})
	ctx := context.Background()
	id := env.create(t, "")

	ch, err := env.service.Stream(ctx, env.userID, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	drain(t, ch)

	// Cancel racing in after completion must not release or finalize again.
	if err := env.service.Cancel(ctx, env.userID, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	waitFor(t, "slot release", func() bool {
		env.limiter.mu.Lock()
		defer env.limiter.mu.Unlock()
		return env.limiter.releases == 1
	})
	env.generations.mu.Lock()
	finalizes := env.generations.finalizeCount
	env.generations.mu.Unlock()
	if finalizes != 1 {
		t.Errorf("Expected exactly 1 terminal write, got %d", finalizes)
	}
}
