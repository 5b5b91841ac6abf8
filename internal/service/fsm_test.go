package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ironhelm/helmsman/internal/domain/endpoint"
	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/role"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/domain/todo"
)

// fakeSessions is an in-memory Sessions with real per-session mutexes, so
// the linearizability test exercises the same locking discipline the store
// provides.
type fakeSessions struct {
	mu     sync.Mutex
	states map[string]session.State
	locks  sync.Map
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{states: make(map[string]session.State)}
}

func (f *fakeSessions) WithLock(sessionID string, fn func()) {
	muAny, _ := f.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

func (f *fakeSessions) Get(_ context.Context, sessionID string) session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[sessionID]; ok {
		return st
	}
	return session.New(sessionID, 0.8)
}

func (f *fakeSessions) Update(_ context.Context, st session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.SessionID] = st
}

type fakeGatherer struct {
	result KnowledgeResult
	calls  int
}

func (f *fakeGatherer) Gather(_ context.Context, _ string, _ role.Role) KnowledgeResult {
	f.calls++
	return f.result
}

func testController(sessions Sessions, gatherer Gatherer) *Controller {
	return NewController(sessions, gatherer, ControllerConfig{
		CompletionThreshold:   95,
		SuccessRateThreshold:  0.7,
		EffectivenessMin:      0.3,
		EffectivenessMax:      1.0,
		AutoConnectionEnabled: true,
	}, slog.New(slog.DiscardHandler))
}

const testSession = "s-00000001"

func boolPtr(b bool) *bool { return &b }

func TestHappyPath(t *testing.T) {
	sessions := newFakeSessions()
	gatherer := &fakeGatherer{result: KnowledgeResult{
		Answer:     "[Docs] useful facts",
		Confidence: 0.8,
		Metrics:    endpoint.UsageMetrics{EndpointsQueried: 2, Successful: 2},
	}}
	c := testController(sessions, gatherer)
	ctx := context.Background()

	// Turn 1: init.
	resp := c.Step(ctx, Event{
		SessionID:        testSession,
		InitialObjective: "Analyze CSV sales data and produce insights",
	})
	if resp.NextPhase != phase.Query {
		t.Fatalf("turn 1: next_phase = %q, want QUERY", resp.NextPhase)
	}
	if resp.Payload["detected_role"] != string(role.Analyzer) {
		t.Fatalf("turn 1: detected_role = %v, want analyzer", resp.Payload["detected_role"])
	}
	if resp.Status != phase.StatusInProgress {
		t.Fatalf("turn 1: status = %q", resp.Status)
	}

	// Turn 2: QUERY completed.
	resp = c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventQuery,
		Payload:        EventPayload{InterpretedGoal: "compute metrics over the CSV"},
	})
	if resp.NextPhase != phase.Enhance {
		t.Fatalf("turn 2: next_phase = %q, want ENHANCE", resp.NextPhase)
	}
	if resp.Payload["interpreted_goal"] != "compute metrics over the CSV" {
		t.Fatalf("turn 2: interpreted_goal = %v", resp.Payload["interpreted_goal"])
	}

	// Turn 3: ENHANCE completed; KNOWLEDGE runs on the next turn.
	resp = c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventEnhance,
		Payload:        EventPayload{EnhancedGoal: "compute metrics with validation"},
	})
	if resp.NextPhase != phase.Knowledge {
		t.Fatalf("turn 3: next_phase = %q, want KNOWLEDGE", resp.NextPhase)
	}

	// Turn 4: KNOWLEDGE completed, orchestrator invoked.
	resp = c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventKnowledge,
	})
	if resp.NextPhase != phase.Plan {
		t.Fatalf("turn 4: next_phase = %q, want PLAN", resp.NextPhase)
	}
	if gatherer.calls != 1 {
		t.Fatalf("turn 4: gatherer calls = %d, want 1", gatherer.calls)
	}
	if _, ok := resp.Payload["api_usage_metrics"]; !ok {
		t.Fatal("turn 4: api_usage_metrics missing from payload")
	}

	// Turn 5: PLAN completed with one meta-prompt todo.
	resp = c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventPlan,
		Payload: EventPayload{
			PlanCreated: true,
			TodosWithMetaprompts: []todo.Todo{{
				ID:       "t1",
				Content:  "(ROLE: analyzer) (CONTEXT: csv) (PROMPT: compute averages) (OUTPUT: table)",
				Status:   todo.StatusPending,
				Priority: todo.PriorityHigh,
			}},
		},
	})
	if resp.NextPhase != phase.Execute {
		t.Fatalf("turn 5: next_phase = %q, want EXECUTE", resp.NextPhase)
	}
	if idx, _ := resp.Payload["current_task_index"].(float64); idx != 0 {
		t.Fatalf("turn 5: current_task_index = %v, want 0", resp.Payload["current_task_index"])
	}

	// Turn 6: EXECUTE completed, all tasks done.
	resp = c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventExecute,
		Payload: EventPayload{
			ExecutionSuccess: boolPtr(true),
			MoreTasksPending: boolPtr(false),
			CurrentTodos: []todo.Todo{{
				ID:       "t1",
				Content:  "(ROLE: analyzer) (CONTEXT: csv) (PROMPT: compute averages) (OUTPUT: table)",
				Status:   todo.StatusCompleted,
				Priority: todo.PriorityHigh,
			}},
		},
	})
	if resp.NextPhase != phase.Verify {
		t.Fatalf("turn 6: next_phase = %q, want VERIFY", resp.NextPhase)
	}
	eff, _ := resp.Payload["reasoning_effectiveness"].(float64)
	if eff <= 0.8 || eff > 1.0 {
		t.Fatalf("turn 6: reasoning_effectiveness = %v, want raised within bounds", eff)
	}

	// Turn 7: VERIFY passes.
	resp = c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventVerify,
		Payload:        EventPayload{VerificationPassed: boolPtr(true)},
	})
	if resp.NextPhase != phase.Done {
		t.Fatalf("turn 7: next_phase = %q, want DONE", resp.NextPhase)
	}
	if resp.Status != phase.StatusDone {
		t.Fatalf("turn 7: status = %q, want DONE", resp.Status)
	}
	if len(resp.AllowedNextTools) != 0 {
		t.Fatalf("turn 7: DONE allows no tools, got %v", resp.AllowedNextTools)
	}
}

func TestRollbackToPlanOnLowCompletion(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	todos := []todo.Todo{
		{ID: "t1", Content: "a", Status: todo.StatusCompleted, Priority: todo.PriorityMedium},
		{ID: "t2", Content: "b", Status: todo.StatusPending, Priority: todo.PriorityMedium},
		{ID: "t3", Content: "c", Status: todo.StatusPending, Priority: todo.PriorityMedium},
		{ID: "t4", Content: "d", Status: todo.StatusPending, Priority: todo.PriorityMedium},
		{ID: "t5", Content: "e", Status: todo.StatusPending, Priority: todo.PriorityMedium},
	}
	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Verify
	st.InitialObjective = "finish the report"
	st.DetectedRole = role.Researcher
	st.Payload.CurrentTodos = todos
	st.Payload.CurrentTaskIndex = 4
	sessions.Update(ctx, st)

	resp := c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventVerify,
		Payload:        EventPayload{VerificationPassed: boolPtr(true)},
	})

	if resp.NextPhase != phase.Plan {
		t.Fatalf("next_phase = %q, want PLAN (pct=20)", resp.NextPhase)
	}
	if idx, _ := resp.Payload["current_task_index"].(float64); idx != 0 {
		t.Fatalf("current_task_index = %v, want reset to 0", resp.Payload["current_task_index"])
	}
	reason, _ := resp.Payload["verification_failure_reason"].(string)
	if reason == "" {
		t.Fatal("verification_failure_reason empty after rollback")
	}
	if pct, _ := resp.Payload["last_completion_percentage"].(float64); pct != 20 {
		t.Fatalf("last_completion_percentage = %v, want 20", pct)
	}
}

func TestRollbackToExecuteKeepsIndex(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	// 3 of 5 completed -> 60% -> EXECUTE, index kept.
	todos := []todo.Todo{
		{ID: "t1", Content: "a", Status: todo.StatusCompleted, Priority: todo.PriorityMedium},
		{ID: "t2", Content: "b", Status: todo.StatusCompleted, Priority: todo.PriorityMedium},
		{ID: "t3", Content: "c", Status: todo.StatusCompleted, Priority: todo.PriorityMedium},
		{ID: "t4", Content: "d", Status: todo.StatusPending, Priority: todo.PriorityMedium},
		{ID: "t5", Content: "e", Status: todo.StatusPending, Priority: todo.PriorityMedium},
	}
	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Verify
	st.DetectedRole = role.Researcher
	st.Payload.CurrentTodos = todos
	st.Payload.CurrentTaskIndex = 3
	sessions.Update(ctx, st)

	resp := c.Step(ctx, Event{SessionID: testSession, PhaseCompleted: phase.EventVerify})
	if resp.NextPhase != phase.Execute {
		t.Fatalf("next_phase = %q, want EXECUTE (pct=60)", resp.NextPhase)
	}
	if idx, _ := resp.Payload["current_task_index"].(float64); idx != 3 {
		t.Fatalf("current_task_index = %v, want kept at 3", idx)
	}
}

func TestMalformedRoleSelectionKeepsHeuristic(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	c.Step(ctx, Event{
		SessionID:        testSession,
		InitialObjective: "review and audit the billing module",
	})

	resp := c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventQuery,
		Payload:        EventPayload{ClaudeResponse: `{selected_role: coder`},
	})

	if resp.NextPhase != phase.Enhance {
		t.Fatalf("next_phase = %q, want ENHANCE", resp.NextPhase)
	}
	if resp.Payload["detected_role"] != string(role.Critic) {
		t.Fatalf("detected_role = %v, want heuristic critic", resp.Payload["detected_role"])
	}
	if awaiting, _ := resp.Payload["awaiting_role_selection"].(bool); awaiting {
		t.Fatal("awaiting_role_selection not cleared")
	}
}

func TestValidRoleSelectionOverridesHeuristic(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	c.Step(ctx, Event{
		SessionID:        testSession,
		InitialObjective: "review and audit the billing module",
	})

	resp := c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventQuery,
		Payload:        EventPayload{ClaudeResponse: `{"selected_role":"coder","confidence":0.9,"reasoning":"code work"}`},
	})
	if resp.Payload["detected_role"] != string(role.Coder) {
		t.Fatalf("detected_role = %v, want coder from selection", resp.Payload["detected_role"])
	}
}

func TestDoneIsIdempotent(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Done
	st.Payload.PhaseTransitionCount = 9
	sessions.Update(ctx, st)

	resp := c.Step(ctx, Event{SessionID: testSession, PhaseCompleted: phase.EventExecute})
	if resp.NextPhase != phase.Done {
		t.Fatalf("next_phase = %q, want DONE", resp.NextPhase)
	}
	if resp.Status != phase.StatusDone {
		t.Fatalf("status = %q, want DONE", resp.Status)
	}
	if count, _ := resp.Payload["phase_transition_count"].(int); count != 10 {
		t.Fatalf("phase_transition_count = %v, want 10", count)
	}
}

func TestUnmatchedTurnResyncsToQuery(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Plan
	sessions.Update(ctx, st)

	// PLAN phase but a VERIFY completion event: defensive resync.
	resp := c.Step(ctx, Event{SessionID: testSession, PhaseCompleted: phase.EventVerify})
	if resp.NextPhase != phase.Query {
		t.Fatalf("next_phase = %q, want QUERY resync", resp.NextPhase)
	}
	if resp.Status != phase.StatusInProgress {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestExecuteLoopsWhileTasksRemain(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Execute
	st.DetectedRole = role.Coder
	st.Payload.CurrentTodos = []todo.Todo{
		{ID: "t1", Content: "a", Status: todo.StatusCompleted, Priority: todo.PriorityMedium},
		{ID: "t2", Content: "b", Status: todo.StatusPending, Priority: todo.PriorityMedium},
	}
	st.Payload.CurrentTaskIndex = 0
	sessions.Update(ctx, st)

	resp := c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventExecute,
		Payload:        EventPayload{ExecutionSuccess: boolPtr(true)},
	})
	if resp.NextPhase != phase.Execute {
		t.Fatalf("next_phase = %q, want EXECUTE loop", resp.NextPhase)
	}
	if idx, _ := resp.Payload["current_task_index"].(float64); idx != 1 {
		t.Fatalf("current_task_index = %v, want 1", idx)
	}
}

func TestEffectivenessClamped(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	st := session.New(testSession, 0.35)
	st.CurrentPhase = phase.Execute
	st.DetectedRole = role.Coder // complex: delta 0.15
	st.Payload.CurrentTodos = []todo.Todo{
		{ID: "t1", Content: "a", Status: todo.StatusPending, Priority: todo.PriorityMedium},
	}
	sessions.Update(ctx, st)

	resp := c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventExecute,
		Payload:        EventPayload{ExecutionSuccess: boolPtr(false), MoreTasksPending: boolPtr(true)},
	})
	eff, _ := resp.Payload["reasoning_effectiveness"].(float64)
	if eff != 0.3 {
		t.Fatalf("reasoning_effectiveness = %v, want clamped to 0.3", eff)
	}
}

func TestVerifyWithZeroTodosAndClaimAdvancesToDone(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Verify
	sessions.Update(ctx, st)

	resp := c.Step(ctx, Event{
		SessionID:      testSession,
		PhaseCompleted: phase.EventVerify,
		Payload:        EventPayload{VerificationPassed: boolPtr(true)},
	})
	if resp.NextPhase != phase.Done {
		t.Fatalf("next_phase = %q, want DONE with empty todo list", resp.NextPhase)
	}
}

func TestConcurrentTurnsSameSessionLinearize(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})
	ctx := context.Background()

	st := session.New(testSession, 0.8)
	st.CurrentPhase = phase.Execute
	st.DetectedRole = role.Coder
	st.Payload.CurrentTodos = []todo.Todo{
		{ID: "t1", Content: "a", Status: todo.StatusPending, Priority: todo.PriorityMedium},
		{ID: "t2", Content: "b", Status: todo.StatusPending, Priority: todo.PriorityMedium},
		{ID: "t3", Content: "c", Status: todo.StatusPending, Priority: todo.PriorityMedium},
	}
	sessions.Update(ctx, st)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Step(ctx, Event{
				SessionID:      testSession,
				PhaseCompleted: phase.EventExecute,
				Payload:        EventPayload{MoreTasksPending: boolPtr(true)},
			})
		}()
	}
	wg.Wait()

	// Both serializations increment the index exactly once each.
	final := sessions.Get(ctx, testSession)
	if final.Payload.CurrentTaskIndex != 2 {
		t.Fatalf("current_task_index = %d, want 2 after two serialized turns", final.Payload.CurrentTaskIndex)
	}
	if final.Payload.PhaseTransitionCount != 2 {
		t.Fatalf("phase_transition_count = %d, want 2", final.Payload.PhaseTransitionCount)
	}
}

func TestEventPayloadPreservesUnknownKeys(t *testing.T) {
	raw := `{"execution_success": true, "custom_artifact": {"path": "out.csv"}}`
	var p EventPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	if p.ExecutionSuccess == nil || !*p.ExecutionSuccess {
		t.Fatal("execution_success not decoded")
	}
	if _, ok := p.Extra["custom_artifact"]; !ok {
		t.Fatalf("unknown key dropped: %+v", p.Extra)
	}
}

func TestStepPromptMentionsSession(t *testing.T) {
	sessions := newFakeSessions()
	c := testController(sessions, &fakeGatherer{})

	resp := c.Step(context.Background(), Event{
		SessionID:        testSession,
		InitialObjective: "plan the quarterly strategy rollout",
	})
	if !strings.Contains(resp.SystemPrompt, testSession) {
		t.Fatalf("prompt does not substitute session id:\n%s", resp.SystemPrompt)
	}
}
