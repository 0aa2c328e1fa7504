package bus

import (
	"context"
	"log/slog"
	"testing"

	"github.com/KafClaw/membank/internal/gateway"
	"github.com/KafClaw/membank/internal/identity"
)

type fakeHooks struct {
	messages []string
	tasks    []gateway.TaskCompleted
	tools    []string
}

func (f *fakeHooks) OnMessageReceived(_ context.Context, _ string, _ identity.Scope, content string, _ *string, _ []string) string {
	f.messages = append(f.messages, content)
	return "mem_msg"
}

func (f *fakeHooks) OnTaskCompleted(_ context.Context, ev gateway.TaskCompleted) string {
	f.tasks = append(f.tasks, ev)
	return "mem_task"
}

func (f *fakeHooks) OnToolCompleted(_ context.Context, _ string, _ identity.Scope, toolName, _ string, _ *string, _ []string) string {
	f.tools = append(f.tools, toolName)
	return "mem_tool"
}

func newTestConsumer() (*Consumer, *fakeHooks) {
	hooks := &fakeHooks{}
	return &Consumer{hooks: hooks, log: slog.Default()}, hooks
}

func TestDispatchMessageReceived(t *testing.T) {
	c, hooks := newTestConsumer()

	c.Dispatch(context.Background(), []byte(`{
		"type": "message.received",
		"tenant_id": "t1",
		"scope": {"conversation_id": "c1"},
		"content": "hello"
	}`))

	if len(hooks.messages) != 1 || hooks.messages[0] != "hello" {
		t.Errorf("expected message dispatch, got %v", hooks.messages)
	}
}

func TestDispatchTaskCompleted(t *testing.T) {
	c, hooks := newTestConsumer()

	c.Dispatch(context.Background(), []byte(`{
		"type": "task.completed",
		"tenant_id": "t1",
		"scope": {"task_id": "task-9"},
		"title": "Deployed v2",
		"content": "rolled out with canary",
		"tags": ["deploy"],
		"tool_name": "kubectl",
		"artifact_memory_ids": ["mem_a"]
	}`))

	if len(hooks.tasks) != 1 {
		t.Fatalf("expected task dispatch, got %d", len(hooks.tasks))
	}
	task := hooks.tasks[0]
	if task.Title != "Deployed v2" || task.Content != "rolled out with canary" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.ToolName == nil || *task.ToolName != "kubectl" {
		t.Errorf("tool name lost: %v", task.ToolName)
	}
	if len(task.ArtifactMemoryIDs) != 1 || task.ArtifactMemoryIDs[0] != "mem_a" {
		t.Errorf("artifacts lost: %v", task.ArtifactMemoryIDs)
	}
	if task.Scope.TaskID == nil || *task.Scope.TaskID != "task-9" {
		t.Errorf("scope lost: %+v", task.Scope)
	}
}

func TestDispatchToolCompleted(t *testing.T) {
	c, hooks := newTestConsumer()

	c.Dispatch(context.Background(), []byte(`{
		"type": "tool.completed",
		"tenant_id": "t1",
		"scope": {},
		"tool_name": "browser_use",
		"content": "scraped 3 pages"
	}`))

	if len(hooks.tools) != 1 || hooks.tools[0] != "browser_use" {
		t.Errorf("expected tool dispatch, got %v", hooks.tools)
	}
}

func TestDispatchDropsBadEvents(t *testing.T) {
	c, hooks := newTestConsumer()

	for _, payload := range []string{
		`not json`,
		`{"type": "", "tenant_id": "t1"}`,
		`{"type": "message.received"}`,
		`{"type": "something.else", "tenant_id": "t1"}`,
	} {
		c.Dispatch(context.Background(), []byte(payload))
	}

	if len(hooks.messages)+len(hooks.tasks)+len(hooks.tools) != 0 {
		t.Errorf("bad events must not dispatch: %+v", hooks)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type": "message.received", "tenant_id": "t1", "content": "x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventMessageReceived || ev.TenantID != "t1" {
		t.Errorf("unexpected event: %+v", ev)
	}

	if _, err := decodeEvent([]byte(`{"tenant_id": "t1"}`)); err == nil {
		t.Error("missing type must fail")
	}
}
