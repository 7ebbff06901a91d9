package conversation

import "testing"

func TestAppendDoesNotAliasCaller(t *testing.T) {
	original := Conversation{System("sys"), User("hi"), Assistant("hello")}
	shared := original[:2]

	next := shared.Append(User("again"))
	if len(next) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(next))
	}
	if original[2].Content != "hello" {
		t.Fatalf("caller backing array was overwritten: %+v", original[2])
	}
	if len(shared) != 2 {
		t.Fatalf("caller slice length changed")
	}
}

func TestCloneOfNilIsEmpty(t *testing.T) {
	var c Conversation
	clone := c.Clone()
	if clone == nil || clone.Len() != 0 {
		t.Fatalf("expected empty non-nil clone, got %#v", clone)
	}
	if _, ok := clone.Last(); ok {
		t.Fatalf("expected no last turn")
	}
}

func TestExecutedToolCallsSkipsEmptyNames(t *testing.T) {
	c := Conversation{
		System("sys"),
		User("old"),
		Assistant("", ToolCall{ID: "a", Type: ToolCallTypeFunction, Function: FunctionCall{Name: "old-tool"}}),
		ToolResult("a", "old-tool", "{}"),
		User("new"),
		Assistant("", ToolCall{ID: "b", Type: ToolCallTypeFunction, Function: FunctionCall{Name: "check-balance", Arguments: "{}"}},
			ToolCall{ID: "c", Type: ToolCallTypeFunction, Function: FunctionCall{Name: " "}}),
		ToolResult("b", "check-balance", `{"balance":"10"}`),
	}

	calls := c.ExecutedToolCalls(4)
	if len(calls) != 1 || calls[0].Function.Name != "check-balance" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if all := c.ExecutedToolCalls(-1); len(all) != 2 {
		t.Fatalf("expected 2 calls overall, got %d", len(all))
	}
}

func TestValidateDetectsOrphanToolTurn(t *testing.T) {
	good := Conversation{
		System("sys"),
		User("q"),
		Assistant("", ToolCall{ID: "call-1", Type: ToolCallTypeFunction, Function: FunctionCall{Name: "x"}}),
		ToolResult("call-1", "x", "ok"),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := good.Append(ToolResult("call-2", "x", "ok"))
	err := bad.Validate()
	orphan, ok := err.(*OrphanToolTurnError)
	if !ok {
		t.Fatalf("expected OrphanToolTurnError, got %v", err)
	}
	if orphan.Index != 4 || orphan.ToolCallID != "call-2" {
		t.Fatalf("unexpected orphan: %+v", orphan)
	}
}

func TestHasSystemPrompt(t *testing.T) {
	if (Conversation{User("x")}).HasSystemPrompt() {
		t.Fatalf("user-first conversation has no system prompt")
	}
	if !(Conversation{System("x")}).HasSystemPrompt() {
		t.Fatalf("expected system prompt")
	}
}
