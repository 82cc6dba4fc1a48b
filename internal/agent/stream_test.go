package agent

import "testing"

func TestParseLineSystemInit(t *testing.T) {
	pl := parseLine(`{"type":"system","subtype":"init","session_id":"abc123"}`)
	if pl.sessionID != "abc123" {
		t.Fatalf("sessionID = %q, want abc123", pl.sessionID)
	}
	if len(pl.events) != 1 || pl.events[0].Type != EventInit {
		t.Fatalf("expected one init event, got %+v", pl.events)
	}
}

func TestParseLineAssistantText(t *testing.T) {
	pl := parseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`)
	if len(pl.events) != 1 || pl.events[0].Type != EventText || pl.events[0].Text != "hello" {
		t.Fatalf("unexpected events: %+v", pl.events)
	}
}

func TestParseLineAssistantToolUse(t *testing.T) {
	pl := parseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/a.go"}}]}}`)
	if len(pl.events) != 1 || pl.events[0].Type != EventToolUse || pl.events[0].ToolName != "Read" {
		t.Fatalf("unexpected events: %+v", pl.events)
	}
}

func TestParseLineResultSupersedesAccumulation(t *testing.T) {
	pl := parseLine(`{"type":"result","result":"final answer","is_error":false,"duration_ms":1200,"total_cost_usd":0.05}`)
	if !pl.finalTextSet || pl.finalText != "final answer" {
		t.Fatalf("expected final text to be set, got %+v", pl)
	}
	if pl.usage.DurationMS != 1200 {
		t.Fatalf("duration_ms = %d, want 1200", pl.usage.DurationMS)
	}
}

func TestParseLineToolResult(t *testing.T) {
	pl := parseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":false,"content":"ok output"}]}}`)
	if len(pl.events) != 1 || pl.events[0].Type != EventToolResult || pl.events[0].ToolResult != "ok output" {
		t.Fatalf("unexpected events: %+v", pl.events)
	}
}

func TestParseLineToolResultJoinsSubBlocksWithoutNewlines(t *testing.T) {
	pl := parseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"line one\n"},{"type":"text","text":"line two"}]}]}}`)
	if len(pl.events) != 1 || pl.events[0].Type != EventToolResult {
		t.Fatalf("unexpected events: %+v", pl.events)
	}
	want := "line one\nline two"
	if pl.events[0].ToolResult != want {
		t.Fatalf("ToolResult = %q, want %q (sub-blocks joined without an inserted separator)", pl.events[0].ToolResult, want)
	}
}

func TestParseLineToolResultErrorFlag(t *testing.T) {
	pl := parseLine(`{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":[{"type":"text","text":"boom"}]}]}}`)
	if len(pl.events) != 1 || !pl.events[0].IsError || pl.events[0].ToolResult != "boom" {
		t.Fatalf("unexpected events: %+v", pl.events)
	}
}

func TestParseLineMalformedJSON(t *testing.T) {
	pl := parseLine("not json at all")
	if len(pl.events) != 1 || pl.events[0].Type != EventText || pl.events[0].Text != "not json at all" {
		t.Fatalf("expected fallback text event, got %+v", pl.events)
	}
}
