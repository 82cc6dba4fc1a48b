package agent

import (
	"encoding/json"
	"strings"
)

// streamEvent is the raw NDJSON shape emitted by the agent CLI's
// --output-format stream-json, per spec.md §4.B.
type streamEvent struct {
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	Message      *assistantMsg `json:"message,omitempty"`
	Result       string        `json:"result,omitempty"`
	IsError      bool          `json:"is_error,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd,omitempty"`
	Usage        *usageInfo    `json:"usage,omitempty"`
}

type assistantMsg struct {
	Content []contentBlock `json:"content"`
}

// contentBlock covers both the assistant message shapes (text, tool_use)
// and the user message shape (tool_result) — the agent CLI emits both
// under the same message.content[] array, distinguished by Type.
type contentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
}

// toolResultText joins a tool_result block's content sub-blocks without
// newlines, preserving whatever intra-result formatting the tool itself
// produced. Sub-blocks are either {"type":"text","text":...} objects or
// bare strings; either way only the text is kept.
func toolResultText(raw json.RawMessage) string {
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			var s string
			if err := json.Unmarshal(b, &s); err == nil {
				parts = append(parts, s)
				continue
			}
			var tb struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(b, &tb); err == nil && tb.Type == "text" {
				parts = append(parts, tb.Text)
			}
		}
		return strings.Join(parts, "")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

type usageInfo struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// parsedLine is the outcome of interpreting one NDJSON line: zero or more
// Events to forward, plus any authoritative fields the line carries.
type parsedLine struct {
	events       []Event
	sessionID    string // set on system/init
	finalText    string // set on result; supersedes accumulated text
	finalTextSet bool
	usage        Usage
	isError      bool
	resultIsErr  bool
}

// parseLine interprets one line of stream-json output. A line that fails to
// parse as JSON is treated as a plain text event, matching the teacher's
// tolerant fallback in parseStreamEvent.
func parseLine(line string) parsedLine {
	var se streamEvent
	if err := json.Unmarshal([]byte(line), &se); err != nil {
		return parsedLine{events: []Event{{Type: EventText, Text: line}}}
	}

	var out parsedLine

	switch se.Type {
	case "system":
		if se.Subtype == "init" {
			out.sessionID = se.SessionID
			out.events = append(out.events, Event{Type: EventInit, Text: se.SessionID})
		}

	case "assistant":
		if se.Message != nil {
			for _, block := range se.Message.Content {
				switch block.Type {
				case "text":
					out.events = append(out.events, Event{Type: EventText, Text: block.Text})
				case "tool_use":
					out.events = append(out.events, Event{
						Type:      EventToolUse,
						ToolName:  block.Name,
						ToolInput: block.Input,
					})
				}
			}
		}

	case "user":
		if se.Message != nil {
			for _, block := range se.Message.Content {
				if block.Type != "tool_result" {
					continue
				}
				out.events = append(out.events, Event{
					Type:       EventToolResult,
					ToolResult: toolResultText(block.Content),
					IsError:    block.IsError,
				})
			}
		}

	case "result":
		out.finalText = se.Result
		out.finalTextSet = true
		out.resultIsErr = se.IsError
		out.events = append(out.events, Event{Type: EventResult, Text: se.Result, IsError: se.IsError})
	}

	if se.Usage != nil {
		out.usage = Usage{
			InputTokens:         se.Usage.InputTokens,
			OutputTokens:        se.Usage.OutputTokens,
			CacheCreationTokens: se.Usage.CacheCreationInputTokens,
			CacheReadTokens:     se.Usage.CacheReadInputTokens,
		}
	}
	if se.DurationMS > 0 {
		out.usage.DurationMS = se.DurationMS
	}
	if se.TotalCostUSD > 0 {
		out.usage.CostUSD = se.TotalCostUSD
	}

	return out
}
