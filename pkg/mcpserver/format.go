// Package mcpserver exposes the memory database, the agent bus, and the
// session supervisor as three stdio MCP servers. All read tools share
// one response formatter with truncation, pagination, and filtering, so
// a large result never floods the caller's context window.
package mcpserver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultMaxChars bounds a read-tool response unless the caller asks
// for more. max_chars=0 lifts the bound entirely.
const DefaultMaxChars = 4000

const serverVersion = "1.0.0"

// Format renders data as indented JSON, then applies the caller's
// paging window. maxChars 0 means unlimited; with an offset the window
// slices forward, otherwise the head of the document is kept and a
// trailer explains how to get the rest.
func Format(data any, maxChars, offset int, filterText string) string {
	if filterText != "" {
		if m, ok := data.(map[string]any); ok {
			data = applyFilter(m, filterText)
		}
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "encode result: %v"}`, err)
	}
	full := string(b)
	total := len(full)

	if maxChars == 0 || total <= maxChars {
		return full
	}

	if offset > 0 {
		if offset > total {
			offset = total
		}
		end := offset + maxChars
		if end > total {
			end = total
		}
		sliced := full[offset:end]
		return fmt.Sprintf(
			"[PAGINATED: showing chars %d-%d of %d. Use offset=%d for next page]\n%s",
			offset, offset+len(sliced), total, offset+maxChars, sliced)
	}

	return fmt.Sprintf(
		"%s\n\n[TRUNCATED: showing %d/%d chars. Use max_chars=0 for full, "+
			"or offset=%d for next page, or filter=\"keyword\" to narrow results]",
		full[:maxChars], maxChars, total, maxChars)
}

// applyFilter keeps only list items whose JSON encoding contains the
// filter text, case-insensitively. Scalar values pass through; count
// and total_found are recomputed when present.
func applyFilter(m map[string]any, filterText string) map[string]any {
	ft := strings.ToLower(filterText)
	filtered := make(map[string]any, len(m))

	for key, value := range m {
		rv := reflect.ValueOf(value)
		if value == nil || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
			filtered[key] = value
			continue
		}
		kept := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			b, err := json.Marshal(item)
			if err == nil && strings.Contains(strings.ToLower(string(b)), ft) {
				kept = append(kept, item)
			}
		}
		filtered[key] = kept
	}

	if _, ok := filtered["count"]; ok {
		for key, value := range filtered {
			if key == "count" {
				continue
			}
			if list, ok := value.([]any); ok {
				filtered["count"] = len(list)
				break
			}
		}
	}
	if _, ok := filtered["total_found"]; ok {
		total := 0
		for _, value := range filtered {
			if list, ok := value.([]any); ok {
				total += len(list)
			}
		}
		filtered["total_found"] = total
	}
	return filtered
}

// pageArgs extracts the shared paging parameters of a read tool.
func pageArgs(req mcp.CallToolRequest) (maxChars, offset int, filterText string) {
	return req.GetInt("max_chars", DefaultMaxChars),
		req.GetInt("offset", 0),
		req.GetString("filter", "")
}

// withPagination appends the paging parameters to a read tool's schema.
func withPagination(opts ...mcp.ToolOption) []mcp.ToolOption {
	return append(opts,
		mcp.WithNumber("max_chars",
			mcp.Description("Max characters to return (default 4000, 0=unlimited)")),
		mcp.WithNumber("offset",
			mcp.Description("Character offset for pagination")),
		mcp.WithString("filter",
			mcp.Description("Only include list items containing this text (case-insensitive)")),
	)
}

// textResult wraps already-formatted text.
func textResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

// errEnvelope reports a handler failure as a JSON error envelope, the
// shape callers already parse. Transport-level errors are reserved for
// protocol problems.
func errEnvelope(format string, args ...any) *mcp.CallToolResult {
	return textResult(Format(map[string]any{"error": fmt.Sprintf(format, args...)}, 0, 0, ""))
}
