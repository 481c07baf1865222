package compaction

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Transcript line shapes. The host writes one JSON object per line;
// user content is either a plain string or a tool_result array, and
// assistant content is a block list mixing text and tool_use.
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	Content   json.RawMessage `json:"content"`
	ToolUseID string          `json:"tool_use_id"`
}

const (
	maxUserChunk      = 3000
	maxClaudeChunk    = 3000
	maxToolResults    = 500
	maxResultPreview  = 150
	maxPlanContent    = 5000
	// MaxTailChars bounds the raw conversation tail (~20k tokens).
	MaxTailChars = 80000
)

// ExtractChunks walks a JSONL transcript and produces tagged
// conversation chunks in order: [USER], [TOOL_RESULTS], [CLAUDE],
// [TOOLS], and [ACTIVE_PLAN: name]. Only the most recent plan Write is
// kept; earlier plan chunks are dropped when a newer one arrives.
// Malformed lines are skipped.
func ExtractChunks(r io.Reader) []string {
	var chunks []string
	lastPlanIndex := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		switch entry.Type {
		case "user":
			chunks = appendUserChunks(chunks, entry.Message.Content)
		case "assistant":
			chunks, lastPlanIndex = appendAssistantChunks(chunks, entry.Message.Content, lastPlanIndex)
		}
	}
	return chunks
}

func appendUserChunks(chunks []string, raw json.RawMessage) []string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text != "" {
			chunks = append(chunks, "[USER] "+truncate(text, maxUserChunk))
		}
		return chunks
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return chunks
	}
	var summaries []string
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		var resultText string
		_ = json.Unmarshal(b.Content, &resultText)
		preview := strings.ReplaceAll(truncate(resultText, maxResultPreview), "\n", " ")
		summaries = append(summaries, fmt.Sprintf("%s: %s", idSuffix(b.ToolUseID), preview))
	}
	if len(summaries) > 0 {
		chunks = append(chunks, "[TOOL_RESULTS] "+truncate(strings.Join(summaries, " | "), maxToolResults))
	}
	return chunks
}

func appendAssistantChunks(chunks []string, raw json.RawMessage, lastPlanIndex int) ([]string, int) {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return chunks, lastPlanIndex
	}

	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	if len(texts) > 0 {
		chunks = append(chunks, "[CLAUDE] "+truncate(strings.Join(texts, "\n"), maxClaudeChunk))
	}

	var toolMetas []string
	for _, b := range blocks {
		if b.Type != "tool_use" || b.Name == "" {
			continue
		}
		if plan, name, ok := planWrite(b); ok {
			if lastPlanIndex >= 0 {
				chunks = append(chunks[:lastPlanIndex], chunks[lastPlanIndex+1:]...)
			}
			lastPlanIndex = len(chunks)
			chunks = append(chunks, fmt.Sprintf("[ACTIVE_PLAN: %s]\n%s", name, plan))
			continue
		}
		toolMetas = append(toolMetas, toolMeta(b))
	}
	if len(toolMetas) > 0 {
		chunks = append(chunks, "[TOOLS] "+strings.Join(toolMetas, " | "))
	}
	return chunks, lastPlanIndex
}

// planWrite detects a Write of an active plan file and returns its
// content (capped) and base name.
func planWrite(b contentBlock) (content, name string, ok bool) {
	if b.Name != "Write" {
		return "", "", false
	}
	path := strings.ReplaceAll(inputString(b.Input, "file_path"), "\\", "/")
	if !strings.Contains(path, ".claude/plans/") {
		return "", "", false
	}
	parts := strings.Split(path, "/")
	name = parts[len(parts)-1]
	if name == "" {
		name = "plan.md"
	}
	return truncate(inputString(b.Input, "content"), maxPlanContent), name, true
}

func toolMeta(b contentBlock) string {
	meta := b.Name
	switch b.Name {
	case "Read", "Write", "Edit":
		meta += "(" + lastChars(inputString(b.Input, "file_path"), 80) + ")"
	case "Glob":
		meta += "(" + inputString(b.Input, "pattern") + ")"
	case "Grep":
		meta += "(" + truncate(inputString(b.Input, "pattern"), 60) + ")"
	case "Bash":
		meta += "(" + truncate(inputString(b.Input, "command"), 100) + ")"
	}
	return meta
}

// Tail returns the suffix of chunks fitting maxChars, joined by blank
// lines. Recency wins: chunks are dropped from the front.
func Tail(chunks []string, maxChars int) string {
	total := 0
	start := len(chunks)
	for i := len(chunks) - 1; i >= 0; i-- {
		if total+len(chunks[i]) > maxChars {
			break
		}
		total += len(chunks[i])
		start = i
	}
	return strings.Join(chunks[start:], "\n\n")
}

// EmergencyState is the structured summary produced without an agent.
type EmergencyState struct {
	StateText string
	RawTail   string
}

// ExtractEmergencyState builds a minimal structured state straight from
// the transcript: goal = first user message, current task = last, plus
// a tool-usage histogram and a raw tail of recent messages. Returns nil
// when the transcript holds no user messages.
func ExtractEmergencyState(r io.Reader) *EmergencyState {
	var userMessages, assistantTexts []string
	toolCounts := map[string]int{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		switch entry.Type {
		case "user":
			var text string
			if err := json.Unmarshal(entry.Message.Content, &text); err == nil && text != "" {
				userMessages = append(userMessages, truncate(text, 500))
			}
		case "assistant":
			var blocks []contentBlock
			if err := json.Unmarshal(entry.Message.Content, &blocks); err != nil {
				continue
			}
			for _, b := range blocks {
				switch b.Type {
				case "text":
					if b.Text != "" {
						assistantTexts = append(assistantTexts, truncate(b.Text, 500))
					}
				case "tool_use":
					name := b.Name
					if name == "" {
						name = "unknown"
					}
					toolCounts[name]++
				}
			}
		}
	}

	if len(userMessages) == 0 {
		return nil
	}

	first := userMessages[0]
	last := userMessages[len(userMessages)-1]

	all := append(append([]string{}, userMessages...), assistantTexts...)
	tail := Tail(all, MaxTailChars)

	state := fmt.Sprintf(`=== SESSION STATE v1 (emergency extract) ===

## IDENTITY
- Session goal: %s

## TASK TREE
- [ ] IN PROGRESS: %s

## KEY DECISIONS
- (No decisions extracted - emergency compact)

## WORKING CONTEXT
- Messages: %d user, %d assistant
- Tools used: %s

## CONVERSATION DYNAMICS
- Last user message: %s

=== END STATE ===`,
		truncate(first, 200), truncate(last, 200),
		len(userMessages), len(assistantTexts), toolHistogram(toolCounts),
		truncate(last, 300))

	return &EmergencyState{StateText: state, RawTail: tail}
}

// toolHistogram renders the ten most used tools as "name(count)" pairs,
// most used first, names breaking ties.
func toolHistogram(counts map[string]int) string {
	type pair struct {
		name  string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for name, count := range counts {
		pairs = append(pairs, pair{name, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].name < pairs[j].name
	})
	if len(pairs) > 10 {
		pairs = pairs[:10]
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%s(%d)", p.name, p.count)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func idSuffix(id string) string {
	return lastChars(id, 8)
}

func inputString(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}
