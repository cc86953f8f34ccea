package proposal

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"draftsman/internal/llm"
)

// RepairClient is the slice of the model backend the parser needs for
// its single repair escalation.
type RepairClient interface {
	Generate(ctx context.Context, messages []llm.Message, params llm.Params) (string, error)
}

// Result is the terminal state of one parse. The parser never fails past
// its caller: when the text cannot be recovered even after repair,
// Actions is empty, Malformed is set, and the raw text survives as
// AssistantText.
type Result struct {
	Actions       []Action
	AssistantText string
	Repaired      bool
	Malformed     bool
}

type Parser struct {
	repair RepairClient
	logger *slog.Logger
}

func NewParser(repair RepairClient, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{repair: repair, logger: logger}
}

type payload struct {
	Actions       []Action `json:"actions"`
	AssistantText string   `json:"assistant_text"`
}

const repairPrompt = "Your previous reply could not be parsed. Return exactly one JSON object, " +
	"with no surrounding prose and no code fences, of the shape " +
	`{"actions":[{"kind":"create|edit|delete","path":"...","content":"...","isDirectory":false}],"assistant_text":"..."}` +
	" reproducing the file changes you intended. Output nothing else."

// Parse runs the raw→normalize→parse pipeline over one model reply.
// When the strict parse fails and repairEnabled is set, one follow-up
// request asks the backend for a corrected block at temperature zero;
// there is no retry loop beyond that.
func (p *Parser) Parse(ctx context.Context, raw string, repairEnabled bool) Result {
	if result, ok := p.tryParse(raw); ok {
		return result
	}
	if !repairEnabled || p.repair == nil {
		p.logger.Warn("proposal.parse_failed", "repair", false)
		return Result{AssistantText: raw, Malformed: true}
	}
	p.logger.Warn("proposal.parse_failed", "repair", true)
	repaired, err := p.repair.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: repairPrompt},
		{Role: llm.RoleUser, Content: raw},
	}, llm.Params{Temperature: llm.Temperature(0)})
	if err != nil {
		p.logger.Warn("proposal.repair_request_failed", "error", err.Error())
		return Result{AssistantText: raw, Malformed: true}
	}
	if result, ok := p.tryParse(repaired); ok {
		result.Repaired = true
		return result
	}
	p.logger.Warn("proposal.repair_parse_failed")
	return Result{AssistantText: raw, Repaired: true, Malformed: true}
}

func (p *Parser) tryParse(raw string) (Result, bool) {
	normalized := Normalize(raw)
	if normalized == "" {
		return Result{}, false
	}
	var body payload
	if err := json.Unmarshal([]byte(normalized), &body); err != nil {
		return Result{}, false
	}
	narrative := body.AssistantText
	if strings.TrimSpace(narrative) == "" {
		narrative = raw
	}
	return Result{Actions: body.Actions, AssistantText: narrative}, true
}

var (
	fenceRe         = regexp.MustCompile("(?m)^```[a-zA-Z0-9_-]*[ \t]*$")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// Normalize is the best-effort JSON isolation pass: drop code-fence
// markers, slice from the first "{" to the last "}", strip trailing
// commas, and close any unbalanced braces. It is a heuristic, not a
// parser; the strict json.Unmarshal afterwards is the arbiter.
func Normalize(raw string) string {
	text := fenceRe.ReplaceAllString(raw, "")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 {
		return ""
	}
	if end > start {
		text = text[start : end+1]
	} else {
		text = text[start:]
	}
	text = trailingCommaRe.ReplaceAllString(text, "$1")
	if missing := openBraceCount(text); missing > 0 {
		text += strings.Repeat("}", missing)
	}
	return text
}

// openBraceCount counts unmatched "{" outside of string literals.
func openBraceCount(text string) int {
	depth := 0
	inString := false
	escaped := false
	for _, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return depth
}
