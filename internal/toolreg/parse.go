package toolreg

import (
	"regexp"
	"strings"

	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/pkg/models"
)

// Parse scans content for complete tool invocations in the given format.
// It is restartable: feeding a longer prefix of the same message yields a
// superset of the previous result. With streaming set, "complete" is
// tightened so a block the model may still be amending is not returned.
func Parse(content string, format models.ToolFormat, reg *Registry, streaming bool) []models.ToolUse {
	switch format {
	case models.FormatMarkdown:
		return parseMarkdown(content, reg, streaming)
	case models.FormatXML:
		return parseXML(content, reg, streaming)
	case models.FormatTool:
		return parseNative(content, reg)
	}
	return nil
}

// FirstComplete returns the first complete invocation, if any. The step
// engine calls this on line boundaries during streaming to decide where to
// break generation.
func FirstComplete(content string, format models.ToolFormat, reg *Registry, streaming bool) (*models.ToolUse, bool) {
	uses := Parse(content, format, reg, streaming)
	if len(uses) == 0 {
		return nil, false
	}
	return &uses[0], true
}

// parseMarkdown lifts invocations out of fenced code blocks. The fence tag
// (plus leading arguments) selects the tool; nested fences inside the block
// are tracked so a markdown-authoring tool can emit code blocks of its own.
func parseMarkdown(content string, reg *Registry, streaming bool) []models.ToolUse {
	var uses []models.ToolUse
	lines := strings.Split(content, "\n")

	inBlock := false
	depth := 0
	var tag string
	var args []string
	var body []string

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimRight(line, " \t")

		if !inBlock {
			if rest, ok := strings.CutPrefix(trimmed, "```"); ok && strings.TrimSpace(rest) != "" {
				fields := strings.Fields(rest)
				tag = fields[0]
				args = fields[1:]
				body = body[:0]
				inBlock = true
				depth = 0
			}
			continue
		}

		if strings.HasPrefix(trimmed, "```") {
			if strings.TrimSpace(trimmed[3:]) != "" {
				depth++
				body = append(body, line)
				continue
			}
			if depth > 0 {
				depth--
				body = append(body, line)
				continue
			}
			inBlock = false
			// A closing fence at end-of-content may still be amended by
			// the model; streaming requires a blank line after it.
			if streaming && !(i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == "") {
				continue
			}
			if tu, ok := resolveBlock(reg, tag, args, strings.Join(body, "\n")); ok {
				uses = append(uses, tu)
			}
			continue
		}
		body = append(body, line)
	}
	return uses
}

// resolveBlock maps a fence tag to a tool. Unregistered tags that look like
// file paths route to the save tool with the tag as target path.
func resolveBlock(reg *Registry, tag string, args []string, body string) (models.ToolUse, bool) {
	if spec, ok := reg.Resolve(tag); ok {
		return models.ToolUse{Tool: spec.Name, Args: args, Content: body}, true
	}
	if strings.ContainsAny(tag, "./") {
		if spec, ok := reg.Resolve("save"); ok {
			return models.ToolUse{Tool: spec.Name, Args: []string{tag}, Content: body}, true
		}
	}
	return models.ToolUse{}, false
}

var (
	xmlToolRe    = regexp.MustCompile(`(?s)<tool\s+name="([^"]+)"\s*>(.*?)</tool>`)
	xmlParamRe   = regexp.MustCompile(`(?s)<param\s+name="([^"]+)"\s*>(.*?)</param>`)
	xmlContentRe = regexp.MustCompile(`(?s)<content>(.*?)</content>`)
)

// parseXML lifts invocations out of <tool name="..."> elements. The scanner
// tolerates partial input: an unterminated element is simply not matched.
func parseXML(content string, reg *Registry, streaming bool) []models.ToolUse {
	var uses []models.ToolUse
	for _, loc := range xmlToolRe.FindAllStringSubmatchIndex(content, -1) {
		if streaming && loc[1] >= len(content) {
			// The element could still grow trailing content; wait for the
			// newline that follows a finished element.
			continue
		}
		name := content[loc[2]:loc[3]]
		inner := content[loc[4]:loc[5]]

		spec, ok := reg.Resolve(name)
		if !ok {
			continue
		}
		tu := models.ToolUse{Tool: spec.Name}
		for _, p := range xmlParamRe.FindAllStringSubmatch(inner, -1) {
			if tu.Kwargs == nil {
				tu.Kwargs = make(map[string]string)
			}
			tu.Kwargs[p[1]] = strings.TrimSpace(p[2])
		}
		if m := xmlContentRe.FindStringSubmatch(inner); m != nil {
			tu.Content = strings.Trim(m[1], "\n")
		} else {
			leftover := xmlParamRe.ReplaceAllString(inner, "")
			tu.Content = strings.TrimSpace(leftover)
		}
		uses = append(uses, tu)
	}
	return uses
}

// parseNative lifts invocations out of the flat "@name(id): json" markers
// the adapters synthesize from native tool calls. The JSON decoder only
// accepts complete values, so partial streaming input yields nothing.
func parseNative(content string, reg *Registry) []models.ToolUse {
	var uses []models.ToolUse
	for _, seg := range llm.DecodeNative(content) {
		if seg.Call == nil {
			continue
		}
		spec, ok := reg.Resolve(seg.Call.Tool)
		if !ok {
			continue
		}
		tu := *seg.Call
		tu.Tool = spec.Name
		uses = append(uses, tu)
	}
	return uses
}
