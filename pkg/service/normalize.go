package service

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/loomchat/loomchat/pkg/agent"
)

// Agent output arrives in three shapes: a plain (possibly JSON-encoded)
// string, a list of parts, or a structured object. AgentResponse makes the
// shape explicit so extraction is a single switch instead of type sniffing.

// AgentResponseKind discriminates the shapes an agent response can take.
type AgentResponseKind int

const (
	AgentResponseString AgentResponseKind = iota
	AgentResponseList
	AgentResponseObject
)

// AgentResponse is one agent output value tagged with its shape.
type AgentResponse struct {
	Kind   AgentResponseKind
	Text   string
	List   []interface{}
	Object map[string]interface{}
}

// StringResponse wraps a plain string response.
func StringResponse(s string) AgentResponse {
	return AgentResponse{Kind: AgentResponseString, Text: s}
}

// ListResponse wraps a list-of-parts response.
func ListResponse(items []interface{}) AgentResponse {
	return AgentResponse{Kind: AgentResponseList, List: items}
}

// ObjectResponse wraps a structured object response.
func ObjectResponse(obj map[string]interface{}) AgentResponse {
	return AgentResponse{Kind: AgentResponseObject, Object: obj}
}

// Serialization artifacts leaked by upstream providers: a JSON array wrapper
// that was stringified instead of parsed.
var leadingArtifactRe = regexp.MustCompile(`^\[\{"index":\d+,"type":"text","text":"`)

const trailingArtifact = `"}]`

// NormalizeResponse extracts plain text from an agent response. It never
// fails; malformed shapes degrade to the raw input or a JSON dump. An empty
// result means the caller must substitute its own fallback text.
func NormalizeResponse(resp AgentResponse) string {
	var out string
	switch resp.Kind {
	case AgentResponseString:
		out = normalizeString(resp.Text)
	case AgentResponseList:
		out = normalizeList(resp.List)
	case AgentResponseObject:
		out = normalizeObject(resp.Object)
	}
	return stripArtifacts(out)
}

// normalizeString parses JSON-looking strings and extracts their text
// content. Anything that does not parse is returned unchanged.
func normalizeString(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return s
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return s
	}
	switch v := parsed.(type) {
	case []interface{}:
		var b strings.Builder
		for _, item := range v {
			switch it := item.(type) {
			case string:
				b.WriteString(it)
			case map[string]interface{}:
				b.WriteString(pickString(it, "text", "content"))
			}
		}
		return b.String()
	case map[string]interface{}:
		if text := pickString(v, "text", "content", "message"); text != "" {
			return text
		}
		return s
	default:
		return s
	}
}

// normalizeList joins heterogeneous parts with a blank line between them.
func normalizeList(items []interface{}) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case string:
			parts = append(parts, it)
		case map[string]interface{}:
			if text := pickString(it, "text", "content"); text != "" {
				parts = append(parts, text)
			} else {
				parts = append(parts, jsonDump(it))
			}
		default:
			parts = append(parts, jsonDump(it))
		}
	}
	return strings.Join(parts, "\n\n")
}

// normalizeObject extracts the best text field, checking nested data.content
// and data.text before giving up and dumping the object.
func normalizeObject(obj map[string]interface{}) string {
	if text := pickString(obj, "text", "content", "message"); text != "" {
		return text
	}
	if data, ok := obj["data"].(map[string]interface{}); ok {
		if text := pickString(data, "content", "text"); text != "" {
			return text
		}
	}
	return jsonDump(obj)
}

// pickString returns the first key holding a string value.
func pickString(obj map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func jsonDump(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// stripArtifacts removes the leaked array-wrapper prefix/suffix and
// un-escapes the sequences that survive a stringified JSON layer.
func stripArtifacts(s string) string {
	s = leadingArtifactRe.ReplaceAllString(s, "")
	s = strings.TrimSuffix(s, trailingArtifact)
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\`, `\`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	return s
}

// stripOuterQuotes removes one layer of wrapping quotes from a token.
func stripOuterQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// normalizeToken applies the response extraction rules to one streamed
// token and strips a single layer of wrapping quotes.
func normalizeToken(ev agent.TokenEvent) string {
	var out string
	switch ev.Kind {
	case agent.TokenKindText:
		out = NormalizeResponse(StringResponse(ev.Text))
	case agent.TokenKindStructured:
		out = NormalizeResponse(ObjectResponse(ev.Structured))
	case agent.TokenKindRawJSON:
		out = NormalizeResponse(StringResponse(ev.Raw))
	}
	return stripOuterQuotes(out)
}
