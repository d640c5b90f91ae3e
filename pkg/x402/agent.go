package x402

import (
	"net/http"
	"regexp"
	"strconv"
)

// Agent request headers
const (
	HeaderAIAgent     = "X-AI-Agent"
	HeaderAgentBudget = "X-Agent-Budget"
	HeaderAgentTaskID = "X-Agent-Task-ID"
)

var aiAgentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)openai`),
	regexp.MustCompile(`(?i)anthropic`),
	regexp.MustCompile(`(?i)claude`),
	regexp.MustCompile(`(?i)gpt-?[345]`),
	regexp.MustCompile(`(?i)langchain`),
	regexp.MustCompile(`(?i)autogpt`),
	regexp.MustCompile(`(?i)crewai`),
	regexp.MustCompile(`(?i)autogen`),
	regexp.MustCompile(`(?i)llama-?index`),
	regexp.MustCompile(`(?i)semantic-?kernel`),
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)agent/`),
	regexp.MustCompile(`(?i)mcp-client`),
	regexp.MustCompile(`(?i)a2a-client`),
}

// AgentHeaders are the optional hints an agent sends along with a request
type AgentHeaders struct {
	IsAgent bool
	Budget  int64
	TaskID  string
}

// IsAIAgent reports whether the headers look like an AI agent request,
// either explicitly flagged or by user agent.
func IsAIAgent(h http.Header) bool {
	return ParseAgentHeaders(h).IsAgent
}

// ParseAgentHeaders reads the agent hint headers
func ParseAgentHeaders(h http.Header) AgentHeaders {
	out := AgentHeaders{TaskID: h.Get(HeaderAgentTaskID)}
	if v := h.Get(HeaderAgentBudget); v != "" {
		out.Budget, _ = strconv.ParseInt(v, 10, 64)
		out.IsAgent = true
	}
	if h.Get(HeaderAIAgent) == "true" || out.TaskID != "" {
		out.IsAgent = true
	}
	if out.IsAgent {
		return out
	}

	ua := h.Get("User-Agent")
	for _, pattern := range aiAgentPatterns {
		if pattern.MatchString(ua) {
			out.IsAgent = true
			break
		}
	}
	return out
}
