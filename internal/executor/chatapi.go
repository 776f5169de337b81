package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// modelPricingPerMillionTokens mirrors the original implementation's
// MODEL_PRICING table (flowpilot/engine/nodes/claude_api.py), USD per
// million tokens.
var modelPricingPerMillionTokens = map[string]struct{ input, output float64 }{
	"claude-3-opus-20240229":     {15.00, 75.00},
	"claude-3-sonnet-20240229":   {3.00, 15.00},
	"claude-3-haiku-20240307":    {0.25, 1.25},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {1.00, 5.00},
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-opus-4-20250514":     {15.00, 75.00},
	"gpt-4o":                     {2.50, 10.00},
	"gpt-4o-mini":                {0.15, 0.60},
}

var defaultModelPricing = struct{ input, output float64 }{3.00, 15.00}

// calculateCostUSD ports _calculate_cost: exact match, else a hyphen-trimmed
// prefix match against the versioned model families, else the default rate.
func calculateCostUSD(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := modelPricingPerMillionTokens[model]
	if !ok {
		for name, candidate := range modelPricingPerMillionTokens {
			if idx := strings.LastIndex(name, "-"); idx > 0 && strings.HasPrefix(model, name[:idx]) {
				pricing = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		pricing = defaultModelPricing
	}
	cost := (float64(inputTokens)/1_000_000)*pricing.input + (float64(outputTokens)/1_000_000)*pricing.output
	return roundTo(cost, 6)
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	return float64(int64(v*scale+0.5)) / scale
}

// ChatAPIExecutor models spec.md §4.3's opaque chat-completion service as an
// OpenAI-compatible client, grounded on the teacher's
// OpenAICompletionExecutor/OpenAIResponsesExecutor (node_executors.go) for
// the client plumbing and on the original implementation's
// ClaudeApiExecutor (flowpilot/engine/nodes/claude_api.py) for the
// parameter set, JSON-mode system-prompt injection, per-model cost table,
// and rate-limit retry_after propagation.
type ChatAPIExecutor struct {
	defaultKey string
	baseURL    string
}

func NewChatAPIExecutor(defaultKey, baseURL string) *ChatAPIExecutor {
	return &ChatAPIExecutor{defaultKey: defaultKey, baseURL: baseURL}
}

func (e *ChatAPIExecutor) Kind() domain.NodeKind { return domain.KindChatAPI }

func (e *ChatAPIExecutor) resolveKey(cfg map[string]any) string {
	if key, ok := cfg["api_key"].(string); ok && key != "" {
		return key
	}
	return e.defaultKey
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (e *ChatAPIExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config

	apiKey := e.resolveKey(cfg)
	if apiKey == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"chat-api node has no api key configured (set config.api_key or FLOWPILOT_CHAT_API_KEY)", nil, false)
	}

	model, _ := cfg["model"].(string)
	if model == "" {
		model = openai.GPT4oMini
	}
	prompt, _ := cfg["prompt"].(string)
	if prompt == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"chat-api node requires a non-empty prompt", nil, false)
	}
	outputFormat, _ := cfg["output_format"].(string)

	clientCfg := openai.DefaultConfig(apiKey)
	if e.baseURL != "" {
		clientCfg.BaseURL = e.baseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	system, _ := cfg["system"].(string)
	if outputFormat == "json" {
		instruction := "Respond with valid JSON only."
		if schema, ok := cfg["json_schema"]; ok && schema != nil {
			if encoded, err := json.Marshal(schema); err == nil {
				instruction += " Use this schema: " + string(encoded)
			}
		}
		if system != "" {
			system += "\n\n" + instruction
		} else {
			system = instruction
		}
	}

	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if maxTokens, ok := asFloat(cfg["max_tokens"]); ok {
		req.MaxTokens = int(maxTokens)
	}
	if temperature, ok := asFloat(cfg["temperature"]); ok {
		req.Temperature = float32(temperature)
	}
	if topP, ok := asFloat(cfg["top_p"]); ok {
		req.TopP = float32(topP)
	}
	// top_k has no equivalent in the OpenAI-compatible chat-completion wire
	// format this executor speaks; accepted in config for contract parity
	// with spec.md §4.3 but intentionally not forwarded (see DESIGN.md).
	if stopSeqs, ok := cfg["stop_sequences"].([]any); ok && len(stopSeqs) > 0 {
		stops := make([]string, 0, len(stopSeqs))
		for _, s := range stopSeqs {
			if str, ok := s.(string); ok {
				stops = append(stops, str)
			}
		}
		req.Stop = stops
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ec.Context, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyChatAPIError(ec, string(e.Kind()), err)
	}
	if len(resp.Choices) == 0 {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"chat completion returned no choices", nil, false)
	}

	content := resp.Choices[0].Message.Content

	var parsed any
	if outputFormat == "json" {
		var decoded any
		if jsonErr := json.Unmarshal([]byte(content), &decoded); jsonErr != nil {
			parsed = map[string]any{"parse_error": jsonErr.Error(), "raw": content}
		} else {
			parsed = decoded
		}
	}

	data := map[string]any{
		"model":          resp.Model,
		"input_tokens":   resp.Usage.PromptTokens,
		"output_tokens":  resp.Usage.CompletionTokens,
		"total_tokens":   resp.Usage.TotalTokens,
		"cost_usd":       calculateCostUSD(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		"stop_reason":    string(resp.Choices[0].FinishReason),
		"parsed":         parsed,
	}

	return map[string]any{
		"output":            content,
		"data":              data,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"elapsed":           elapsed.String(),
	}, nil
}

// classifyChatAPIError maps a go-openai transport/API error onto spec.md
// §4.4's taxonomy: a 429 is a resource failure carrying a retry_after hint
// (the Retry-After header isn't exposed by the client library, so this
// falls back to the ~60s default the original implementation's
// RateLimitError handler uses), a 5xx is transient with a 30s hint, any
// other API status is permanent, and a transport-level failure (no status
// code at all) is transient.
func classifyChatAPIError(ec *ExecContext, kind string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		nodeErr := flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, kind, 1,
			fmt.Sprintf("chat completion API error (%d): %s", apiErr.HTTPStatusCode, apiErr.Message), err,
			apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500)
		switch {
		case apiErr.HTTPStatusCode == 429:
			nodeErr.Category = flowerrors.CategoryResource
			nodeErr.RetryAfter = 60 * time.Second
		case apiErr.HTTPStatusCode >= 500:
			nodeErr.Category = flowerrors.CategoryTransient
			nodeErr.RetryAfter = 30 * time.Second
		default:
			nodeErr.Category = flowerrors.CategoryPermanent
		}
		return nodeErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		nodeErr := flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, kind, 1,
			"chat completion request failed", err, true)
		nodeErr.Category = flowerrors.CategoryTransient
		return nodeErr
	}

	nodeErr := flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, kind, 1,
		"chat completion request failed", err, true)
	nodeErr.Category = flowerrors.CategoryTransient
	return nodeErr
}
