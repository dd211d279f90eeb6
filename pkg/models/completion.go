package models

// ChatMessage is one entry in an OpenAI-compatible message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible chat completion request
// accepted by mlx_lm.server.
type ChatCompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// Usage carries the token accounting returned with a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`

	// Some server builds also report completion_tokens at the top level.
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// CompletionTokenCount extracts the completion token count from a response,
// falling back to the top-level field when the usage object is absent.
func (r *ChatCompletionResponse) CompletionTokenCount() int {
	if r.Usage.CompletionTokens > 0 {
		return r.Usage.CompletionTokens
	}
	return r.CompletionTokens
}

// ModelsResponse is the response from the /v1/models endpoint.
type ModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
