package api

// CompletionRequest is the body of POST /v1/completions. Sampling fields
// are pointers so an absent key is distinguishable from an explicit zero;
// absent fields fall back to the engine defaults.
type CompletionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	DoSample      *bool    `json:"do_sample,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// CompletionResponse is the batch-mode reply.
type CompletionResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// CompletionChunk is one SSE event of a streamed completion. The final
// chunk carries an empty delta and the finish reason, followed by the
// [DONE] sentinel.
type CompletionChunk struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	Model        string `json:"model"`
	Delta        string `json:"delta"`
	TokenID      *int   `json:"token_id,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatusResponse is the reply of GET /v1/status.
type StatusResponse struct {
	Status string    `json:"status"`
	Model  string    `json:"model,omitempty"`
	Perf   PerfStats `json:"perf"`
}

// PerfStats mirrors the engine's performance record with durations in
// milliseconds, the unit the original surface reported.
type PerfStats struct {
	LoadMs          float64 `json:"load_ms"`
	CancelMs        float64 `json:"cancel_ms"`
	UnloadMs        float64 `json:"unload_ms"`
	Runs            int     `json:"runs"`
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	PromptTPS       float64 `json:"prompt_tps"`
	GenerationTPS   float64 `json:"generation_tps"`
	AcceptanceRate  float64 `json:"acceptance_rate,omitempty"`
}

// CancelResponse is the reply of POST /v1/cancel.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse wraps every non-2xx body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
