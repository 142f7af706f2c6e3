package types

type PromptType string

const (
	PromptTypeDefault  PromptType = "default"
	PromptTypeFunction PromptType = "function"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Prompt struct {
	ID          int64      `json:"id"`
	Requester   string     `json:"requester,omitempty"`
	CallbackID  int64      `json:"callback_id"`
	PromptType  PromptType `json:"prompt_type"`
	Content     string     `json:"content"`
	Processed   bool       `json:"processed"`
	Response    *Response  `json:"response,omitempty"`
	CreatedAt   string     `json:"created_at"`
	ProcessedAt *string    `json:"processed_at,omitempty"`
}

type Response struct {
	Content          string  `json:"content"`
	Model            *string `json:"model,omitempty"`
	PromptTokens     *int    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int    `json:"completion_tokens,omitempty"`
	TotalTokens      *int    `json:"total_tokens,omitempty"`
	Error            string  `json:"error,omitempty"`
}

type SubmitPromptRequest struct {
	Requester  string `json:"requester,omitempty"`
	CallbackID int64  `json:"callback_id,omitempty"`
	PromptType string `json:"prompt_type,omitempty"`
	Content    string `json:"content"`
}

type SubmittedPromptResponse struct {
	PromptID  int64  `json:"prompt_id"`
	Requester string `json:"requester,omitempty"`
	CreatedAt string `json:"created_at"`
}

type DeliverResponseRequest struct {
	Content          string  `json:"content"`
	Model            *string `json:"model,omitempty"`
	PromptTokens     *int    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int    `json:"completion_tokens,omitempty"`
	TotalTokens      *int    `json:"total_tokens,omitempty"`
	Error            string  `json:"error,omitempty"`
}

type ListPromptsResponse struct {
	Prompts    []Prompt `json:"prompts"`
	Total      int      `json:"total"`
	Limit      int      `json:"limit"`
	NextCursor *string  `json:"next_cursor,omitempty"`
}
