package types

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type StartChatRequest struct {
	Content string `json:"content"`
}

type AddMessageRequest struct {
	Content string `json:"content"`
}

type Chat struct {
	ID               int64         `json:"id"`
	Owner            string        `json:"owner"`
	Messages         []ChatMessage `json:"messages"`
	AwaitingResponse bool          `json:"awaiting_response"`
	CreatedAt        string        `json:"created_at"`
	UpdatedAt        string        `json:"updated_at"`
}

type StartAgentRunRequest struct {
	Query         string `json:"query"`
	MaxIterations int    `json:"max_iterations"`
}

type AgentRun struct {
	ID               int64         `json:"id"`
	Owner            string        `json:"owner"`
	Messages         []ChatMessage `json:"messages"`
	Iterations       int           `json:"iterations"`
	MaxIterations    int           `json:"max_iterations"`
	IsFinished       bool          `json:"is_finished"`
	AwaitingResponse bool          `json:"awaiting_response"`
	CreatedAt        string        `json:"created_at"`
}

type InitializeMintRequest struct {
	Input string `json:"input"`
}

type Mint struct {
	ID        int64   `json:"id"`
	Owner     string  `json:"owner"`
	Prompt    string  `json:"prompt"`
	TokenURI  *string `json:"token_uri,omitempty"`
	Minted    bool    `json:"minted"`
	CreatedAt string  `json:"created_at"`
}

type Game struct {
	ID               int64         `json:"id"`
	Owner            string        `json:"owner"`
	Messages         []ChatMessage `json:"messages"`
	HP               *int          `json:"hp,omitempty"`
	IsFinished       bool          `json:"is_finished"`
	AwaitingResponse bool          `json:"awaiting_response"`
	ImagesCount      int           `json:"images_count"`
	Images           []string      `json:"images"`
	CreatedAt        string        `json:"created_at"`
}

type AddSelectionRequest struct {
	Selection int `json:"selection"`
}
