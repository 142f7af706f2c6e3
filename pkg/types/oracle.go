package types

type Event struct {
	Index     int64  `json:"index"`
	Type      string `json:"type"`
	PromptID  int64  `json:"prompt_id"`
	Requester string `json:"requester,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListEventsResponse struct {
	Events []Event `json:"events"`
	Next   int64   `json:"next"`
}

type OracleStats struct {
	TotalPrompts int `json:"total_prompts"`
	Processed    int `json:"processed"`
	Pending      int `json:"pending"`
}

type WhitelistRequest struct {
	Principal string `json:"principal"`
}

type WhitelistEntry struct {
	Principal  string `json:"principal"`
	Authorized bool   `json:"authorized"`
}

type AttestationRequest struct {
	Principal   string `json:"principal"`
	Attestation string `json:"attestation"`
}

type Attestation struct {
	Principal   string `json:"principal"`
	Attestation string `json:"attestation"`
	CreatedAt   string `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
