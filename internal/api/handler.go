package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"promptrelay/internal/oracle"
	"promptrelay/internal/requester"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

const (
	headerOwnerKey     = "X-Owner-Key"
	headerResponderKey = "X-Responder-Key"
	headerUser         = "X-User"
)

type Handler struct {
	oracle *oracle.Oracle
	chat   *requester.Chat
	agent  *requester.Agent
	minter *requester.Minter
	game   *requester.Game
}

func NewHandler(o *oracle.Oracle, chat *requester.Chat, agent *requester.Agent, minter *requester.Minter, game *requester.Game) *Handler {
	return &Handler{
		oracle: o,
		chat:   chat,
		agent:  agent,
		minter: minter,
		game:   game,
	}
}

func (h *Handler) user(c *fiber.Ctx) (string, bool) {
	user := c.Get(headerUser)
	return user, user != ""
}

func (h *Handler) SubmitPrompt(c *fiber.Ctx) error {
	var req types.SubmitPromptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Content is required"})
	}

	id, err := h.oracle.Submit(c.Context(), oracle.SubmitRequest{
		Requester:  req.Requester,
		CallbackID: req.CallbackID,
		PromptType: types.PromptType(req.PromptType),
		Content:    req.Content,
	})
	if err != nil {
		return domainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(types.SubmittedPromptResponse{
		PromptID:  id,
		Requester: req.Requester,
		CreatedAt: time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) GetPrompt(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid prompt id"})
	}

	record, err := h.oracle.GetPrompt(c.Context(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(recordToPrompt(record))
}

func (h *Handler) ListPrompts(c *fiber.Ctx) error {
	filter := storage.PromptFilter{Limit: 50}

	if v := c.Query("requester"); v != "" {
		filter.Requester = &v
	}
	if v := c.Query("processed"); v != "" {
		processed, err := strconv.ParseBool(v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid processed filter"})
		}
		filter.Processed = &processed
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid limit"})
		}
		filter.Limit = limit
	}
	if v := c.Query("cursor"); v != "" {
		cursor, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid cursor"})
		}
		filter.Cursor = &cursor
	}

	records, total, err := h.oracle.ListPrompts(c.Context(), filter)
	if err != nil {
		return domainError(c, err)
	}

	resp := types.ListPromptsResponse{
		Prompts: make([]types.Prompt, 0, len(records)),
		Total:   total,
		Limit:   filter.Limit,
	}
	for _, record := range records {
		resp.Prompts = append(resp.Prompts, recordToPrompt(record))
	}
	if len(records) == filter.Limit && len(records) > 0 {
		cursor := strconv.FormatInt(records[len(records)-1].ID, 10)
		resp.NextCursor = &cursor
	}

	return c.JSON(resp)
}

func (h *Handler) DeliverResponse(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid prompt id"})
	}

	responderKey := c.Get(headerResponderKey)
	if responderKey == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(types.ErrorResponse{Error: "Missing responder key"})
	}

	var req types.DeliverResponseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Content == "" && req.Error == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Content or error is required"})
	}

	resp := types.Response{
		Content:          req.Content,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		Error:            req.Error,
	}
	if err := h.oracle.Deliver(c.Context(), responderKey, id, resp); err != nil {
		return domainError(c, err)
	}

	record, err := h.oracle.GetPrompt(c.Context(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(recordToPrompt(record))
}

func (h *Handler) ListEvents(c *fiber.Ctx) error {
	after := int64(0)
	if v := c.Query("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid after index"})
		}
		after = parsed
	}

	records, err := h.oracle.Events(c.Context(), after, 100)
	if err != nil {
		return domainError(c, err)
	}

	resp := types.ListEventsResponse{Events: make([]types.Event, 0, len(records)), Next: after}
	for _, record := range records {
		resp.Events = append(resp.Events, recordToEvent(record))
		resp.Next = record.Index + 1
	}
	return c.JSON(resp)
}

func (h *Handler) GetStats(c *fiber.Ctx) error {
	stats, err := h.oracle.Stats(c.Context())
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(stats)
}

func (h *Handler) AddToWhitelist(c *fiber.Ctx) error {
	var req types.WhitelistRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Principal == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Principal is required"})
	}

	if err := h.oracle.Authorize(c.Context(), c.Get(headerOwnerKey), req.Principal); err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(types.WhitelistEntry{Principal: req.Principal, Authorized: true})
}

func (h *Handler) RemoveFromWhitelist(c *fiber.Ctx) error {
	principal := c.Params("principal")
	if principal == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Principal is required"})
	}

	if err := h.oracle.Revoke(c.Context(), c.Get(headerOwnerKey), principal); err != nil {
		return domainError(c, err)
	}
	return c.JSON(types.WhitelistEntry{Principal: principal, Authorized: false})
}

func (h *Handler) ListWhitelist(c *fiber.Ctx) error {
	principals, err := h.oracle.ListAuthorized(c.Context())
	if err != nil {
		return domainError(c, err)
	}

	entries := make([]types.WhitelistEntry, 0, len(principals))
	for _, p := range principals {
		entries = append(entries, types.WhitelistEntry{Principal: p, Authorized: true})
	}
	return c.JSON(entries)
}

func (h *Handler) AddAttestation(c *fiber.Ctx) error {
	var req types.AttestationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Principal == "" || req.Attestation == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Principal and attestation are required"})
	}

	if err := h.oracle.AddAttestation(c.Context(), c.Get(headerOwnerKey), req.Principal, req.Attestation); err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(types.Attestation{
		Principal:   req.Principal,
		Attestation: req.Attestation,
		CreatedAt:   time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) GetLatestAttestation(c *fiber.Ctx) error {
	record, err := h.oracle.LatestAttestation(c.Context())
	if err != nil {
		return domainError(c, err)
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "No attestation recorded"})
	}
	return c.JSON(recordToAttestation(record))
}

func (h *Handler) StartChat(c *fiber.Ctx) error {
	user, ok := h.user(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "X-User header is required"})
	}

	var req types.StartChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Content is required"})
	}

	chat, err := h.chat.Start(c.Context(), user, req.Content)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(chat)
}

func (h *Handler) GetChat(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid chat id"})
	}

	chat, err := h.chat.Get(c.Context(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(chat)
}

func (h *Handler) AddChatMessage(c *fiber.Ctx) error {
	user, ok := h.user(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "X-User header is required"})
	}

	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid chat id"})
	}

	var req types.AddMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Content is required"})
	}

	chat, err := h.chat.AddMessage(c.Context(), id, user, req.Content)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(chat)
}

func (h *Handler) StartAgentRun(c *fiber.Ctx) error {
	user, ok := h.user(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "X-User header is required"})
	}

	var req types.StartAgentRunRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Query is required"})
	}

	run, err := h.agent.StartRun(c.Context(), user, req.Query, req.MaxIterations)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *Handler) GetAgentRun(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid run id"})
	}

	run, err := h.agent.Get(c.Context(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(run)
}

func (h *Handler) InitializeMint(c *fiber.Ctx) error {
	user, ok := h.user(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "X-User header is required"})
	}

	var req types.InitializeMintRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Input == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Input is required"})
	}

	mint, err := h.minter.InitializeMint(c.Context(), user, req.Input)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(mint)
}

func (h *Handler) GetMint(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid mint id"})
	}

	mint, err := h.minter.Get(c.Context(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(mint)
}

func (h *Handler) StartGame(c *fiber.Ctx) error {
	user, ok := h.user(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "X-User header is required"})
	}

	game, err := h.game.StartGame(c.Context(), user)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(game)
}

func (h *Handler) GetGame(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid game id"})
	}

	game, err := h.game.Get(c.Context(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(game)
}

func (h *Handler) AddGameSelection(c *fiber.Ctx) error {
	user, ok := h.user(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "X-User header is required"})
	}

	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid game id"})
	}

	var req types.AddSelectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}

	game, err := h.game.AddSelection(c.Context(), id, user, req.Selection)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(game)
}
