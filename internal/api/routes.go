package api

import (
	"github.com/gofiber/fiber/v2"

	"promptrelay/internal/oracle"
	"promptrelay/internal/requester"
)

func SetupRoutes(app *fiber.App, o *oracle.Oracle, chat *requester.Chat, agent *requester.Agent, minter *requester.Minter, game *requester.Game) {
	h := NewHandler(o, chat, agent, minter, game)

	v1 := app.Group("/v1")

	v1.Post("/prompts", h.SubmitPrompt)
	v1.Get("/prompts", h.ListPrompts)
	v1.Get("/prompts/:id", h.GetPrompt)
	v1.Post("/prompts/:id/response", h.DeliverResponse)

	v1.Get("/events", h.ListEvents)
	v1.Get("/stats", h.GetStats)

	v1.Post("/whitelist", h.AddToWhitelist)
	v1.Get("/whitelist", h.ListWhitelist)
	v1.Delete("/whitelist/:principal", h.RemoveFromWhitelist)

	v1.Post("/attestations", h.AddAttestation)
	v1.Get("/attestations/latest", h.GetLatestAttestation)

	v1.Post("/chats", h.StartChat)
	v1.Get("/chats/:id", h.GetChat)
	v1.Post("/chats/:id/messages", h.AddChatMessage)

	v1.Post("/agents", h.StartAgentRun)
	v1.Get("/agents/:id", h.GetAgentRun)

	v1.Post("/mints", h.InitializeMint)
	v1.Get("/mints/:id", h.GetMint)

	v1.Post("/games", h.StartGame)
	v1.Get("/games/:id", h.GetGame)
	v1.Post("/games/:id/selections", h.AddGameSelection)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
