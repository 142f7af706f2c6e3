package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"promptrelay/internal/oracle"
	"promptrelay/internal/requester"
	"promptrelay/internal/storage/sqlite"
	"promptrelay/pkg/types"
)

const testOwnerKey = "owner-secret"

func setupTestApp(t *testing.T) (*fiber.App, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "api_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := sqlite.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
		t.Fatalf("Failed to create store: %v", err)
	}

	o := oracle.New(store, zap.NewNop(), oracle.Config{
		OwnerKey:            testOwnerKey,
		DeliveriesPerSecond: 1000,
	})
	chat := requester.NewChat(store, o)
	agent := requester.NewAgent(store, o, "")
	minter := requester.NewMinter(store, o, "")
	game := requester.NewGame(store, o, "You are the narrator.")
	o.Register(chat)
	o.Register(agent)
	o.Register(minter)
	o.Register(game)

	app := fiber.New()
	SetupRoutes(app, o, chat, agent, minter, game)

	cleanup := func() {
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
	}

	return app, cleanup
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func whitelistResponder(t *testing.T, app *fiber.App, principal string) {
	t.Helper()
	resp := doJSON(t, app, http.MethodPost, "/v1/whitelist",
		fmt.Sprintf(`{"principal": %q}`, principal),
		map[string]string{"X-Owner-Key": testOwnerKey})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Whitelist setup failed: %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestSubmitAndDeliverPrompt(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")

	resp := doJSON(t, app, http.MethodPost, "/v1/prompts", `{"content": "hello"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, string(body))
	}
	submitted := decode[types.SubmittedPromptResponse](t, resp)
	if submitted.PromptID != 0 {
		t.Errorf("Expected first prompt id 0, got %d", submitted.PromptID)
	}

	// Delivery without a whitelisted key is rejected
	resp = doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "world"}`, map[string]string{"X-Responder-Key": "stranger"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "world", "model": "test-model"}`,
		map[string]string{"X-Responder-Key": "responder-1"})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}
	prompt := decode[types.Prompt](t, resp)
	if !prompt.Processed || prompt.Response == nil || prompt.Response.Content != "world" {
		t.Errorf("Prompt not processed as expected: %+v", prompt)
	}

	// Second delivery conflicts
	resp = doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "again"}`, map[string]string{"X-Responder-Key": "responder-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestDeliverToUnregisteredRequester(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")

	// The submit endpoint accepts arbitrary requester names
	resp := doJSON(t, app, http.MethodPost, "/v1/prompts",
		`{"requester": "ghost", "content": "hello"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "world"}`, map[string]string{"X-Responder-Key": "responder-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}

	// The failed delivery rolled back, so the prompt stays unprocessed
	resp = doJSON(t, app, http.MethodGet, "/v1/prompts/0", "", nil)
	prompt := decode[types.Prompt](t, resp)
	if prompt.Processed {
		t.Error("Expected prompt to remain unprocessed")
	}
}

func TestGetUnknownPrompt(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodGet, "/v1/prompts/42", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestWhitelistRequiresOwnerKey(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/whitelist",
		`{"principal": "responder-1"}`, map[string]string{"X-Owner-Key": "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodDelete, "/v1/whitelist/responder-1", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestWhitelistLifecycle(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")

	resp := doJSON(t, app, http.MethodGet, "/v1/whitelist", "", nil)
	entries := decode[[]types.WhitelistEntry](t, resp)
	if len(entries) != 1 || entries[0].Principal != "responder-1" {
		t.Errorf("Whitelist mismatch: %+v", entries)
	}

	resp = doJSON(t, app, http.MethodDelete, "/v1/whitelist/responder-1", "",
		map[string]string{"X-Owner-Key": testOwnerKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, "/v1/whitelist", "", nil)
	entries = decode[[]types.WhitelistEntry](t, resp)
	if len(entries) != 0 {
		t.Errorf("Expected empty whitelist, got %+v", entries)
	}
}

func TestEventsAndStats(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")

	doJSON(t, app, http.MethodPost, "/v1/prompts", `{"content": "one"}`, nil)
	doJSON(t, app, http.MethodPost, "/v1/prompts", `{"content": "two"}`, nil)
	doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "done"}`, map[string]string{"X-Responder-Key": "responder-1"})

	resp := doJSON(t, app, http.MethodGet, "/v1/events?after=0", "", nil)
	events := decode[types.ListEventsResponse](t, resp)
	if len(events.Events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events.Events))
	}
	if events.Next != 3 {
		t.Errorf("Expected next index 3, got %d", events.Next)
	}

	resp = doJSON(t, app, http.MethodGet, "/v1/stats", "", nil)
	stats := decode[types.OracleStats](t, resp)
	if stats.TotalPrompts != 2 || stats.Processed != 1 || stats.Pending != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func TestChatEndpoints(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")

	// Identity header is required
	resp := doJSON(t, app, http.MethodPost, "/v1/chats", `{"content": "Hello"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	user := map[string]string{"X-User": "alice"}
	resp = doJSON(t, app, http.MethodPost, "/v1/chats", `{"content": "Hello"}`, user)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, string(body))
	}
	chat := decode[types.Chat](t, resp)

	// Message while awaiting response conflicts
	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/v1/chats/%d/messages", chat.ID),
		`{"content": "Anyone?"}`, user)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}

	doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "Hi alice"}`, map[string]string{"X-Responder-Key": "responder-1"})

	resp = doJSON(t, app, http.MethodGet, fmt.Sprintf("/v1/chats/%d", chat.ID), "", nil)
	updated := decode[types.Chat](t, resp)
	if len(updated.Messages) != 2 || updated.Messages[1].Content != "Hi alice" {
		t.Errorf("Chat messages mismatch: %+v", updated.Messages)
	}
}

func TestGameEndpoints(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")
	user := map[string]string{"X-User": "alice"}

	resp := doJSON(t, app, http.MethodPost, "/v1/games", "", user)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, string(body))
	}
	game := decode[types.Game](t, resp)

	doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "Choose a) b) c) d). Your HP: 100"}`,
		map[string]string{"X-Responder-Key": "responder-1"})

	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/v1/games/%d/selections", game.ID),
		`{"selection": 5}`, user)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/v1/games/%d/selections", game.ID),
		`{"selection": 1}`, user)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}
	updated := decode[types.Game](t, resp)
	last := updated.Messages[len(updated.Messages)-1]
	if last.Content != "B" {
		t.Errorf("Expected selection letter B, got %q", last.Content)
	}
}

func TestAttestationEndpoints(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodGet, "/v1/attestations/latest", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/attestations",
		`{"principal": "responder-1", "attestation": "sgx-quote"}`,
		map[string]string{"X-Owner-Key": testOwnerKey})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, "/v1/attestations/latest", "", nil)
	att := decode[types.Attestation](t, resp)
	if att.Attestation != "sgx-quote" {
		t.Errorf("Attestation mismatch: %+v", att)
	}
}

func TestMintEndpoints(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	whitelistResponder(t, app, "responder-1")
	user := map[string]string{"X-User": "alice"}

	resp := doJSON(t, app, http.MethodPost, "/v1/mints", `{"input": "red wolf"}`, user)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, string(body))
	}
	mint := decode[types.Mint](t, resp)
	if mint.Prompt != `make an image of: "red wolf"` {
		t.Errorf("Mint prompt mismatch: %q", mint.Prompt)
	}

	doJSON(t, app, http.MethodPost, "/v1/prompts/0/response",
		`{"content": "ipfs://CID"}`, map[string]string{"X-Responder-Key": "responder-1"})

	resp = doJSON(t, app, http.MethodGet, fmt.Sprintf("/v1/mints/%d", mint.ID), "", nil)
	minted := decode[types.Mint](t, resp)
	if !minted.Minted || minted.TokenURI == nil || *minted.TokenURI != "ipfs://CID" {
		t.Errorf("Mint state mismatch: %+v", minted)
	}
}
