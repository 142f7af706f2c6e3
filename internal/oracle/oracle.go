// Package oracle implements the prompt ledger: sequential prompt ids,
// whitelist-gated at-most-once response delivery, and the transactional
// requester callback that runs inside the same commit as the delivery.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

const (
	EventPromptSubmitted = "prompt.submitted"
	EventPromptProcessed = "prompt.processed"
)

type Config struct {
	OwnerKey            string
	DeliveriesPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		DeliveriesPerSecond: 10,
	}
}

// Requester receives processed responses for prompts it submitted. OnResponse
// runs inside the delivery transaction: an error rolls the whole delivery
// back, leaving the prompt deliverable again.
type Requester interface {
	Name() string
	OnResponse(ctx context.Context, store storage.Store, d Delivery) error
}

// Delivery is what a requester callback sees for one processed prompt.
type Delivery struct {
	PromptID   int64
	CallbackID int64
	PromptType types.PromptType
	Response   types.Response
	// Token authenticates the caller as the oracle.
	Token string
}

// SubmitRequest describes a prompt a requester wants answered.
type SubmitRequest struct {
	Requester  string
	CallbackID int64
	PromptType types.PromptType
	Content    string
}

type Oracle struct {
	store  storage.Store
	log    *zap.Logger
	config Config

	// token is handed to requesters at registration so their callbacks can
	// verify the oracle is the caller.
	token string

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	requesters map[string]Requester

	locks *keyLock
}

func New(store storage.Store, log *zap.Logger, config Config) *Oracle {
	if config.DeliveriesPerSecond == 0 {
		config.DeliveriesPerSecond = 10
	}
	return &Oracle{
		store:      store,
		log:        log,
		config:     config,
		token:      uuid.New().String(),
		limiters:   make(map[string]*rate.Limiter),
		requesters: make(map[string]Requester),
		locks:      newKeyLock(),
	}
}

// Token is the value requester callbacks compare deliveries against.
func (o *Oracle) Token() string {
	return o.token
}

func (o *Oracle) Register(r Requester) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requesters[r.Name()] = r
}

// Submit records a prompt and returns its id. Ids are sequential from 0.
func (o *Oracle) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	var id int64
	err := o.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		id, err = o.SubmitTx(ctx, tx, req)
		return err
	})
	return id, err
}

// SubmitTx is Submit inside an existing transaction. Requesters use it so the
// prompt they submit commits together with their own state change.
func (o *Oracle) SubmitTx(ctx context.Context, tx storage.Store, req SubmitRequest) (int64, error) {
	promptType := req.PromptType
	if promptType == "" {
		promptType = types.PromptTypeDefault
	}

	record := &storage.PromptRecord{
		Requester:  req.Requester,
		CallbackID: req.CallbackID,
		PromptType: promptType,
		Content:    req.Content,
		CreatedAt:  time.Now(),
	}
	if err := tx.CreatePrompt(ctx, record); err != nil {
		return 0, fmt.Errorf("failed to create prompt: %w", err)
	}

	if err := tx.AppendEvent(ctx, &storage.EventRecord{
		Type:      EventPromptSubmitted,
		PromptID:  record.ID,
		Requester: req.Requester,
		CreatedAt: time.Now(),
	}); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	o.log.Info("prompt submitted",
		zap.Int64("prompt_id", record.ID),
		zap.String("requester", req.Requester),
		zap.String("prompt_type", string(promptType)))

	return record.ID, nil
}

// Deliver records the response for a prompt exactly once. The whitelist
// check, the processed flip, the requester callback and the event append all
// commit together; any failure leaves the prompt unprocessed.
func (o *Oracle) Deliver(ctx context.Context, responderKey string, promptID int64, resp types.Response) error {
	deliveryID := "dlv_" + uuid.New().String()

	authorized, err := o.store.IsWhitelisted(ctx, responderKey)
	if err != nil {
		return fmt.Errorf("failed to check whitelist: %w", err)
	}
	if !authorized {
		o.log.Warn("delivery rejected",
			zap.String("delivery_id", deliveryID),
			zap.Int64("prompt_id", promptID),
			zap.Error(ErrUnauthorized))
		return ErrUnauthorized
	}

	if err := o.limiter(responderKey).Wait(ctx); err != nil {
		return err
	}

	o.locks.lock(promptID)
	defer o.locks.unlock(promptID)

	err = o.store.InTx(ctx, func(tx storage.Store) error {
		prompt, err := tx.GetPrompt(ctx, promptID)
		if err != nil {
			return fmt.Errorf("failed to get prompt: %w", err)
		}
		if prompt == nil {
			return ErrUnknownPrompt
		}

		record := &storage.ResponseRecord{
			Content:          resp.Content,
			Model:            resp.Model,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.TotalTokens,
			Error:            resp.Error,
		}
		if err := tx.MarkPromptProcessed(ctx, promptID, record, time.Now()); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return ErrAlreadyProcessed
			}
			return fmt.Errorf("failed to mark prompt processed: %w", err)
		}

		if prompt.Requester != "" {
			requester, ok := o.requester(prompt.Requester)
			if !ok {
				return ErrUnknownRequester
			}
			delivery := Delivery{
				PromptID:   promptID,
				CallbackID: prompt.CallbackID,
				PromptType: prompt.PromptType,
				Response:   resp,
				Token:      o.token,
			}
			if err := requester.OnResponse(ctx, tx, delivery); err != nil {
				return fmt.Errorf("requester callback failed: %w", err)
			}
		}

		return tx.AppendEvent(ctx, &storage.EventRecord{
			Type:      EventPromptProcessed,
			PromptID:  promptID,
			Requester: prompt.Requester,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		o.log.Warn("delivery failed",
			zap.String("delivery_id", deliveryID),
			zap.Int64("prompt_id", promptID),
			zap.Error(err))
		return err
	}

	o.log.Info("prompt processed",
		zap.String("delivery_id", deliveryID),
		zap.Int64("prompt_id", promptID))
	return nil
}

func (o *Oracle) GetPrompt(ctx context.Context, id int64) (*storage.PromptRecord, error) {
	prompt, err := o.store.GetPrompt(ctx, id)
	if err != nil {
		return nil, err
	}
	if prompt == nil {
		return nil, ErrUnknownPrompt
	}
	return prompt, nil
}

func (o *Oracle) ListPrompts(ctx context.Context, filter storage.PromptFilter) ([]*storage.PromptRecord, int, error) {
	return o.store.ListPrompts(ctx, filter)
}

// Authorize adds principal to the responder whitelist. Owner only.
func (o *Oracle) Authorize(ctx context.Context, ownerKey, principal string) error {
	return o.setWhitelisted(ctx, ownerKey, principal, true)
}

// Revoke removes principal from the responder whitelist. Owner only.
func (o *Oracle) Revoke(ctx context.Context, ownerKey, principal string) error {
	return o.setWhitelisted(ctx, ownerKey, principal, false)
}

func (o *Oracle) setWhitelisted(ctx context.Context, ownerKey, principal string, authorized bool) error {
	if ownerKey != o.config.OwnerKey {
		return ErrNotOwner
	}
	if err := o.store.SetWhitelisted(ctx, principal, authorized); err != nil {
		return fmt.Errorf("failed to update whitelist: %w", err)
	}
	o.log.Info("whitelist updated",
		zap.String("principal", principal),
		zap.Bool("authorized", authorized))
	return nil
}

func (o *Oracle) IsAuthorized(ctx context.Context, principal string) (bool, error) {
	return o.store.IsWhitelisted(ctx, principal)
}

func (o *Oracle) ListAuthorized(ctx context.Context) ([]string, error) {
	return o.store.ListWhitelisted(ctx)
}

// AddAttestation records a responder attestation. Owner only.
func (o *Oracle) AddAttestation(ctx context.Context, ownerKey, principal, attestation string) error {
	if ownerKey != o.config.OwnerKey {
		return ErrNotOwner
	}
	return o.store.PutAttestation(ctx, &storage.AttestationRecord{
		Principal:   principal,
		Attestation: attestation,
		CreatedAt:   time.Now(),
	})
}

func (o *Oracle) LatestAttestation(ctx context.Context) (*storage.AttestationRecord, error) {
	return o.store.LatestAttestation(ctx)
}

func (o *Oracle) Events(ctx context.Context, after int64, limit int) ([]*storage.EventRecord, error) {
	return o.store.ListEvents(ctx, after, limit)
}

func (o *Oracle) Stats(ctx context.Context) (*types.OracleStats, error) {
	return o.store.Stats(ctx)
}

func (o *Oracle) requester(name string) (Requester, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.requesters[name]
	return r, ok
}

func (o *Oracle) limiter(responderKey string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if limiter, ok := o.limiters[responderKey]; ok {
		return limiter
	}

	limiter := rate.NewLimiter(rate.Limit(o.config.DeliveriesPerSecond), 1)
	o.limiters[responderKey] = limiter
	return limiter
}
