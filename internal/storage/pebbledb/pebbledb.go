package pebbledb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

// Key prefixes
const (
	prefixWl    = "wl:"    // wl:{principal} → 1/0
	prefixAtt   = "att:"   // att:{seq} → attestation JSON
	prefixP     = "p:"     // p:{id} → prompt JSON
	prefixC     = "c:"     // c:{id} → conversation JSON
	prefixM     = "m:"     // m:{cid}:{seq} → message JSON
	prefixEv    = "ev:"    // ev:{idx} → event JSON
	prefixCnt   = "cnt:"   // cnt:{name} → int64 next id
	keyProcCnt  = "count:processed"
)

// handle is satisfied by both *pebble.DB and an indexed *pebble.Batch, which
// is what makes InTx work: reads inside a transaction observe its own writes.
type handle interface {
	Get(key []byte) ([]byte, io.Closer, error)
	Set(key, value []byte, opts *pebble.WriteOptions) error
	Merge(key, value []byte, opts *pebble.WriteOptions) error
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type PebbleStore struct {
	db       *pebble.DB
	h        handle
	mu       *sync.Mutex
	inTx     bool
	useBatch bool
	events   *BatchWriter

	// pending holds event payloads staged during a transaction in batch
	// mode. They are handed to the batch writer only after the commit, so
	// a rollback discards them along with their index allocation.
	pending []writeOp
}

type promptData struct {
	ID          int64                   `json:"id"`
	Requester   string                  `json:"requester,omitempty"`
	CallbackID  int64                   `json:"callback_id"`
	PromptType  string                  `json:"prompt_type"`
	Content     string                  `json:"content"`
	Processed   bool                    `json:"processed"`
	Response    *storage.ResponseRecord `json:"response,omitempty"`
	CreatedAt   int64                   `json:"created_at"` // Unix nano
	ProcessedAt *int64                  `json:"processed_at,omitempty"`
}

type conversationData struct {
	ID               int64    `json:"id"`
	Requester        string   `json:"requester"`
	Owner            string   `json:"owner"`
	AwaitingResponse bool     `json:"awaiting_response"`
	Finished         bool     `json:"finished"`
	Iterations       int      `json:"iterations"`
	MaxIterations    int      `json:"max_iterations"`
	TokenURI         *string  `json:"token_uri,omitempty"`
	Minted           bool     `json:"minted"`
	HP               *int     `json:"hp,omitempty"`
	Images           []string `json:"images,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

type messageData struct {
	ConversationID int64  `json:"conversation_id"`
	Seq            int    `json:"seq"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

type eventData struct {
	Index     int64  `json:"index"`
	Type      string `json:"type"`
	PromptID  int64  `json:"prompt_id"`
	Requester string `json:"requester,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type attestationData struct {
	Principal   string `json:"principal"`
	Attestation string `json:"attestation"`
	CreatedAt   int64  `json:"created_at"`
}

// New opens a pebble-backed store. With useBatch, event payloads are queued
// to a background batch writer after their transaction commits instead of
// committing with it; this trades event durability on crash for write
// throughput, the prompt ledger itself always commits synchronously.
func New(dbPath string, useBatch bool) (*PebbleStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "int64_add",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				return &int64Merger{sum: decodeInt64(value)}, nil
			},
		},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	store := &PebbleStore{
		db:       db,
		h:        db,
		mu:       &sync.Mutex{},
		useBatch: useBatch,
	}

	if useBatch {
		store.events = NewBatchWriter(db, DefaultBatchWriterConfig())
	}

	return store, nil
}

func (s *PebbleStore) Close() error {
	// Close batch writer first to flush remaining writes
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			return fmt.Errorf("failed to close batch writer: %w", err)
		}
	}
	return s.db.Close()
}

func (s *PebbleStore) InTx(ctx context.Context, fn func(storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	tx := &PebbleStore{db: s.db, h: batch, mu: s.mu, inTx: true, useBatch: s.useBatch, events: s.events}

	if err := fn(tx); err != nil {
		batch.Close()
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	for _, op := range tx.pending {
		s.events.Set(op.key, op.value)
	}
	return nil
}

func wlKey(principal string) []byte { return []byte(prefixWl + principal) }
func pKey(id int64) []byte          { return []byte(fmt.Sprintf("%s%020d", prefixP, id)) }
func cKey(id int64) []byte          { return []byte(fmt.Sprintf("%s%020d", prefixC, id)) }
func mKey(cid int64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%020d:%06d", prefixM, cid, seq))
}
func mPrefix(cid int64) []byte  { return []byte(fmt.Sprintf("%s%020d:", prefixM, cid)) }
func evKey(idx int64) []byte    { return []byte(fmt.Sprintf("%s%020d", prefixEv, idx)) }
func attKey(seq int64) []byte   { return []byte(fmt.Sprintf("%s%020d", prefixAtt, seq)) }
func cntKey(name string) []byte { return []byte(prefixCnt + name) }

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

type int64Merger struct {
	sum int64
}

func (m *int64Merger) MergeNewer(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) MergeOlder(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return encodeInt64(m.sum), nil, nil
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub
		}
		ub[i] = 0
	}
	return append(ub, 0)
}

// nextID hands out sequential ids per counter name, starting at 0. Must run
// inside a transaction so the read-modify-write is isolated.
func (s *PebbleStore) nextID(name string) (int64, error) {
	key := cntKey(name)
	id := int64(0)

	value, closer, err := s.h.Get(key)
	if err == nil {
		id = decodeInt64(value)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	if err := s.h.Set(key, encodeInt64(id+1), pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to advance counter: %w", err)
	}
	return id, nil
}

func (s *PebbleStore) getJSON(key []byte, out any) (bool, error) {
	value, closer, err := s.h.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal key %q: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) setJSON(key []byte, in any) error {
	value, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal key %q: %w", key, err)
	}
	return s.h.Set(key, value, pebble.Sync)
}

func (s *PebbleStore) SetWhitelisted(ctx context.Context, principal string, authorized bool) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error {
			return tx.SetWhitelisted(ctx, principal, authorized)
		})
	}

	v := []byte{0}
	if authorized {
		v = []byte{1}
	}
	return s.h.Set(wlKey(principal), v, pebble.Sync)
}

func (s *PebbleStore) IsWhitelisted(ctx context.Context, principal string) (bool, error) {
	value, closer, err := s.h.Get(wlKey(principal))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get whitelist entry: %w", err)
	}
	defer closer.Close()
	return len(value) == 1 && value[0] == 1, nil
}

func (s *PebbleStore) ListWhitelisted(ctx context.Context) ([]string, error) {
	prefix := []byte(prefixWl)
	iter, err := s.h.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var principals []string
	for iter.First(); iter.Valid(); iter.Next() {
		if v := iter.Value(); len(v) == 1 && v[0] == 1 {
			principals = append(principals, string(iter.Key()[len(prefix):]))
		}
	}
	return principals, nil
}

func (s *PebbleStore) PutAttestation(ctx context.Context, att *storage.AttestationRecord) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error { return tx.PutAttestation(ctx, att) })
	}

	seq, err := s.nextID("attestations")
	if err != nil {
		return err
	}
	return s.setJSON(attKey(seq), attestationData{
		Principal:   att.Principal,
		Attestation: att.Attestation,
		CreatedAt:   att.CreatedAt.UnixNano(),
	})
}

func (s *PebbleStore) LatestAttestation(ctx context.Context) (*storage.AttestationRecord, error) {
	prefix := []byte(prefixAtt)
	iter, err := s.h.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, nil
	}

	var data attestationData
	if err := json.Unmarshal(iter.Value(), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attestation: %w", err)
	}
	return &storage.AttestationRecord{
		Principal:   data.Principal,
		Attestation: data.Attestation,
		CreatedAt:   time.Unix(0, data.CreatedAt),
	}, nil
}

func (s *PebbleStore) CreatePrompt(ctx context.Context, p *storage.PromptRecord) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error { return tx.CreatePrompt(ctx, p) })
	}

	id, err := s.nextID("prompts")
	if err != nil {
		return err
	}

	if err := s.setJSON(pKey(id), toPromptData(p, id)); err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *PebbleStore) GetPrompt(ctx context.Context, id int64) (*storage.PromptRecord, error) {
	var data promptData
	found, err := s.getJSON(pKey(id), &data)
	if err != nil || !found {
		return nil, err
	}
	return toPromptRecord(&data), nil
}

func (s *PebbleStore) ListPrompts(ctx context.Context, filter storage.PromptFilter) ([]*storage.PromptRecord, int, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}

	prefix := []byte(prefixP)
	iter, err := s.h.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.PromptRecord
	total := 0

	for iter.First(); iter.Valid(); iter.Next() {
		var data promptData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal prompt: %w", err)
		}

		if filter.Requester != nil && data.Requester != *filter.Requester {
			continue
		}
		if filter.Processed != nil && data.Processed != *filter.Processed {
			continue
		}
		total++

		if filter.Cursor != nil && data.ID <= *filter.Cursor {
			continue
		}
		if len(records) < limit {
			records = append(records, toPromptRecord(&data))
		}
	}

	return records, total, nil
}

func (s *PebbleStore) MarkPromptProcessed(ctx context.Context, id int64, resp *storage.ResponseRecord, processedAt time.Time) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error {
			return tx.MarkPromptProcessed(ctx, id, resp, processedAt)
		})
	}

	var data promptData
	found, err := s.getJSON(pKey(id), &data)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	if data.Processed {
		return storage.ErrConflict
	}

	data.Processed = true
	data.Response = resp
	nano := processedAt.UnixNano()
	data.ProcessedAt = &nano

	if err := s.setJSON(pKey(id), data); err != nil {
		return err
	}
	return s.h.Merge([]byte(keyProcCnt), encodeInt64(1), pebble.Sync)
}

func (s *PebbleStore) CreateConversation(ctx context.Context, c *storage.ConversationRecord) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error { return tx.CreateConversation(ctx, c) })
	}

	id, err := s.nextID("conversations")
	if err != nil {
		return err
	}

	if err := s.setJSON(cKey(id), toConversationData(c, id)); err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (s *PebbleStore) GetConversation(ctx context.Context, id int64) (*storage.ConversationRecord, error) {
	var data conversationData
	found, err := s.getJSON(cKey(id), &data)
	if err != nil || !found {
		return nil, err
	}
	return toConversationRecord(&data), nil
}

func (s *PebbleStore) UpdateConversation(ctx context.Context, c *storage.ConversationRecord) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error { return tx.UpdateConversation(ctx, c) })
	}

	var existing conversationData
	found, err := s.getJSON(cKey(c.ID), &existing)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}

	data := toConversationData(c, c.ID)
	data.CreatedAt = existing.CreatedAt
	data.UpdatedAt = time.Now().UnixNano()
	return s.setJSON(cKey(c.ID), data)
}

func (s *PebbleStore) AppendMessage(ctx context.Context, m *storage.MessageRecord) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error { return tx.AppendMessage(ctx, m) })
	}

	// Seq continues from the last message key for the conversation.
	prefix := mPrefix(m.ConversationID)
	iter, err := s.h.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	seq := 0
	if iter.Last() {
		var last messageData
		if err := json.Unmarshal(iter.Value(), &last); err != nil {
			iter.Close()
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		seq = last.Seq + 1
	}
	iter.Close()

	if err := s.setJSON(mKey(m.ConversationID, seq), messageData{
		ConversationID: m.ConversationID,
		Seq:            seq,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UnixNano(),
	}); err != nil {
		return err
	}
	m.Seq = seq
	return nil
}

func (s *PebbleStore) GetMessages(ctx context.Context, conversationID int64) ([]*storage.MessageRecord, error) {
	prefix := mPrefix(conversationID)
	iter, err := s.h.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.MessageRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var data messageData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		records = append(records, &storage.MessageRecord{
			ConversationID: data.ConversationID,
			Seq:            data.Seq,
			Role:           types.Role(data.Role),
			Content:        data.Content,
			CreatedAt:      time.Unix(0, data.CreatedAt),
		})
	}
	return records, nil
}

func (s *PebbleStore) AppendEvent(ctx context.Context, e *storage.EventRecord) error {
	if !s.inTx {
		return s.InTx(ctx, func(tx storage.Store) error { return tx.AppendEvent(ctx, e) })
	}

	idx, err := s.nextID("events")
	if err != nil {
		return err
	}
	e.Index = idx

	data := eventData{
		Index:     idx,
		Type:      e.Type,
		PromptID:  e.PromptID,
		Requester: e.Requester,
		CreatedAt: e.CreatedAt.UnixNano(),
	}

	// In batch mode the index allocation commits with the transaction but
	// the payload is staged for the batch writer, queued once the commit
	// succeeds.
	if s.useBatch && s.events != nil {
		value, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		s.pending = append(s.pending, writeOp{key: evKey(idx), value: value})
		return nil
	}

	return s.setJSON(evKey(idx), data)
}

func (s *PebbleStore) ListEvents(ctx context.Context, after int64, limit int) ([]*storage.EventRecord, error) {
	if limit == 0 {
		limit = 100
	}

	iter, err := s.h.NewIter(&pebble.IterOptions{
		LowerBound: evKey(after),
		UpperBound: upperBound([]byte(prefixEv)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.EventRecord
	for iter.First(); iter.Valid() && len(records) < limit; iter.Next() {
		var data eventData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		records = append(records, &storage.EventRecord{
			Index:     data.Index,
			Type:      data.Type,
			PromptID:  data.PromptID,
			Requester: data.Requester,
			CreatedAt: time.Unix(0, data.CreatedAt),
		})
	}
	return records, nil
}

func (s *PebbleStore) Stats(ctx context.Context) (*types.OracleStats, error) {
	total := int64(0)
	if value, closer, err := s.h.Get(cntKey("prompts")); err == nil {
		total = decodeInt64(value)
		closer.Close()
	}

	processed := int64(0)
	if value, closer, err := s.h.Get([]byte(keyProcCnt)); err == nil {
		processed = decodeInt64(value)
		closer.Close()
	}

	return &types.OracleStats{
		TotalPrompts: int(total),
		Processed:    int(processed),
		Pending:      int(total - processed),
	}, nil
}

// --- Conversion helpers ---

func toPromptData(p *storage.PromptRecord, id int64) promptData {
	data := promptData{
		ID:         id,
		Requester:  p.Requester,
		CallbackID: p.CallbackID,
		PromptType: string(p.PromptType),
		Content:    p.Content,
		Processed:  p.Processed,
		Response:   p.Response,
		CreatedAt:  p.CreatedAt.UnixNano(),
	}
	if p.ProcessedAt != nil {
		nano := p.ProcessedAt.UnixNano()
		data.ProcessedAt = &nano
	}
	return data
}

func toPromptRecord(data *promptData) *storage.PromptRecord {
	record := &storage.PromptRecord{
		ID:         data.ID,
		Requester:  data.Requester,
		CallbackID: data.CallbackID,
		PromptType: types.PromptType(data.PromptType),
		Content:    data.Content,
		Processed:  data.Processed,
		Response:   data.Response,
		CreatedAt:  time.Unix(0, data.CreatedAt),
	}
	if data.ProcessedAt != nil {
		t := time.Unix(0, *data.ProcessedAt)
		record.ProcessedAt = &t
	}
	return record
}

func toConversationData(c *storage.ConversationRecord, id int64) conversationData {
	return conversationData{
		ID:               id,
		Requester:        c.Requester,
		Owner:            c.Owner,
		AwaitingResponse: c.AwaitingResponse,
		Finished:         c.Finished,
		Iterations:       c.Iterations,
		MaxIterations:    c.MaxIterations,
		TokenURI:         c.TokenURI,
		Minted:           c.Minted,
		HP:               c.HP,
		Images:           c.Images,
		CreatedAt:        c.CreatedAt.UnixNano(),
		UpdatedAt:        c.UpdatedAt.UnixNano(),
	}
}

func toConversationRecord(data *conversationData) *storage.ConversationRecord {
	return &storage.ConversationRecord{
		ID:               data.ID,
		Requester:        data.Requester,
		Owner:            data.Owner,
		AwaitingResponse: data.AwaitingResponse,
		Finished:         data.Finished,
		Iterations:       data.Iterations,
		MaxIterations:    data.MaxIterations,
		TokenURI:         data.TokenURI,
		Minted:           data.Minted,
		HP:               data.HP,
		Images:           data.Images,
		CreatedAt:        time.Unix(0, data.CreatedAt),
		UpdatedAt:        time.Unix(0, data.UpdatedAt),
	}
}
