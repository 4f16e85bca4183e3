// Package feedback holds the curated set of reviewer-validated classifications.
//
// The set is shared by every tenant: an entry records that a description
// belongs to a commodity code, which is a property of the product rather than
// of the company selling it. Entries never carry a tenant identifier.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// ReviewerConfidence is the confidence recorded for a human decision when the
// reviewer does not state one.
const ReviewerConfidence = 1.0

// Correction is a reviewer's validated classification of one description.
type Correction struct {
	NormalizedDescription string
	CommodityCode         string
	TaxCode               string
	TaxState              model.TaxState
	ReviewerID            string
	SourceGroupID         string
	SourceAuditID         string
	Confidence            float64
}

// Set reads and writes curated feedback. Reads are concurrent; writes to the
// same signature are serialized.
type Set struct {
	store  service.FeedbackStore
	logger *slog.Logger
	locks  keyedMutex
}

// NewSet creates a feedback set backed by store.
func NewSet(store service.FeedbackStore, logger *slog.Logger) *Set {
	logger = common.Component(logger, "feedback")
	return &Set{store: store, logger: logger}
}

// Lookup returns the entry stored for a signature.
func (s *Set) Lookup(ctx context.Context, signature string) (*model.FeedbackEntry, error) {
	return s.store.GetFeedback(ctx, signature)
}

// LookupDescription returns the most confident entry recorded for a normalized
// description, whatever its commodity code.
func (s *Set) LookupDescription(ctx context.Context, normalizedDescription string) (*model.FeedbackEntry, error) {
	normalizedDescription = strings.TrimSpace(normalizedDescription)
	if normalizedDescription == "" {
		return nil, fmt.Errorf("feedback for empty description: %w", common.ErrNotFound)
	}

	entries, err := s.store.FindFeedbackByDescription(ctx, normalizedDescription)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("feedback for %q: %w", normalizedDescription, common.ErrNotFound)
	}
	best := entries[0]
	return &best, nil
}

// Upsert records a correction and returns the stored entry.
func (s *Set) Upsert(ctx context.Context, c Correction) (*model.FeedbackEntry, error) {
	if strings.TrimSpace(c.NormalizedDescription) == "" {
		return nil, common.InputError("feedback requires a description", nil)
	}
	code := model.NormalizeCommodityCode(c.CommodityCode)
	if len(code) != int(model.LevelItem) {
		return nil, common.InputError(fmt.Sprintf("%q is not an 8-digit commodity code", c.CommodityCode), nil)
	}
	if c.ReviewerID == "" {
		return nil, common.InputError("feedback requires a reviewer", nil)
	}
	if c.Confidence == 0 {
		c.Confidence = ReviewerConfidence
	}
	if c.TaxState == "" {
		c.TaxState = model.TaxUnevaluated
	}

	signature := model.Signature(c.NormalizedDescription, code)
	unlock := s.locks.lock(signature)
	defer unlock()

	entry := &model.FeedbackEntry{
		Signature:             signature,
		NormalizedDescription: c.NormalizedDescription,
		CommodityCode:         code,
		TaxCode:               model.NormalizeTaxCode(c.TaxCode),
		TaxState:              c.TaxState,
		ReviewerID:            c.ReviewerID,
		SourceGroupID:         c.SourceGroupID,
		SourceAuditID:         c.SourceAuditID,
		Confidence:            c.Confidence,
	}

	if existing, err := s.store.GetFeedback(ctx, signature); err == nil {
		entry.CreatedAt = existing.CreatedAt
		s.logger.Debug("replacing feedback entry",
			"signature", signature,
			"previous_reviewer", existing.ReviewerID,
			"reviewer", c.ReviewerID)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("failed to read feedback %s: %w", signature, err)
	}

	if err := s.store.UpsertFeedback(ctx, entry); err != nil {
		return nil, err
	}
	return s.store.GetFeedback(ctx, signature)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	locks map[string]*refMutex
	mu    sync.Mutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
