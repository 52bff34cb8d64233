package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// CampaignStore is a map-backed core.CampaignStore.
type CampaignStore struct {
	mu        sync.RWMutex
	campaigns map[string]*model.Campaign
	clock     core.TimeProvider
}

// NewCampaignStore creates an empty CampaignStore.
func NewCampaignStore(clock core.TimeProvider) *CampaignStore {
	return &CampaignStore{campaigns: make(map[string]*model.Campaign), clock: core.OrRealTime(clock)}
}

// Create stores a copy of the campaign.
func (s *CampaignStore) Create(_ context.Context, c *model.Campaign) (string, error) {
	if c == nil {
		return "", apperrors.Validation("campaign is required")
	}
	cp := c.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = model.CampaignStatusActive
	}
	if !cp.Status.Valid() {
		return "", apperrors.ValidationField("status", "invalid campaign status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[cp.ID]; exists {
		return "", apperrors.Conflictf("campaign %s already exists", cp.ID)
	}
	now := s.clock.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.campaigns[cp.ID] = cp
	return cp.ID, nil
}

// Get returns a copy of the campaign.
func (s *CampaignStore) Get(_ context.Context, id string) (*model.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperrors.NotFoundf("campaign %s not found", id)
	}
	return c.Clone(), nil
}

// UpdateStatus sets the campaign status.
func (s *CampaignStore) UpdateStatus(_ context.Context, id string, status model.CampaignStatus) error {
	if !status.Valid() {
		return apperrors.ValidationField("status", "invalid campaign status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return apperrors.NotFoundf("campaign %s not found", id)
	}
	c.Status = status
	c.UpdatedAt = s.clock.Now().UTC()
	return nil
}
