package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flow.evalgo.org/flow"
)

// SubscriptionStore persists webhook subscriptions for domain events.
type SubscriptionStore struct {
	gdb *gorm.DB
}

// NewSubscriptionStore creates a subscription store.
func NewSubscriptionStore(gdb *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{gdb: gdb}
}

// CreateSubscription registers a new consumer endpoint.
func (s *SubscriptionStore) CreateSubscription(ctx context.Context, sub *flow.EventSubscription) (*flow.EventSubscription, error) {
	if sub.TargetURL == "" {
		return nil, fmt.Errorf("target_url is required: %w", flow.ErrValidation)
	}
	if sub.EventTypes == "" {
		sub.EventTypes = "*"
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.IsActive = true

	if err := s.gdb.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription loads one subscription.
func (s *SubscriptionStore) GetSubscription(ctx context.Context, id string) (*flow.EventSubscription, error) {
	var sub flow.EventSubscription
	err := s.gdb.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("subscription %s: %w", id, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns all subscriptions, optionally only active
// ones.
func (s *SubscriptionStore) ListSubscriptions(ctx context.Context, activeOnly bool) ([]*flow.EventSubscription, error) {
	q := s.gdb.WithContext(ctx).Order("created_at ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}

	var subs []*flow.EventSubscription
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// SubscriptionPatch carries the mutable fields of a subscription.
type SubscriptionPatch struct {
	EventTypes *string
	TargetURL  *string
	Secret     *string
	IsActive   *bool
}

// UpdateSubscription patches a subscription.
func (s *SubscriptionStore) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*flow.EventSubscription, error) {
	changes := map[string]interface{}{}
	if patch.EventTypes != nil {
		changes["event_types"] = *patch.EventTypes
	}
	if patch.TargetURL != nil {
		changes["target_url"] = *patch.TargetURL
	}
	if patch.Secret != nil {
		changes["secret"] = *patch.Secret
	}
	if patch.IsActive != nil {
		changes["is_active"] = *patch.IsActive
	}

	if len(changes) > 0 {
		result := s.gdb.WithContext(ctx).Model(&flow.EventSubscription{}).
			Where("id = ?", id).Updates(changes)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, fmt.Errorf("subscription %s: %w", id, flow.ErrNotFound)
		}
	}
	return s.GetSubscription(ctx, id)
}

// DeleteSubscription removes a subscription.
func (s *SubscriptionStore) DeleteSubscription(ctx context.Context, id string) error {
	result := s.gdb.WithContext(ctx).Delete(&flow.EventSubscription{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("subscription %s: %w", id, flow.ErrNotFound)
	}
	return nil
}
