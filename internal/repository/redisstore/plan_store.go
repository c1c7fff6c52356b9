package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrPlanNotFound = errors.New("action plan not found")

func planKey(ownerID string) string {
	return keyPrefix + "plan:" + ownerID
}

// PlanStore holds the latest action plan document per owner.
type PlanStore struct {
	client *redis.Client
}

func NewPlanStore(client *redis.Client) *PlanStore {
	return &PlanStore{client: client}
}

func (s *PlanStore) SavePlan(ctx context.Context, ownerID string, plan []byte) error {
	if err := s.client.Set(ctx, planKey(ownerID), plan, 0).Err(); err != nil {
		return fmt.Errorf("failed to save action plan for %s: %w", ownerID, err)
	}

	return nil
}

func (s *PlanStore) GetPlan(ctx context.Context, ownerID string) ([]byte, error) {
	data, err := s.client.Get(ctx, planKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}

	return data, nil
}
