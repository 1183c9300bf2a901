package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TriviaNFT/trivianft/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	EligibilityCreated struct {
		EligibilityID string    `json:"eligibility_id"`
		Type          string    `json:"type"`
		Ref           string    `json:"ref"`
		ExpiresAt     time.Time `json:"expires_at"`
	}

	RewardConfirmed struct {
		OperationID string   `json:"operation_id"`
		Kind        string   `json:"kind"`
		TokenID     string   `json:"token_id"`
		AssetName   string   `json:"asset_name"`
		Tier        string   `json:"tier"`
		TxHashes    []string `json:"tx_hashes"`
	}
)

// PublishEligibilityCreated tells the player a perfect session earned a
// claimable reward and when the claim window closes.
func (a *API) PublishEligibilityCreated(ctx context.Context, e domain.EventEligibilityCreated) error {
	data := EligibilityCreated{
		EligibilityID: e.Eligibility.ID,
		Type:          string(e.Eligibility.Type),
		Ref:           e.Eligibility.Ref,
		ExpiresAt:     e.Eligibility.ExpiresAt,
	}

	return a.publishNotification(ctx, e.Eligibility.Identity, e.Name(), data)
}

// PublishRewardConfirmed pushes the confirmed reward onto the owning player's
// channel.
func (a *API) PublishRewardConfirmed(ctx context.Context, e domain.EventRewardConfirmed) error {
	data := RewardConfirmed{
		OperationID: e.Operation.ID,
		Kind:        string(e.Operation.Kind),
		TokenID:     e.Token.ID,
		AssetName:   e.Token.AssetName,
		Tier:        e.Token.Tier,
		TxHashes:    e.Operation.TxHashes,
	}

	return a.publishNotification(ctx, e.Token.Identity, e.Name(), data)
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
