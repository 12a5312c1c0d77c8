// Package lifecycle handles app install-state and billing topics.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository"
	"go.uber.org/zap"
)

type Handlers struct {
	tenants       repository.TenantDataRepository
	subscriptions repository.SubscriptionsRepository
	log           *zap.Logger
	now           func() time.Time
}

func New(tenants repository.TenantDataRepository, subscriptions repository.SubscriptionsRepository, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{tenants: tenants, subscriptions: subscriptions, log: log, now: time.Now}
}

func (h *Handlers) Register(r *registry.Registry) {
	r.Register(model.TopicAppUninstalled, h.AppUninstalled)
	r.Register(model.TopicSubscriptionUpdate, h.SubscriptionUpdate)
}

// AppUninstalled drops the tenant's sessions and stored credentials. The
// platform revokes access tokens on uninstall, so neither is usable again.
func (h *Handlers) AppUninstalled(ctx context.Context, job model.Job) error {
	var deleted []zap.Field
	for _, table := range []repository.Table{repository.TableSessions, repository.TableCredentials} {
		n, err := h.tenants.DeleteForTenant(ctx, table, job.TenantID)
		if err != nil {
			return fmt.Errorf("uninstall %s: delete %s: %w", job.TenantID, table, err)
		}
		deleted = append(deleted, zap.Int64(table.String(), n))
	}

	h.log.Info("app uninstalled",
		append([]zap.Field{zap.String("tenant_id", job.TenantID), zap.String("job_id", job.ID)}, deleted...)...)
	return nil
}

type subscriptionPayload struct {
	AppSubscription struct {
		ID     string `json:"admin_graphql_api_id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"app_subscription"`
}

// SubscriptionUpdate mirrors the platform's subscription state locally.
func (h *Handlers) SubscriptionUpdate(ctx context.Context, job model.Job) error {
	var p subscriptionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode subscription payload: %w", err)
	}
	s := p.AppSubscription
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("subscription payload has no id")
	}

	err := h.subscriptions.Upsert(ctx, model.Subscription{
		ID:        s.ID,
		TenantID:  job.TenantID,
		Name:      s.Name,
		Status:    strings.ToLower(s.Status),
		UpdatedAt: h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", s.ID, err)
	}

	h.log.Info("subscription updated",
		zap.String("tenant_id", job.TenantID),
		zap.String("subscription_id", s.ID),
		zap.String("status", s.Status),
	)
	return nil
}
