package pipeline

import (
	"context"
	"time"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/logger"
)

// Provisioners builds the pipeline definitions for every job type
type Provisioners struct {
	adapters  adapters.Set
	resources *repos.ResourceRepository
	pods      *repos.CloudPodRepository
}

// NewProvisioners wires the definitions to their adapters and repositories
func NewProvisioners(set adapters.Set, resources *repos.ResourceRepository, pods *repos.CloudPodRepository) *Provisioners {
	return &Provisioners{
		adapters:  set,
		resources: resources,
		pods:      pods,
	}
}

// Definitions returns every pipeline this package knows
func (p *Provisioners) Definitions() []*Definition {
	return []*Definition{
		p.HostingProvision(),
		p.CloudPodProvision(),
		p.CloudPodResize(),
		p.CloudPodSuspend(),
		p.CloudPodResume(),
		p.CloudPodDelete(),
		p.SuspendService(),
		p.SSLRenew(),
		p.BackupCleanup(),
		p.RenewalInvoice(),
		p.SendEmail(),
	}
}

// record stores a created resource. A failure here fails the step, which is
// then retried; the adapter calls before it are check-before-create.
func (p *Provisioners) record(ctx context.Context, subscriptionID string, kind models.ResourceKind, name, ref string, expiresAt *time.Time) error {
	return p.resources.Upsert(ctx, &models.ProvisionedResource{
		SubscriptionID: subscriptionID,
		Kind:           kind,
		Name:           name,
		ExternalRef:    ref,
		Status:         models.ResourceActive,
		ExpiresAt:      expiresAt,
	})
}

func (p *Provisioners) markDeleted(ctx context.Context, subscriptionID string, kind models.ResourceKind, name string) {
	if err := p.resources.SetStatus(ctx, subscriptionID, kind, name, models.ResourceDeleted); err != nil {
		logger.Warnf("Failed to mark %s %s deleted: %v", kind, name, err)
	}
}
