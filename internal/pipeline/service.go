package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Step names of the single-step pipelines
const (
	StepSuspendService       = "suspendService"
	StepRenewCertificate     = "renewCertificate"
	StepPruneBackups         = "pruneBackups"
	StepCreateRenewalInvoice = "createRenewalInvoice"
	StepSendEmail            = "sendEmail"
)

// SuspendService suspends a hosting account or a pod for non-payment
func (p *Provisioners) SuspendService() *Definition {
	return &Definition{
		Type:  types.JobTypeSuspendService,
		Steps: []Step{{Name: StepSuspendService, Run: p.suspendService}},
	}
}

func (p *Provisioners) suspendService(ctx context.Context, s *State) Result {
	pl, err := payloadOf[types.SuspendServicePayload](s)
	if err != nil {
		return Permanent(err)
	}

	if pl.ResourceType == "cloudpod" {
		res := p.podAction(ctx, s, pl.ResourceRef, types.CloudPodSuspended, func(ctx context.Context, pod *models.CloudPod) error {
			if pod.VMID == "" {
				return nil
			}
			return p.adapters.Hypervisor.SuspendVM(ctx, pod.VMID)
		}, nil)
		if res.Kind == KindOK {
			res.Output["invoice_id"] = pl.InvoiceID
		}
		return res
	}

	acct, err := p.adapters.Hosting.FindAccount(ctx, pl.ResourceRef)
	if err != nil {
		return FromError(err)
	}
	if acct == nil {
		return Permanent(fmt.Errorf("hosting account %s not found", pl.ResourceRef))
	}
	if err := p.adapters.Hosting.SuspendAccount(ctx, pl.ResourceRef); err != nil {
		return FromError(err)
	}
	if err := p.resources.SetStatus(ctx, pl.SubscriptionID, models.ResourceHostingAccount, pl.ResourceRef, models.ResourceSuspended); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{"suspended": pl.ResourceRef, "invoice_id": pl.InvoiceID})
}

// SSLRenew replaces a certificate that is close to expiry
func (p *Provisioners) SSLRenew() *Definition {
	return &Definition{
		Type:  types.JobTypeSSLRenew,
		Steps: []Step{{Name: StepRenewCertificate, Run: p.renewCertificate}},
	}
}

func (p *Provisioners) renewCertificate(ctx context.Context, s *State) Result {
	pl, err := payloadOf[types.SSLRenewPayload](s)
	if err != nil {
		return Permanent(err)
	}
	id, err := strconv.ParseUint(pl.CertificateID, 10, 64)
	if err != nil {
		return Permanent(types.NewValidationError("certificate_id", "invalid id %q", pl.CertificateID))
	}
	res, err := p.resources.GetByID(ctx, uint(id))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return Transient(err)
	}

	// a live certificate other than the recorded one was issued by a
	// previous attempt of this job
	cert, err := p.adapters.SSL.FindCertificate(ctx, pl.Domain)
	if err != nil {
		return FromError(err)
	}
	if cert == nil || cert.Ref == res.ExternalRef {
		cert, err = p.adapters.SSL.IssueCertificate(ctx, pl.Domain)
		if err != nil {
			return FromError(err)
		}
	}

	expires := cert.ExpiresAt.UTC()
	if err := p.resources.Renew(ctx, res.ID, cert.Ref, expires); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{
		"certificate_ref": cert.Ref,
		"expires_at":      expires.Format(time.RFC3339),
	})
}

// BackupCleanup prunes backups past retention
func (p *Provisioners) BackupCleanup() *Definition {
	return &Definition{
		Type: types.JobTypeBackupCleanup,
		Steps: []Step{{
			Name: StepPruneBackups,
			Run: func(ctx context.Context, s *State) Result {
				pl, err := payloadOf[types.BackupCleanupPayload](s)
				if err != nil {
					return Permanent(err)
				}
				n, err := p.adapters.Backup.PruneBackups(ctx, pl.ResourceID, pl.OlderThan)
				if err != nil {
					return FromError(err)
				}
				return Ok(map[string]interface{}{"pruned": n})
			},
		}},
	}
}

// RenewalInvoice asks billing for the renewal invoice of a subscription
func (p *Provisioners) RenewalInvoice() *Definition {
	return &Definition{
		Type: types.JobTypeRenewalInvoice,
		Steps: []Step{{
			Name: StepCreateRenewalInvoice,
			Run: func(ctx context.Context, s *State) Result {
				pl, err := payloadOf[types.RenewalInvoicePayload](s)
				if err != nil {
					return Permanent(err)
				}
				id, err := p.adapters.Billing.CreateRenewalInvoice(ctx, pl.SubscriptionID, pl.RenewsAt)
				if err != nil {
					return FromError(err)
				}
				return Ok(map[string]interface{}{"invoice_id": id})
			},
		}},
	}
}

// SendEmail delivers a one-off notification
func (p *Provisioners) SendEmail() *Definition {
	return &Definition{
		Type: types.JobTypeSendEmail,
		Steps: []Step{{
			Name: StepSendEmail,
			Run: func(ctx context.Context, s *State) Result {
				pl, err := payloadOf[types.SendEmailPayload](s)
				if err != nil {
					return Permanent(err)
				}
				return FromError(p.adapters.Notification.Send(ctx, pl.Template, pl.Recipient, pl.Data))
			},
		}},
	}
}
