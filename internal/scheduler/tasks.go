package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Task names
const (
	TaskRenewalsDue          = "renewals-due"
	TaskInvoicesOverdue      = "invoices-overdue"
	TaskCertificatesExpiring = "certificates-expiring"
	TaskBackupsStale         = "backups-stale"
	TaskJobsArchive          = "jobs-archive"
)

var defaultIntervals = map[string]time.Duration{
	TaskRenewalsDue:          time.Hour,
	TaskInvoicesOverdue:      time.Hour,
	TaskCertificatesExpiring: 6 * time.Hour,
	TaskBackupsStale:         24 * time.Hour,
	TaskJobsArchive:          time.Hour,
}

// Idempotency keys of the jobs the tasks enqueue
func renewalKey(subscriptionID string, renewsAt time.Time) string {
	return fmt.Sprintf("subscription-%s-renewal-%s", subscriptionID, renewsAt.UTC().Format("20060102"))
}

func suspendKey(invoiceID string) string {
	return fmt.Sprintf("invoice-%s-suspend", invoiceID)
}

func certificateKey(resourceID uint) string {
	return fmt.Sprintf("certificate-%d-renew", resourceID)
}

func backupKey(backupID string) string {
	return fmt.Sprintf("backup-%s-cleanup", backupID)
}

func (s *Scheduler) interval(name string) time.Duration {
	if d, ok := s.cfg.Intervals[name]; ok && d > 0 {
		return d
	}
	return defaultIntervals[name]
}

func (s *Scheduler) standardTasks() []Task {
	tasks := []Task{
		{Name: TaskRenewalsDue, Run: s.renewalsDue},
		{Name: TaskInvoicesOverdue, Run: s.invoicesOverdue},
		{Name: TaskCertificatesExpiring, Run: s.certificatesExpiring},
		{Name: TaskBackupsStale, Run: s.backupsStale},
		{Name: TaskJobsArchive, Run: s.jobsArchive},
	}
	for i := range tasks {
		tasks[i].Interval = s.interval(tasks[i].Name)
	}
	return tasks
}

// renewalsDue asks billing for an invoice for every subscription renewing
// within the window
func (s *Scheduler) renewalsDue(ctx context.Context, now time.Time) (int, error) {
	subs, err := s.sources.Billing.DueRenewals(ctx, now.Add(s.cfg.RenewalWindow))
	if err != nil {
		return 0, fmt.Errorf("list due renewals: %w", err)
	}

	n := 0
	var errs []error
	for _, sub := range subs {
		ok, err := s.enqueue(ctx, types.JobTypeRenewalInvoice, renewalKey(sub.ID, sub.RenewsAt), types.RenewalInvoicePayload{
			SubscriptionID: sub.ID,
			RenewsAt:       sub.RenewsAt.UTC(),
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// invoicesOverdue suspends the service behind invoices unpaid past the grace
// period
func (s *Scheduler) invoicesOverdue(ctx context.Context, now time.Time) (int, error) {
	invoices, err := s.sources.Billing.OverdueInvoices(ctx, now.Add(-s.cfg.InvoiceGrace))
	if err != nil {
		return 0, fmt.Errorf("list overdue invoices: %w", err)
	}

	n := 0
	var errs []error
	for _, inv := range invoices {
		suspended, err := s.alreadySuspended(ctx, inv)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if suspended {
			continue
		}
		ok, err := s.enqueue(ctx, types.JobTypeSuspendService, suspendKey(inv.ID), types.SuspendServicePayload{
			InvoiceID:      inv.ID,
			SubscriptionID: inv.SubscriptionID,
			ResourceType:   inv.ResourceType,
			ResourceRef:    inv.ResourceRef,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// alreadySuspended reports whether an earlier suspend job already took the
// service behind inv offline. Keys only dedupe active jobs, so without this an
// invoice left unpaid would be suspended again on every pass.
func (s *Scheduler) alreadySuspended(ctx context.Context, inv adapters.Invoice) (bool, error) {
	if inv.ResourceType == "cloudpod" {
		if s.sources.Pods == nil {
			return false, nil
		}
		id, err := uuid.Parse(inv.ResourceRef)
		if err != nil {
			return false, nil
		}
		pod, err := s.sources.Pods.GetByID(ctx, id)
		if errors.Is(err, repos.ErrCloudPodNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return pod.Status == types.CloudPodSuspended, nil
	}

	if s.sources.Resources == nil {
		return false, nil
	}
	res, err := s.sources.Resources.Get(ctx, inv.SubscriptionID, models.ResourceHostingAccount, inv.ResourceRef)
	if err != nil {
		return false, err
	}
	return res != nil && res.Status == models.ResourceSuspended, nil
}

func (s *Scheduler) certificatesExpiring(ctx context.Context, now time.Time) (int, error) {
	certs, err := s.sources.Resources.ListExpiring(ctx, models.ResourceSSLCertificate, now.Add(s.cfg.CertificateWindow))
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, cert := range certs {
		ok, err := s.enqueue(ctx, types.JobTypeSSLRenew, certificateKey(cert.ID), types.SSLRenewPayload{
			CertificateID: strconv.FormatUint(uint64(cert.ID), 10),
			Domain:        cert.Name,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *Scheduler) backupsStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.BackupRetention)
	backups, err := s.sources.Backup.StaleBackups(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale backups: %w", err)
	}

	n := 0
	var errs []error
	for _, b := range backups {
		ok, err := s.enqueue(ctx, types.JobTypeBackupCleanup, backupKey(b.ID), types.BackupCleanupPayload{
			BackupID:   b.ID,
			ResourceID: b.ResourceID,
			OlderThan:  cutoff.UTC(),
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// jobsArchive moves old terminal jobs out of the hot table. It enqueues
// nothing; the count is the number of archived jobs.
func (s *Scheduler) jobsArchive(ctx context.Context, _ time.Time) (int, error) {
	return s.dispatcher.Archive(ctx, s.cfg.JobRetention, s.cfg.ArchiveBatch)
}
