// Package adapters declares the external systems the orchestrator drives.
//
// Every call takes a context and returns a *types.AdapterError when the
// implementation can tell transient from permanent failures. Unclassified
// errors are treated as transient by the pipeline.
package adapters

import (
	"context"
	"errors"
	"time"
)

// AccountSpec describes a hosting account to create
type AccountSpec struct {
	Domain   string
	Username string
	Plan     string
}

// Account is a hosting account on a shared server
type Account struct {
	Username       string
	Server         string
	CredentialsRef string
}

// HostingAdapter manages hosting accounts on the shared server fleet
type HostingAdapter interface {
	CreateAccount(ctx context.Context, spec AccountSpec) (*Account, error)
	// FindAccount returns nil when no account exists for username
	FindAccount(ctx context.Context, username string) (*Account, error)
	DeleteAccount(ctx context.Context, username string) error
	SuspendAccount(ctx context.Context, username string) error
	UnsuspendAccount(ctx context.Context, username string) error
}

// DNSRecord is a single zone record
type DNSRecord struct {
	Type  string
	Name  string
	Value string
	TTL   int
}

// DNSAdapter manages DNS zones
type DNSAdapter interface {
	CreateZone(ctx context.Context, domain string, records []DNSRecord) (string, error)
	// FindZone returns "" when the domain has no zone
	FindZone(ctx context.Context, domain string) (string, error)
	DeleteZone(ctx context.Context, zoneID string) error
}

// Certificate is an issued TLS certificate
type Certificate struct {
	Ref       string
	Domain    string
	ExpiresAt time.Time
}

// SSLAdapter issues and revokes certificates
type SSLAdapter interface {
	IssueCertificate(ctx context.Context, domain string) (*Certificate, error)
	// FindCertificate returns nil when no valid certificate exists
	FindCertificate(ctx context.Context, domain string) (*Certificate, error)
	Revoke(ctx context.Context, ref string) error
}

// MailAdapter manages mailboxes
type MailAdapter interface {
	CreateMailbox(ctx context.Context, domain, user string, quotaMB int) (string, error)
	FindMailbox(ctx context.Context, domain, user string) (string, error)
	DeleteMailbox(ctx context.Context, ref string) error
}

// DatabaseAdapter manages customer databases
type DatabaseAdapter interface {
	CreateDatabase(ctx context.Context, name, owner string) (string, error)
	FindDatabase(ctx context.Context, name string) (string, error)
	DropDatabase(ctx context.Context, ref string) error
}

// VMSpec describes a virtual machine to create
type VMSpec struct {
	Name     string
	Template string
	CPU      int
	MemoryMB int
	DiskGB   int
	Tags     []string
}

// VM is a virtual machine on the hypervisor
type VM struct {
	ID     string
	Name   string
	IP     string
	Status string
}

// HypervisorAdapter manages CloudPod virtual machines
type HypervisorAdapter interface {
	CreateVM(ctx context.Context, spec VMSpec) (*VM, error)
	// FindVM returns nil when no VM carries name
	FindVM(ctx context.Context, name string) (*VM, error)
	ResizeVM(ctx context.Context, id string, cpu, memoryMB, diskGB int) error
	SuspendVM(ctx context.Context, id string) error
	ResumeVM(ctx context.Context, id string) error
	DeleteVM(ctx context.Context, id string) error
}

// NotificationAdapter sends templated email
type NotificationAdapter interface {
	Send(ctx context.Context, template, recipient string, data map[string]string) error
}

// Subscription is a billing subscription approaching renewal
type Subscription struct {
	ID       string
	RenewsAt time.Time
}

// Invoice is an unpaid invoice
type Invoice struct {
	ID             string
	SubscriptionID string
	DueAt          time.Time
	ResourceType   string
	ResourceRef    string
}

// BillingAdapter is the read side of the billing subsystem plus renewal
// invoice creation
type BillingAdapter interface {
	CreateRenewalInvoice(ctx context.Context, subscriptionID string, renewsAt time.Time) (string, error)
	DueRenewals(ctx context.Context, before time.Time) ([]Subscription, error)
	OverdueInvoices(ctx context.Context, dueBefore time.Time) ([]Invoice, error)
}

// Backup is a stored backup archive
type Backup struct {
	ID         string
	ResourceID string
	CreatedAt  time.Time
}

// BackupAdapter lists and prunes backups
type BackupAdapter interface {
	StaleBackups(ctx context.Context, olderThan time.Time) ([]Backup, error)
	PruneBackups(ctx context.Context, resourceID string, olderThan time.Time) (int, error)
}

// Set bundles one implementation of every adapter
type Set struct {
	Hosting      HostingAdapter
	DNS          DNSAdapter
	SSL          SSLAdapter
	Mail         MailAdapter
	Database     DatabaseAdapter
	Hypervisor   HypervisorAdapter
	Notification NotificationAdapter
	Billing      BillingAdapter
	Backup       BackupAdapter
}

// Validate checks that no adapter is missing
func (s Set) Validate() error {
	var errs []error
	check := func(name string, missing bool) {
		if missing {
			errs = append(errs, errors.New(name+" adapter is not configured"))
		}
	}
	check("hosting", s.Hosting == nil)
	check("dns", s.DNS == nil)
	check("ssl", s.SSL == nil)
	check("mail", s.Mail == nil)
	check("database", s.Database == nil)
	check("hypervisor", s.Hypervisor == nil)
	check("notification", s.Notification == nil)
	check("billing", s.Billing == nil)
	check("backup", s.Backup == nil)
	return errors.Join(errs...)
}
