// Package fake provides deterministic in-memory adapters for tests and for
// running the server without real backends.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Operation names, used for failure injection and the call log
const (
	OpCreateAccount        = "CreateAccount"
	OpDeleteAccount        = "DeleteAccount"
	OpSuspendAccount       = "SuspendAccount"
	OpUnsuspendAccount     = "UnsuspendAccount"
	OpCreateZone           = "CreateZone"
	OpDeleteZone           = "DeleteZone"
	OpIssueCertificate     = "IssueCertificate"
	OpRevoke               = "Revoke"
	OpCreateMailbox        = "CreateMailbox"
	OpDeleteMailbox        = "DeleteMailbox"
	OpCreateDatabase       = "CreateDatabase"
	OpDropDatabase         = "DropDatabase"
	OpCreateVM             = "CreateVM"
	OpResizeVM             = "ResizeVM"
	OpSuspendVM            = "SuspendVM"
	OpResumeVM             = "ResumeVM"
	OpDeleteVM             = "DeleteVM"
	OpSend                 = "Send"
	OpCreateRenewalInvoice = "CreateRenewalInvoice"
	OpPruneBackups         = "PruneBackups"
)

// CertificateLifetime is the validity of certificates issued by the fake
const CertificateLifetime = 90 * 24 * time.Hour

// Email is a notification captured by the fake
type Email struct {
	Template  string
	Recipient string
	Data      map[string]string
}

type vm struct {
	adapters.VM
	spec adapters.VMSpec
}

// Adapters implements every adapter interface in memory
type Adapters struct {
	mu sync.Mutex

	now    func() time.Time
	seq    int
	calls  []string
	fail   map[string][]error
	always map[string]error
	delay  map[string]time.Duration

	accounts  map[string]*adapters.Account
	suspended map[string]bool
	zones     map[string]string
	certs     map[string]*adapters.Certificate
	mailboxes map[string]string
	databases map[string]string
	vms       map[string]*vm

	emails        []Email
	invoices      map[string]string
	subscriptions []adapters.Subscription
	overdue       []adapters.Invoice
	backups       []adapters.Backup
}

// New creates empty fake adapters
func New() *Adapters {
	return &Adapters{
		now:       time.Now,
		fail:      make(map[string][]error),
		always:    make(map[string]error),
		delay:     make(map[string]time.Duration),
		accounts:  make(map[string]*adapters.Account),
		suspended: make(map[string]bool),
		zones:     make(map[string]string),
		certs:     make(map[string]*adapters.Certificate),
		mailboxes: make(map[string]string),
		databases: make(map[string]string),
		vms:       make(map[string]*vm),
		invoices:  make(map[string]string),
	}
}

// Set returns the fake as a complete adapters.Set
func (f *Adapters) Set() adapters.Set {
	return adapters.Set{
		Hosting:      f,
		DNS:          f,
		SSL:          f,
		Mail:         f,
		Database:     f,
		Hypervisor:   f,
		Notification: f,
		Billing:      f,
		Backup:       f,
	}
}

// SetClock overrides the clock used for certificate expiry
func (f *Adapters) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// FailNext makes the next len(errs) calls of op return errs in order
func (f *Adapters) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

// FailAlways makes every call of op return err until cleared with a nil err
func (f *Adapters) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, op)
		return
	}
	f.always[op] = err
}

// Delay makes op wait d (or until its context ends) before running
func (f *Adapters) Delay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[op] = d
}

// Calls returns the mutating operations performed so far, in order
func (f *Adapters) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts how often op succeeded or failed
func (f *Adapters) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Emails returns the captured notifications
func (f *Adapters) Emails() []Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Email(nil), f.emails...)
}

// AddDueRenewal seeds a subscription returned by DueRenewals
func (f *Adapters) AddDueRenewal(sub adapters.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, sub)
}

// AddOverdueInvoice seeds an invoice returned by OverdueInvoices
func (f *Adapters) AddOverdueInvoice(inv adapters.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overdue = append(f.overdue, inv)
}

// AddBackup seeds a backup returned by StaleBackups
func (f *Adapters) AddBackup(b adapters.Backup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = append(f.backups, b)
}

// Account returns the stored hosting account
func (f *Adapters) Account(username string) (*adapters.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[username]
	return a, ok
}

// IsSuspended reports whether a hosting account or VM is suspended
func (f *Adapters) IsSuspended(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended[ref]
}

// Zone returns the zone id for domain
func (f *Adapters) Zone(domain string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zones[domain]
	return z, ok
}

// VMCount returns the number of live VMs
func (f *Adapters) VMCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vms)
}

// begin records op, applies any delay and returns an injected failure.
// It must be called without holding the lock.
func (f *Adapters) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	d := f.delay[op]
	var err error
	if queued := f.fail[op]; len(queued) > 0 {
		err = queued[0]
		f.fail[op] = queued[1:]
	} else if e, ok := f.always[op]; ok {
		err = e
	}
	f.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Adapters) nextRef(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func notFound(adapter, op, what string) error {
	return types.PermanentAdapterError(adapter, op, fmt.Errorf("%s not found", what))
}

// CreateAccount implements adapters.HostingAdapter
func (f *Adapters) CreateAccount(ctx context.Context, spec adapters.AccountSpec) (*adapters.Account, error) {
	if err := f.begin(ctx, OpCreateAccount); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[spec.Username]; ok {
		return nil, types.PermanentAdapterError("hosting", OpCreateAccount, fmt.Errorf("username %s taken", spec.Username))
	}
	acct := &adapters.Account{
		Username:       spec.Username,
		Server:         "web-1",
		CredentialsRef: f.nextRef("cred"),
	}
	f.accounts[spec.Username] = acct
	return acct, nil
}

// FindAccount implements adapters.HostingAdapter
func (f *Adapters) FindAccount(_ context.Context, username string) (*adapters.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[username]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

// DeleteAccount implements adapters.HostingAdapter
func (f *Adapters) DeleteAccount(ctx context.Context, username string) error {
	if err := f.begin(ctx, OpDeleteAccount); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, username)
	delete(f.suspended, username)
	return nil
}

// SuspendAccount implements adapters.HostingAdapter
func (f *Adapters) SuspendAccount(ctx context.Context, username string) error {
	if err := f.begin(ctx, OpSuspendAccount); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[username]; !ok {
		return notFound("hosting", OpSuspendAccount, "account "+username)
	}
	f.suspended[username] = true
	return nil
}

// UnsuspendAccount implements adapters.HostingAdapter
func (f *Adapters) UnsuspendAccount(ctx context.Context, username string) error {
	if err := f.begin(ctx, OpUnsuspendAccount); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.suspended, username)
	return nil
}

// CreateZone implements adapters.DNSAdapter
func (f *Adapters) CreateZone(ctx context.Context, domain string, _ []adapters.DNSRecord) (string, error) {
	if err := f.begin(ctx, OpCreateZone); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.zones[domain]; ok {
		return id, nil
	}
	id := f.nextRef("zone")
	f.zones[domain] = id
	return id, nil
}

// FindZone implements adapters.DNSAdapter
func (f *Adapters) FindZone(_ context.Context, domain string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zones[domain], nil
}

// DeleteZone implements adapters.DNSAdapter
func (f *Adapters) DeleteZone(ctx context.Context, zoneID string) error {
	if err := f.begin(ctx, OpDeleteZone); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for domain, id := range f.zones {
		if id == zoneID {
			delete(f.zones, domain)
		}
	}
	return nil
}

// IssueCertificate implements adapters.SSLAdapter
func (f *Adapters) IssueCertificate(ctx context.Context, domain string) (*adapters.Certificate, error) {
	if err := f.begin(ctx, OpIssueCertificate); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cert := &adapters.Certificate{
		Ref:       f.nextRef("cert"),
		Domain:    domain,
		ExpiresAt: f.now().Add(CertificateLifetime).UTC(),
	}
	f.certs[domain] = cert
	cp := *cert
	return &cp, nil
}

// FindCertificate implements adapters.SSLAdapter
func (f *Adapters) FindCertificate(_ context.Context, domain string) (*adapters.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.certs[domain]
	if !ok || !cert.ExpiresAt.After(f.now()) {
		return nil, nil
	}
	cp := *cert
	return &cp, nil
}

// Revoke implements adapters.SSLAdapter
func (f *Adapters) Revoke(ctx context.Context, ref string) error {
	if err := f.begin(ctx, OpRevoke); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for domain, c := range f.certs {
		if c.Ref == ref {
			delete(f.certs, domain)
		}
	}
	return nil
}

// CreateMailbox implements adapters.MailAdapter
func (f *Adapters) CreateMailbox(ctx context.Context, domain, user string, _ int) (string, error) {
	if err := f.begin(ctx, OpCreateMailbox); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := user + "@" + domain
	if ref, ok := f.mailboxes[addr]; ok {
		return ref, nil
	}
	ref := f.nextRef("mbox")
	f.mailboxes[addr] = ref
	return ref, nil
}

// FindMailbox implements adapters.MailAdapter
func (f *Adapters) FindMailbox(_ context.Context, domain, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mailboxes[user+"@"+domain], nil
}

// DeleteMailbox implements adapters.MailAdapter
func (f *Adapters) DeleteMailbox(ctx context.Context, ref string) error {
	if err := f.begin(ctx, OpDeleteMailbox); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, r := range f.mailboxes {
		if r == ref {
			delete(f.mailboxes, addr)
		}
	}
	return nil
}

// CreateDatabase implements adapters.DatabaseAdapter
func (f *Adapters) CreateDatabase(ctx context.Context, name, _ string) (string, error) {
	if err := f.begin(ctx, OpCreateDatabase); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.databases[name]; ok {
		return ref, nil
	}
	ref := f.nextRef("db")
	f.databases[name] = ref
	return ref, nil
}

// FindDatabase implements adapters.DatabaseAdapter
func (f *Adapters) FindDatabase(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.databases[name], nil
}

// DropDatabase implements adapters.DatabaseAdapter
func (f *Adapters) DropDatabase(ctx context.Context, ref string) error {
	if err := f.begin(ctx, OpDropDatabase); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, r := range f.databases {
		if r == ref {
			delete(f.databases, name)
		}
	}
	return nil
}

// CreateVM implements adapters.HypervisorAdapter
func (f *Adapters) CreateVM(ctx context.Context, spec adapters.VMSpec) (*adapters.VM, error) {
	if err := f.begin(ctx, OpCreateVM); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	v := &vm{
		VM: adapters.VM{
			ID:     fmt.Sprintf("vm-%d", f.seq),
			Name:   spec.Name,
			IP:     fmt.Sprintf("192.0.2.%d", f.seq%250+1),
			Status: "active",
		},
		spec: spec,
	}
	f.vms[v.ID] = v
	cp := v.VM
	return &cp, nil
}

// FindVM implements adapters.HypervisorAdapter
func (f *Adapters) FindVM(_ context.Context, name string) (*adapters.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.vms))
	for id := range f.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if f.vms[id].Name == name {
			cp := f.vms[id].VM
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Adapters) vmOp(ctx context.Context, op, id string, apply func(*vm)) error {
	if err := f.begin(ctx, op); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vms[id]
	if !ok {
		return notFound("hypervisor", op, "vm "+id)
	}
	apply(v)
	return nil
}

// ResizeVM implements adapters.HypervisorAdapter
func (f *Adapters) ResizeVM(ctx context.Context, id string, cpu, memoryMB, diskGB int) error {
	return f.vmOp(ctx, OpResizeVM, id, func(v *vm) {
		v.spec.CPU, v.spec.MemoryMB, v.spec.DiskGB = cpu, memoryMB, diskGB
	})
}

// SuspendVM implements adapters.HypervisorAdapter
func (f *Adapters) SuspendVM(ctx context.Context, id string) error {
	return f.vmOp(ctx, OpSuspendVM, id, func(v *vm) {
		v.Status = "off"
		f.suspended[id] = true
	})
}

// ResumeVM implements adapters.HypervisorAdapter
func (f *Adapters) ResumeVM(ctx context.Context, id string) error {
	return f.vmOp(ctx, OpResumeVM, id, func(v *vm) {
		v.Status = "active"
		delete(f.suspended, id)
	})
}

// DeleteVM implements adapters.HypervisorAdapter. Deleting a missing VM is
// not an error.
func (f *Adapters) DeleteVM(ctx context.Context, id string) error {
	if err := f.begin(ctx, OpDeleteVM); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, id)
	delete(f.suspended, id)
	return nil
}

// Send implements adapters.NotificationAdapter
func (f *Adapters) Send(ctx context.Context, template, recipient string, data map[string]string) error {
	if err := f.begin(ctx, OpSend); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, Email{Template: template, Recipient: recipient, Data: data})
	return nil
}

// CreateRenewalInvoice implements adapters.BillingAdapter
func (f *Adapters) CreateRenewalInvoice(ctx context.Context, subscriptionID string, renewsAt time.Time) (string, error) {
	if err := f.begin(ctx, OpCreateRenewalInvoice); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subscriptionID + "/" + renewsAt.UTC().Format("20060102")
	if id, ok := f.invoices[key]; ok {
		return id, nil
	}
	id := f.nextRef("inv")
	f.invoices[key] = id
	return id, nil
}

// DueRenewals implements adapters.BillingAdapter
func (f *Adapters) DueRenewals(_ context.Context, before time.Time) ([]adapters.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []adapters.Subscription
	for _, s := range f.subscriptions {
		if !s.RenewsAt.After(before) {
			out = append(out, s)
		}
	}
	return out, nil
}

// OverdueInvoices implements adapters.BillingAdapter
func (f *Adapters) OverdueInvoices(_ context.Context, dueBefore time.Time) ([]adapters.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []adapters.Invoice
	for _, inv := range f.overdue {
		if inv.DueAt.Before(dueBefore) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// StaleBackups implements adapters.BackupAdapter
func (f *Adapters) StaleBackups(_ context.Context, olderThan time.Time) ([]adapters.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []adapters.Backup
	for _, b := range f.backups {
		if b.CreatedAt.Before(olderThan) {
			out = append(out, b)
		}
	}
	return out, nil
}

// PruneBackups implements adapters.BackupAdapter
func (f *Adapters) PruneBackups(ctx context.Context, resourceID string, olderThan time.Time) (int, error) {
	if err := f.begin(ctx, OpPruneBackups); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.backups[:0]
	pruned := 0
	for _, b := range f.backups {
		if b.ResourceID == resourceID && b.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, b)
	}
	f.backups = kept
	return pruned, nil
}

var (
	_ adapters.HostingAdapter      = (*Adapters)(nil)
	_ adapters.DNSAdapter          = (*Adapters)(nil)
	_ adapters.SSLAdapter          = (*Adapters)(nil)
	_ adapters.MailAdapter         = (*Adapters)(nil)
	_ adapters.DatabaseAdapter     = (*Adapters)(nil)
	_ adapters.HypervisorAdapter   = (*Adapters)(nil)
	_ adapters.NotificationAdapter = (*Adapters)(nil)
	_ adapters.BillingAdapter      = (*Adapters)(nil)
	_ adapters.BackupAdapter       = (*Adapters)(nil)
)
