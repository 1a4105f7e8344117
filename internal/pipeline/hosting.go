package pipeline

import (
	"context"
	"time"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Hosting step names
const (
	StepAllocateServer   = "allocateServer"
	StepCreateDNSZone    = "createDNSZone"
	StepIssueSSL         = "issueSSL"
	StepCreateMailbox    = "createMailbox"
	StepCreateDatabase   = "createDatabase"
	StepSendWelcomeEmail = "sendWelcomeEmail"

	UndoDeallocateServer = "deallocateServer"
	UndoDeleteDNSZone    = "deleteDNSZone"
	UndoRevokeSSL        = "revokeSSL"
	UndoDeleteMailbox    = "deleteMailbox"
	UndoDropDatabase     = "dropDatabase"

	defaultMailboxUser    = "admin"
	defaultMailboxQuotaMB = 1024
	welcomeTemplate       = "hosting-welcome"
)

func hostingPayload(s *State) (*types.HostingProvisionPayload, Result, bool) {
	p, err := payloadOf[types.HostingProvisionPayload](s)
	if err != nil {
		return nil, Permanent(err), false
	}
	return p, Result{}, true
}

// HostingProvision turns a paid hosting order into a live account:
// server account, DNS zone, certificate, mailbox, database, welcome email.
func (p *Provisioners) HostingProvision() *Definition {
	return &Definition{
		Type: types.JobTypeHostingProvision,
		Steps: []Step{
			{
				Name:     StepAllocateServer,
				Run:      p.allocateServer,
				Undo:     p.deallocateServer,
				UndoName: UndoDeallocateServer,
			},
			{
				Name:     StepCreateDNSZone,
				Run:      p.createDNSZone,
				Undo:     p.deleteDNSZone,
				UndoName: UndoDeleteDNSZone,
			},
			{
				Name:     StepIssueSSL,
				Run:      p.issueSSL,
				Undo:     p.revokeSSL,
				UndoName: UndoRevokeSSL,
			},
			{
				Name:     StepCreateMailbox,
				Run:      p.createMailbox,
				Undo:     p.deleteMailbox,
				UndoName: UndoDeleteMailbox,
			},
			{
				Name:     StepCreateDatabase,
				Run:      p.createDatabase,
				Undo:     p.dropDatabase,
				UndoName: UndoDropDatabase,
			},
			{
				Name: StepSendWelcomeEmail,
				Run:  p.sendWelcomeEmail,
			},
		},
	}
}

func (p *Provisioners) allocateServer(ctx context.Context, s *State) Result {
	pl, res, ok := hostingPayload(s)
	if !ok {
		return res
	}

	acct, err := p.adapters.Hosting.FindAccount(ctx, pl.Username)
	if err != nil {
		return FromError(err)
	}
	if acct == nil {
		acct, err = p.adapters.Hosting.CreateAccount(ctx, adapters.AccountSpec{
			Domain:   pl.Domain,
			Username: pl.Username,
			Plan:     pl.Plan,
		})
		if err != nil {
			return FromError(err)
		}
	}

	if err := p.record(ctx, pl.SubscriptionID, models.ResourceHostingAccount, acct.Username, acct.CredentialsRef, nil); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{
		"username":        acct.Username,
		"server":          acct.Server,
		"credentials_ref": acct.CredentialsRef,
	})
}

func (p *Provisioners) deallocateServer(ctx context.Context, s *State) error {
	pl, err := payloadOf[types.HostingProvisionPayload](s)
	if err != nil {
		return err
	}
	username := s.String(StepAllocateServer, "username")
	if err := p.adapters.Hosting.DeleteAccount(ctx, username); err != nil {
		return err
	}
	p.markDeleted(ctx, pl.SubscriptionID, models.ResourceHostingAccount, username)
	return nil
}

func (p *Provisioners) createDNSZone(ctx context.Context, s *State) Result {
	pl, res, ok := hostingPayload(s)
	if !ok {
		return res
	}

	zoneID, err := p.adapters.DNS.FindZone(ctx, pl.Domain)
	if err != nil {
		return FromError(err)
	}
	if zoneID == "" {
		server := s.String(StepAllocateServer, "server")
		zoneID, err = p.adapters.DNS.CreateZone(ctx, pl.Domain, []adapters.DNSRecord{
			{Type: "CNAME", Name: "@", Value: server, TTL: 3600},
			{Type: "CNAME", Name: "www", Value: pl.Domain, TTL: 3600},
			{Type: "MX", Name: "@", Value: "mail." + pl.Domain, TTL: 3600},
		})
		if err != nil {
			return FromError(err)
		}
	}

	if err := p.record(ctx, pl.SubscriptionID, models.ResourceDNSZone, pl.Domain, zoneID, nil); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{"zone_id": zoneID})
}

func (p *Provisioners) deleteDNSZone(ctx context.Context, s *State) error {
	pl, err := payloadOf[types.HostingProvisionPayload](s)
	if err != nil {
		return err
	}
	if err := p.adapters.DNS.DeleteZone(ctx, s.String(StepCreateDNSZone, "zone_id")); err != nil {
		return err
	}
	p.markDeleted(ctx, pl.SubscriptionID, models.ResourceDNSZone, pl.Domain)
	return nil
}

func (p *Provisioners) issueSSL(ctx context.Context, s *State) Result {
	pl, res, ok := hostingPayload(s)
	if !ok {
		return res
	}

	cert, err := p.adapters.SSL.FindCertificate(ctx, pl.Domain)
	if err != nil {
		return FromError(err)
	}
	if cert == nil {
		cert, err = p.adapters.SSL.IssueCertificate(ctx, pl.Domain)
		if err != nil {
			return FromError(err)
		}
	}

	expires := cert.ExpiresAt.UTC()
	if err := p.record(ctx, pl.SubscriptionID, models.ResourceSSLCertificate, pl.Domain, cert.Ref, &expires); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{
		"certificate_ref": cert.Ref,
		"expires_at":      expires.Format(time.RFC3339),
	})
}

func (p *Provisioners) revokeSSL(ctx context.Context, s *State) error {
	pl, err := payloadOf[types.HostingProvisionPayload](s)
	if err != nil {
		return err
	}
	if err := p.adapters.SSL.Revoke(ctx, s.String(StepIssueSSL, "certificate_ref")); err != nil {
		return err
	}
	p.markDeleted(ctx, pl.SubscriptionID, models.ResourceSSLCertificate, pl.Domain)
	return nil
}

func mailboxOf(pl *types.HostingProvisionPayload) (string, int) {
	user := pl.MailboxUser
	if user == "" {
		user = defaultMailboxUser
	}
	quota := pl.MailboxQuotaMB
	if quota == 0 {
		quota = defaultMailboxQuotaMB
	}
	return user, quota
}

func (p *Provisioners) createMailbox(ctx context.Context, s *State) Result {
	pl, res, ok := hostingPayload(s)
	if !ok {
		return res
	}
	user, quota := mailboxOf(pl)

	ref, err := p.adapters.Mail.FindMailbox(ctx, pl.Domain, user)
	if err != nil {
		return FromError(err)
	}
	if ref == "" {
		ref, err = p.adapters.Mail.CreateMailbox(ctx, pl.Domain, user, quota)
		if err != nil {
			return FromError(err)
		}
	}

	address := user + "@" + pl.Domain
	if err := p.record(ctx, pl.SubscriptionID, models.ResourceMailbox, address, ref, nil); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{"mailbox_ref": ref, "address": address})
}

func (p *Provisioners) deleteMailbox(ctx context.Context, s *State) error {
	pl, err := payloadOf[types.HostingProvisionPayload](s)
	if err != nil {
		return err
	}
	if err := p.adapters.Mail.DeleteMailbox(ctx, s.String(StepCreateMailbox, "mailbox_ref")); err != nil {
		return err
	}
	p.markDeleted(ctx, pl.SubscriptionID, models.ResourceMailbox, s.String(StepCreateMailbox, "address"))
	return nil
}

func databaseOf(pl *types.HostingProvisionPayload) string {
	if pl.DatabaseName != "" {
		return pl.DatabaseName
	}
	return pl.Username + "_db"
}

func (p *Provisioners) createDatabase(ctx context.Context, s *State) Result {
	pl, res, ok := hostingPayload(s)
	if !ok {
		return res
	}
	name := databaseOf(pl)

	ref, err := p.adapters.Database.FindDatabase(ctx, name)
	if err != nil {
		return FromError(err)
	}
	if ref == "" {
		ref, err = p.adapters.Database.CreateDatabase(ctx, name, pl.Username)
		if err != nil {
			return FromError(err)
		}
	}

	if err := p.record(ctx, pl.SubscriptionID, models.ResourceDatabase, name, ref, nil); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{"database_ref": ref, "database": name})
}

func (p *Provisioners) dropDatabase(ctx context.Context, s *State) error {
	pl, err := payloadOf[types.HostingProvisionPayload](s)
	if err != nil {
		return err
	}
	if err := p.adapters.Database.DropDatabase(ctx, s.String(StepCreateDatabase, "database_ref")); err != nil {
		return err
	}
	p.markDeleted(ctx, pl.SubscriptionID, models.ResourceDatabase, databaseOf(pl))
	return nil
}

// sendWelcomeEmail never fails the pipeline; a lost welcome mail is logged
func (p *Provisioners) sendWelcomeEmail(ctx context.Context, s *State) Result {
	pl, res, ok := hostingPayload(s)
	if !ok {
		return res
	}

	err := p.adapters.Notification.Send(ctx, welcomeTemplate, pl.ContactEmail, map[string]string{
		"domain":   pl.Domain,
		"username": pl.Username,
		"mailbox":  s.String(StepCreateMailbox, "address"),
		"database": s.String(StepCreateDatabase, "database"),
	})
	if err != nil {
		logger.WarnWithFields("Welcome email not sent", map[string]interface{}{
			"job_id": s.Job.ID,
			"domain": pl.Domain,
			"error":  err.Error(),
		})
		return Ok(map[string]interface{}{"sent": false})
	}
	return Ok(map[string]interface{}{"sent": true})
}
