package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/types"
)

func TestAdaptersSetIsComplete(t *testing.T) {
	require.NoError(t, New().Set().Validate())
	assert.Error(t, adapters.Set{}.Validate())
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	f := New()
	boom := types.TransientAdapterError("dns", "CreateZone", errors.New("503"))
	f.FailNext(OpCreateZone, boom)

	_, err := f.CreateZone(ctx, "example.com", nil)
	assert.ErrorIs(t, err, boom)

	id, err := f.CreateZone(ctx, "example.com", nil)
	require.NoError(t, err)
	found, err := f.FindZone(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, id, found)
	assert.Equal(t, 2, f.CallCount(OpCreateZone))

	f.FailAlways(OpSend, errors.New("smtp down"))
	assert.Error(t, f.Send(ctx, "welcome", "a@example.com", nil))
	assert.Error(t, f.Send(ctx, "welcome", "a@example.com", nil))
	f.FailAlways(OpSend, nil)
	assert.NoError(t, f.Send(ctx, "welcome", "a@example.com", nil))
	assert.Len(t, f.Emails(), 1)
}

func TestDelayHonoursContext(t *testing.T) {
	f := New()
	f.Delay(OpCreateVM, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.CreateVM(ctx, adapters.VMSpec{Name: "pod"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.VMCount())
}

func TestCertificateExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := New()
	f.SetClock(func() time.Time { return now })

	cert, err := f.IssueCertificate(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, now.Add(CertificateLifetime), cert.ExpiresAt)

	now = now.Add(CertificateLifetime + time.Hour)
	found, err := f.FindCertificate(ctx, "example.com")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestBillingAndBackups(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	f := New()
	f.AddDueRenewal(adapters.Subscription{ID: "sub-1", RenewsAt: now.Add(3 * 24 * time.Hour)})
	f.AddDueRenewal(adapters.Subscription{ID: "sub-2", RenewsAt: now.Add(30 * 24 * time.Hour)})
	f.AddBackup(adapters.Backup{ID: "b-1", ResourceID: "r-1", CreatedAt: now.Add(-40 * 24 * time.Hour)})
	f.AddBackup(adapters.Backup{ID: "b-2", ResourceID: "r-1", CreatedAt: now})

	due, err := f.DueRenewals(ctx, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sub-1", due[0].ID)

	first, err := f.CreateRenewalInvoice(ctx, "sub-1", due[0].RenewsAt)
	require.NoError(t, err)
	again, err := f.CreateRenewalInvoice(ctx, "sub-1", due[0].RenewsAt)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	stale, err := f.StaleBackups(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	n, err := f.PruneBackups(ctx, "r-1", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
