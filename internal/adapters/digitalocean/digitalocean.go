// Package digitalocean implements the hypervisor adapter on DigitalOcean
// droplets.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/digitalocean/godo"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

const (
	adapterName = "digitalocean"

	defaultIPPollInterval = 5 * time.Second
	listPageSize          = 200
	podTag                = "cloudpod"
)

// DropletService is the subset of godo.DropletsService the adapter uses
type DropletService interface {
	Create(ctx context.Context, createRequest *godo.DropletCreateRequest) (*godo.Droplet, *godo.Response, error)
	Get(ctx context.Context, id int) (*godo.Droplet, *godo.Response, error)
	Delete(ctx context.Context, id int) (*godo.Response, error)
	ListByTag(ctx context.Context, tag string, opt *godo.ListOptions) ([]godo.Droplet, *godo.Response, error)
}

// DropletActionService is the subset of godo.DropletActionsService the adapter uses
type DropletActionService interface {
	PowerOff(ctx context.Context, id int) (*godo.Action, *godo.Response, error)
	PowerOn(ctx context.Context, id int) (*godo.Action, *godo.Response, error)
	Resize(ctx context.Context, id int, sizeSlug string, resizeDisk bool) (*godo.Action, *godo.Response, error)
}

// Options configures the adapter
type Options struct {
	Region   string
	SSHKeyID int
	// IPPollInterval is how often CreateVM polls for the public address
	IPPollInterval time.Duration
}

// Hypervisor implements adapters.HypervisorAdapter
type Hypervisor struct {
	droplets DropletService
	actions  DropletActionService
	opts     Options
}

var _ adapters.HypervisorAdapter = (*Hypervisor)(nil)

// New creates an adapter authenticated with token
func New(token string, opts Options) (*Hypervisor, error) {
	if token == "" {
		return nil, fmt.Errorf("DIGITALOCEAN_TOKEN is not set")
	}
	client := godo.NewFromToken(token)
	return NewWithServices(client.Droplets, client.DropletActions, opts), nil
}

// NewWithServices creates an adapter over explicit services, used by tests
func NewWithServices(droplets DropletService, actions DropletActionService, opts Options) *Hypervisor {
	if opts.IPPollInterval <= 0 {
		opts.IPPollInterval = defaultIPPollInterval
	}
	return &Hypervisor{droplets: droplets, actions: actions, opts: opts}
}

// SizeSlug maps pod resources onto a droplet size slug
func SizeSlug(cpu, memoryMB int) string {
	gb := memoryMB / 1024
	if gb < 1 {
		gb = 1
	}
	return fmt.Sprintf("s-%dvcpu-%dgb", cpu, gb)
}

// CreateVM creates a droplet and waits until it has a public IPv4 address
func (h *Hypervisor) CreateVM(ctx context.Context, spec adapters.VMSpec) (*adapters.VM, error) {
	req := &godo.DropletCreateRequest{
		Name:   spec.Name,
		Region: h.opts.Region,
		Size:   SizeSlug(spec.CPU, spec.MemoryMB),
		Image:  godo.DropletCreateImage{Slug: spec.Template},
		Tags:   append([]string{podTag}, spec.Tags...),
	}
	if h.opts.SSHKeyID != 0 {
		req.SSHKeys = []godo.DropletCreateSSHKey{{ID: h.opts.SSHKeyID}}
	}

	logger.Infof("🚀 Creating droplet %s (%s, %s)", spec.Name, req.Size, spec.Template)
	droplet, resp, err := h.droplets.Create(ctx, req)
	if err != nil {
		return nil, classify("CreateVM", resp, err)
	}

	ip, err := h.waitForIP(ctx, droplet.ID)
	if err != nil {
		return nil, err
	}
	logger.Infof("✅ Droplet %s (%d) is up at %s", spec.Name, droplet.ID, ip)
	return &adapters.VM{
		ID:     strconv.Itoa(droplet.ID),
		Name:   droplet.Name,
		IP:     ip,
		Status: droplet.Status,
	}, nil
}

func (h *Hypervisor) waitForIP(ctx context.Context, id int) (string, error) {
	ticker := time.NewTicker(h.opts.IPPollInterval)
	defer ticker.Stop()
	for {
		droplet, resp, err := h.droplets.Get(ctx, id)
		if err != nil {
			return "", classify("CreateVM", resp, err)
		}
		if ip, err := droplet.PublicIPv4(); err == nil && ip != "" {
			return ip, nil
		}

		select {
		case <-ctx.Done():
			return "", &types.TimeoutError{Scope: "droplet ip", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// FindVM looks a pod droplet up by name
func (h *Hypervisor) FindVM(ctx context.Context, name string) (*adapters.VM, error) {
	opt := &godo.ListOptions{Page: 1, PerPage: listPageSize}
	for {
		droplets, resp, err := h.droplets.ListByTag(ctx, podTag, opt)
		if err != nil {
			return nil, classify("FindVM", resp, err)
		}
		for _, d := range droplets {
			if d.Name != name {
				continue
			}
			ip, _ := d.PublicIPv4()
			return &adapters.VM{ID: strconv.Itoa(d.ID), Name: d.Name, IP: ip, Status: d.Status}, nil
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return nil, nil
		}
		opt.Page++
	}
}

// ResizeVM resizes a droplet, including its disk
func (h *Hypervisor) ResizeVM(ctx context.Context, id string, cpu, memoryMB, _ int) error {
	dropletID, err := parseID("ResizeVM", id)
	if err != nil {
		return err
	}
	_, resp, err := h.actions.Resize(ctx, dropletID, SizeSlug(cpu, memoryMB), true)
	return classify("ResizeVM", resp, err)
}

// SuspendVM powers a droplet off
func (h *Hypervisor) SuspendVM(ctx context.Context, id string) error {
	dropletID, err := parseID("SuspendVM", id)
	if err != nil {
		return err
	}
	_, resp, err := h.actions.PowerOff(ctx, dropletID)
	return classify("SuspendVM", resp, err)
}

// ResumeVM powers a droplet on
func (h *Hypervisor) ResumeVM(ctx context.Context, id string) error {
	dropletID, err := parseID("ResumeVM", id)
	if err != nil {
		return err
	}
	_, resp, err := h.actions.PowerOn(ctx, dropletID)
	return classify("ResumeVM", resp, err)
}

// DeleteVM destroys a droplet. A droplet that is already gone counts as deleted.
func (h *Hypervisor) DeleteVM(ctx context.Context, id string) error {
	dropletID, err := parseID("DeleteVM", id)
	if err != nil {
		return err
	}
	resp, err := h.droplets.Delete(ctx, dropletID)
	if err != nil && statusOf(resp, err) == http.StatusNotFound {
		logger.Warnf("Droplet %d already deleted", dropletID)
		return nil
	}
	return classify("DeleteVM", resp, err)
}

func parseID(op, id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, types.PermanentAdapterError(adapterName, op, fmt.Errorf("invalid droplet id %q", id))
	}
	return n, nil
}

func statusOf(resp *godo.Response, err error) int {
	var errResp *godo.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}

// classify turns API failures into adapter errors: client errors other than
// rate limiting are permanent, everything else is transient.
func classify(op string, resp *godo.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.TimeoutError{Scope: adapterName + " " + op, Err: err}
	}
	status := statusOf(resp, err)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return types.PermanentAdapterError(adapterName, op, err)
	}
	return types.TransientAdapterError(adapterName, op, err)
}
