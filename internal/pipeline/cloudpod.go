package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/events"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// CloudPod step names
const (
	StepMarkProvisioning = "markProvisioning"
	StepCreateVM         = "createVM"
	StepActivatePod      = "activatePod"
	StepResizeVM         = "resizeVM"
	StepSuspendVM        = "suspendVM"
	StepResumeVM         = "resumeVM"
	StepDeleteVM         = "deleteVM"

	UndoDeleteVM = "deleteVM"
)

// CloudPodProvision creates the VM behind a new pod and activates it. When
// the job ends failed or cancelled the pod is marked FAILED.
func (p *Provisioners) CloudPodProvision() *Definition {
	return &Definition{
		Type: types.JobTypeCloudPodProvision,
		Steps: []Step{
			{Name: StepMarkProvisioning, Run: p.markProvisioning},
			{Name: StepCreateVM, Run: p.createVM, Undo: p.deleteCreatedVM, UndoName: UndoDeleteVM},
			{Name: StepActivatePod, Run: p.activatePod},
		},
		OnFailure: p.failProvisioningPod,
	}
}

func provisionPayload(s *State) (*types.CloudPodProvisionPayload, uuid.UUID, error) {
	pl, err := payloadOf[types.CloudPodProvisionPayload](s)
	if err != nil {
		return nil, uuid.Nil, err
	}
	id, err := uuid.Parse(pl.PodID)
	if err != nil {
		return nil, uuid.Nil, types.NewValidationError("pod_id", "invalid uuid %q", pl.PodID)
	}
	return pl, id, nil
}

func (p *Provisioners) markProvisioning(ctx context.Context, s *State) Result {
	pl, id, err := provisionPayload(s)
	if err != nil {
		return Permanent(err)
	}

	pod, err := p.pods.GetByID(ctx, id)
	switch {
	case errors.Is(err, repos.ErrCloudPodNotFound):
		pod = &models.CloudPod{
			ID:             id,
			SubscriptionID: pl.SubscriptionID,
			Name:           pl.Name,
			Template:       pl.Template,
			CPU:            pl.CPU,
			MemoryMB:       pl.MemoryMB,
			DiskGB:         pl.DiskGB,
			Status:         types.CloudPodProvisioning,
		}
		if err := p.pods.Create(ctx, pod); err != nil {
			return Transient(err)
		}
	case err != nil:
		return Transient(err)
	case pod.Status != types.CloudPodProvisioning && pod.Status != types.CloudPodActive:
		return Permanent(fmt.Errorf("pod %s is %s: %w", id, pod.Status, types.ErrInvalidTransition))
	}
	return Ok(map[string]interface{}{"pod_id": id.String(), "status": string(pod.Status)})
}

func (p *Provisioners) createVM(ctx context.Context, s *State) Result {
	pl, id, err := provisionPayload(s)
	if err != nil {
		return Permanent(err)
	}

	vm, err := p.adapters.Hypervisor.FindVM(ctx, pl.Name)
	if err != nil {
		return FromError(err)
	}
	if vm == nil {
		vm, err = p.adapters.Hypervisor.CreateVM(ctx, adapters.VMSpec{
			Name:     pl.Name,
			Template: pl.Template,
			CPU:      pl.CPU,
			MemoryMB: pl.MemoryMB,
			DiskGB:   pl.DiskGB,
			Tags:     []string{"subscription-" + pl.SubscriptionID},
		})
		if err != nil {
			return FromError(err)
		}
	}

	if err := p.pods.Update(ctx, id, map[string]interface{}{"vm_id": vm.ID, "ip": vm.IP}); err != nil {
		return Transient(err)
	}
	return Ok(map[string]interface{}{"vm_id": vm.ID, "ip": vm.IP})
}

func (p *Provisioners) deleteCreatedVM(ctx context.Context, s *State) error {
	_, id, err := provisionPayload(s)
	if err != nil {
		return err
	}
	if err := p.adapters.Hypervisor.DeleteVM(ctx, s.String(StepCreateVM, "vm_id")); err != nil {
		return err
	}
	return p.pods.Update(ctx, id, map[string]interface{}{"vm_id": "", "ip": ""})
}

func (p *Provisioners) activatePod(ctx context.Context, s *State) Result {
	_, id, err := provisionPayload(s)
	if err != nil {
		return Permanent(err)
	}
	pod, err := p.pods.GetByID(ctx, id)
	if err != nil {
		return Transient(err)
	}
	if pod.Status == types.CloudPodActive {
		return Ok(map[string]interface{}{"status": string(pod.Status)})
	}
	if err := p.pods.Transition(ctx, id, pod.Status, types.CloudPodActive, map[string]interface{}{"last_error": ""}); err != nil {
		return FromError(err)
	}
	return Ok(map[string]interface{}{"status": string(types.CloudPodActive)})
}

func (p *Provisioners) failProvisioningPod(ctx context.Context, s *State, cause error) {
	_, id, err := provisionPayload(s)
	if err != nil {
		return
	}
	p.markPodFailed(ctx, id, cause)
}

func (p *Provisioners) markPodFailed(ctx context.Context, id uuid.UUID, cause error) {
	pod, err := p.pods.GetByID(ctx, id)
	if err != nil {
		logger.Warnf("Cannot mark pod %s failed: %v", id, err)
		return
	}
	if pod.Status.IsTerminal() {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.pods.Transition(ctx, id, pod.Status, types.CloudPodFailed, map[string]interface{}{"last_error": msg}); err != nil {
		logger.Warnf("Failed to mark pod %s failed: %v", id, err)
	}
}

// JobLoader reads a job by id
type JobLoader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// PodDeadLetterHandler marks the pod of a dead-lettered CLOUDPOD_PROVISION
// job FAILED. Subscribe it to events.EventJobDeadLettered.
func (p *Provisioners) PodDeadLetterHandler(jobs JobLoader) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		if e.JobType != types.JobTypeCloudPodProvision {
			return nil
		}
		job, err := jobs.Get(ctx, e.JobID)
		if err != nil {
			return err
		}
		s := newState(job, "")
		_, id, err := provisionPayload(s)
		if err != nil {
			return err
		}
		p.markPodFailed(ctx, id, errors.New(e.Error))
		return nil
	}
}

// podAction runs a state-machine guarded lifecycle operation. Reaching the
// target state again is a no-op.
func (p *Provisioners) podAction(ctx context.Context, s *State, podID string, to types.CloudPodStatus, call func(ctx context.Context, pod *models.CloudPod) error, fields map[string]interface{}) Result {
	id, err := uuid.Parse(podID)
	if err != nil {
		return Permanent(types.NewValidationError("pod_id", "invalid uuid %q", podID))
	}
	pod, err := p.pods.GetByID(ctx, id)
	if errors.Is(err, repos.ErrCloudPodNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return Transient(err)
	}

	if pod.Status == to && fields == nil {
		return Ok(map[string]interface{}{"status": string(pod.Status)})
	}
	if pod.Status != to && !pod.Status.CanTransition(to) {
		return Permanent(fmt.Errorf("pod %s %s -> %s: %w", id, pod.Status, to, types.ErrInvalidTransition))
	}

	if err := call(ctx, pod); err != nil {
		return FromError(err)
	}
	if err := p.pods.Transition(ctx, id, pod.Status, to, fields); err != nil {
		return FromError(err)
	}
	logger.InfoWithFields("Pod transitioned", map[string]interface{}{
		"job_id": s.Job.ID,
		"pod_id": id,
		"from":   pod.Status,
		"to":     to,
	})
	return Ok(map[string]interface{}{"status": string(to)})
}

// CloudPodResize changes the resources of an active pod
func (p *Provisioners) CloudPodResize() *Definition {
	return &Definition{
		Type: types.JobTypeCloudPodResize,
		Steps: []Step{{
			Name: StepResizeVM,
			Run: func(ctx context.Context, s *State) Result {
				pl, err := payloadOf[types.CloudPodResizePayload](s)
				if err != nil {
					return Permanent(err)
				}
				fields := map[string]interface{}{"cpu": pl.CPU, "memory_mb": pl.MemoryMB, "disk_gb": pl.DiskGB}
				return p.podAction(ctx, s, pl.PodID, types.CloudPodActive, func(ctx context.Context, pod *models.CloudPod) error {
					if pod.Status != types.CloudPodActive {
						return types.Permanent(fmt.Errorf("pod %s is %s: %w", pod.ID, pod.Status, types.ErrInvalidTransition))
					}
					return p.adapters.Hypervisor.ResizeVM(ctx, pod.VMID, pl.CPU, pl.MemoryMB, pl.DiskGB)
				}, fields)
			},
		}},
	}
}

func (p *Provisioners) lifecycle(jobType types.JobType, step string, to types.CloudPodStatus, call func(ctx context.Context, vmID string) error) *Definition {
	return &Definition{
		Type: jobType,
		Steps: []Step{{
			Name: step,
			Run: func(ctx context.Context, s *State) Result {
				pl, err := payloadOf[types.CloudPodActionPayload](s)
				if err != nil {
					return Permanent(err)
				}
				return p.podAction(ctx, s, pl.PodID, to, func(ctx context.Context, pod *models.CloudPod) error {
					if pod.VMID == "" {
						return nil
					}
					return call(ctx, pod.VMID)
				}, nil)
			},
		}},
	}
}

// CloudPodSuspend powers an active pod off
func (p *Provisioners) CloudPodSuspend() *Definition {
	return p.lifecycle(types.JobTypeCloudPodSuspend, StepSuspendVM, types.CloudPodSuspended, func(ctx context.Context, vmID string) error {
		return p.adapters.Hypervisor.SuspendVM(ctx, vmID)
	})
}

// CloudPodResume powers a suspended pod on
func (p *Provisioners) CloudPodResume() *Definition {
	return p.lifecycle(types.JobTypeCloudPodResume, StepResumeVM, types.CloudPodActive, func(ctx context.Context, vmID string) error {
		return p.adapters.Hypervisor.ResumeVM(ctx, vmID)
	})
}

// CloudPodDelete destroys the VM of a pod
func (p *Provisioners) CloudPodDelete() *Definition {
	return p.lifecycle(types.JobTypeCloudPodDelete, StepDeleteVM, types.CloudPodDeleted, func(ctx context.Context, vmID string) error {
		return p.adapters.Hypervisor.DeleteVM(ctx, vmID)
	})
}
