package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their json names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// HostingProvisionPayload drives the hosting provisioning pipeline.
type HostingProvisionPayload struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Domain         string `json:"domain" validate:"required,fqdn"`
	Plan           string `json:"plan" validate:"required"`
	Username       string `json:"username" validate:"required,alphanum,min=3,max=32"`
	ContactEmail   string `json:"contact_email" validate:"required,email"`
	MailboxUser    string `json:"mailbox_user,omitempty" validate:"omitempty,alphanum"`
	MailboxQuotaMB int    `json:"mailbox_quota_mb,omitempty" validate:"gte=0"`
	DatabaseName   string `json:"database_name,omitempty" validate:"omitempty,max=63"`
}

// CloudPodProvisionPayload creates a new pod on the hypervisor.
type CloudPodProvisionPayload struct {
	PodID          string `json:"pod_id" validate:"required,uuid"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Name           string `json:"name" validate:"required,hostname"`
	Template       string `json:"template" validate:"required"`
	CPU            int    `json:"cpu" validate:"required,gte=1,lte=64"`
	MemoryMB       int    `json:"memory_mb" validate:"required,gte=512"`
	DiskGB         int    `json:"disk_gb" validate:"required,gte=10"`
	ContactEmail   string `json:"contact_email,omitempty" validate:"omitempty,email"`
}

// CloudPodResizePayload changes the resources of an existing pod.
type CloudPodResizePayload struct {
	PodID    string `json:"pod_id" validate:"required,uuid"`
	CPU      int    `json:"cpu" validate:"required,gte=1,lte=64"`
	MemoryMB int    `json:"memory_mb" validate:"required,gte=512"`
	DiskGB   int    `json:"disk_gb" validate:"required,gte=10"`
}

// CloudPodActionPayload is used by suspend, resume and delete.
type CloudPodActionPayload struct {
	PodID  string `json:"pod_id" validate:"required,uuid"`
	Reason string `json:"reason,omitempty"`
}

// SuspendServicePayload suspends a hosting account or a pod for non-payment.
type SuspendServicePayload struct {
	InvoiceID      string `json:"invoice_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
	ResourceType   string `json:"resource_type" validate:"required,oneof=hosting cloudpod"`
	ResourceRef    string `json:"resource_ref" validate:"required"`
}

// SSLRenewPayload renews a certificate that is close to expiry.
type SSLRenewPayload struct {
	CertificateID string `json:"certificate_id" validate:"required"`
	Domain        string `json:"domain" validate:"required,fqdn"`
}

// BackupCleanupPayload prunes backups past retention.
type BackupCleanupPayload struct {
	BackupID   string    `json:"backup_id" validate:"required"`
	ResourceID string    `json:"resource_id" validate:"required"`
	OlderThan  time.Time `json:"older_than" validate:"required"`
}

// RenewalInvoicePayload asks billing for a renewal invoice.
type RenewalInvoicePayload struct {
	SubscriptionID string    `json:"subscription_id" validate:"required"`
	RenewsAt       time.Time `json:"renews_at" validate:"required"`
}

// SendEmailPayload is a one-off notification.
type SendEmailPayload struct {
	Template  string            `json:"template" validate:"required"`
	Recipient string            `json:"recipient" validate:"required,email"`
	Data      map[string]string `json:"data,omitempty"`
}

var payloadValidators = map[JobType]func(json.RawMessage) error{
	JobTypeHostingProvision:  validatePayload[HostingProvisionPayload],
	JobTypeCloudPodProvision: validatePayload[CloudPodProvisionPayload],
	JobTypeCloudPodResize:    validatePayload[CloudPodResizePayload],
	JobTypeCloudPodSuspend:   validatePayload[CloudPodActionPayload],
	JobTypeCloudPodResume:    validatePayload[CloudPodActionPayload],
	JobTypeCloudPodDelete:    validatePayload[CloudPodActionPayload],
	JobTypeSuspendService:    validatePayload[SuspendServicePayload],
	JobTypeSSLRenew:          validatePayload[SSLRenewPayload],
	JobTypeBackupCleanup:     validatePayload[BackupCleanupPayload],
	JobTypeRenewalInvoice:    validatePayload[RenewalInvoicePayload],
	JobTypeSendEmail:         validatePayload[SendEmailPayload],
}

// ValidatePayload checks raw against the payload struct registered for t.
func ValidatePayload(t JobType, raw json.RawMessage) error {
	fn, ok := payloadValidators[t]
	if !ok {
		return NewValidationError("type", "unknown job type %q", t)
	}
	return fn(raw)
}

// DecodePayload unmarshals and validates a job payload in one go.
func DecodePayload[T any](raw json.RawMessage) (*T, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewValidationError("payload", "invalid payload format: %v", err)
	}
	if err := ValidateStruct(payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func validatePayload[T any](raw json.RawMessage) error {
	_, err := DecodePayload[T](raw)
	return err
}

// ValidateStruct runs the validator tags on v and converts failures to
// ValidationErrors.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError("", "%v", err)
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, &ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %s", fe.Tag()),
		})
	}
	return out
}
