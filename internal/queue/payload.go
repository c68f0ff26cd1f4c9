package queue

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
)

// Name identifies one of the typed queues.
type Name string

const (
	QueueProvision Name = "provision"
	QueuePower     Name = "power"
	QueueSnapshot  Name = "snapshot"
)

// Power actions accepted by the power queue.
const (
	PowerStart   = "start"
	PowerStop    = "stop"
	PowerRestart = "restart"
)

// Power reasons distinguish customer actions from billing lifecycle actions.
const (
	ReasonUser       = "user"
	ReasonSuspend    = "suspend"
	ReasonReactivate = "reactivate"
)

// Payload is implemented only by the payload types in this package, so a
// type switch over them is exhaustive.
type Payload interface {
	Queue() Name
	sealed()
}

// ProvisionPayload drives one order through the provisioning pipeline.
// VMID and IP are zero when the pipeline has not allocated them yet.
type ProvisionPayload struct {
	OrderID    string `json:"order_id" validate:"required"`
	VMID       int    `json:"vmid" validate:"gte=0"`
	Hostname   string `json:"hostname" validate:"required,hostname_rfc1123,max=63"`
	Node       string `json:"node" validate:"required"`
	CPU        int    `json:"cpu" validate:"gte=1"`
	RAMMB      int    `json:"ram_mb" validate:"gte=128"`
	DiskGB     int    `json:"disk_gb" validate:"gte=1"`
	VLAN       *int   `json:"vlan,omitempty" validate:"omitempty,gte=1,lte=4094"`
	IP         string `json:"ip,omitempty" validate:"omitempty,ip"`
	PlanID     string `json:"plan_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
}

// PowerPayload starts, stops or restarts an instance.
type PowerPayload struct {
	InstanceID string `json:"instance_id" validate:"required"`
	Action     string `json:"action" validate:"required,oneof=start stop restart"`
	Reason     string `json:"reason" validate:"omitempty,oneof=user suspend reactivate"`
}

// SnapshotPayload creates a named snapshot.
type SnapshotPayload struct {
	InstanceID  string `json:"instance_id" validate:"required"`
	Name        string `json:"name" validate:"required,snapname"`
	Description string `json:"description" validate:"max=512"`
}

func (ProvisionPayload) Queue() Name { return QueueProvision }
func (PowerPayload) Queue() Name     { return QueuePower }
func (SnapshotPayload) Queue() Name  { return QueueSnapshot }

func (ProvisionPayload) sealed() {}
func (PowerPayload) sealed()     {}
func (SnapshotPayload) sealed()  {}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("snapname", func(fl validator.FieldLevel) bool {
		return ValidSnapshotName(fl.Field().String())
	})
	return v
}

// ValidSnapshotName applies the Proxmox snapname rules: a letter first, then
// letters, digits, '-' or '_', at most 40 characters, and not "current".
func ValidSnapshotName(name string) bool {
	if len(name) < 2 || len(name) > 40 || name == "current" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '_'):
		default:
			return false
		}
	}
	return true
}

// validatePayload converts validator failures into an apperr.ValidationError.
func validatePayload(v *validator.Validate, p Payload) error {
	if p == nil {
		return apperr.Validation("payload", "must not be nil")
	}
	err := v.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(fe.Field(), "failed %q check", fe.Tag())
	}
	return apperr.Validation("payload", "%s", fmt.Sprint(err))
}
