package hv

import (
	"errors"
	"fmt"
)

// GuestSetupError reports that provisioning or creating guest ID failed.
type GuestSetupError struct {
	ID  GuestID
	Err error
}

func (e *GuestSetupError) Error() string {
	return fmt.Sprintf("guest %d: setup failed: %v", e.ID, e.Err)
}

func (e *GuestSetupError) Unwrap() []error { return []error{ErrGuestSetupFailed, e.Err} }

// VCPUCreationError reports that guest ID rejected its vCPU.
type VCPUCreationError struct {
	ID  GuestID
	Err error
}

func (e *VCPUCreationError) Error() string {
	return fmt.Sprintf("guest %d: vcpu creation failed: %v", e.ID, e.Err)
}

func (e *VCPUCreationError) Unwrap() []error { return []error{ErrVCPUCreationFailed, e.Err} }

// FailedGuest extracts the guest id from a setup-phase error.
func FailedGuest(err error) (GuestID, bool) {
	var setup *GuestSetupError
	if errors.As(err, &setup) {
		return setup.ID, true
	}
	var vcpu *VCPUCreationError
	if errors.As(err, &vcpu) {
		return vcpu.ID, true
	}
	return 0, false
}
