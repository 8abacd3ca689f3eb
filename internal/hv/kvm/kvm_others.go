//go:build !(linux && amd64)

package kvm

import (
	"fmt"

	"github.com/tinyrange/hvboot/internal/hv"
)

// Open reports that KVM guests are only supported on linux/amd64.
func Open() (hv.Platform, error) {
	return nil, fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}
