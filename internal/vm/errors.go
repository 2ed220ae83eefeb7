package vm

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrInvalidVMState is returned when a lifecycle operation's state
	// precondition does not hold. The operation has no partial effect.
	ErrInvalidVMState = fmt.Errorf("operation not allowed in current VM state: %w", errdefs.ErrFailedPrecondition)

	// ErrServiceVMNotSet is returned by ServiceVM before boot sequencing
	// has recorded the service VM.
	ErrServiceVMNotSet = errors.New("service VM not initialized")

	// ErrVMIDOutOfRange is returned for ids at or past the fixed table
	// capacity.
	ErrVMIDOutOfRange = fmt.Errorf("vm id out of range: %w", errdefs.ErrInvalidArgument)

	// ErrNoConfiguration is returned when a VM id has no static
	// configuration behind it.
	ErrNoConfiguration = fmt.Errorf("no configuration for vm: %w", errdefs.ErrNotFound)

	// ErrVCPUExhausted tags a vCPU-creation failure mid-loop. Remaining
	// creation is aborted and the VM is left created-but-incomplete,
	// eligible only for cleanup via shutdown.
	ErrVCPUExhausted = fmt.Errorf("vCPU creation failed: %w", errdefs.ErrResourceExhausted)

	// ErrIncompleteVM is returned when an operation needs vCPUs a failed
	// creation never produced.
	ErrIncompleteVM = fmt.Errorf("vm has no boot vCPU: %w", errdefs.ErrFailedPrecondition)
)

// OperationError ties a lifecycle failure to the operation and VM it
// happened on.
type OperationError struct {
	Op   string
	VMID uint16
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s vm %d: %v", e.Op, e.VMID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func makeVMError(vm *VM, op string, err error) error {
	// Don't double wrap errors
	if e := (&OperationError{}); errors.As(err, &e) {
		return err
	}

	return &OperationError{
		Op:   op,
		VMID: vm.id,
		Err:  err,
	}
}
