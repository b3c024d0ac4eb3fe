package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned by Acquire when every slot is committed
	// and the wait queue is disabled.
	ErrPoolExhausted = errors.New("browser pool exhausted")

	// ErrPoolClosed is returned once Shutdown has begun. Parked waiters are
	// failed with it as well.
	ErrPoolClosed = errors.New("browser pool is shut down")
)

// ProvisioningError wraps a failure to obtain a browser from the provisioning
// service, including responses that carry no connect URL.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string { return fmt.Sprintf("provision browser: %v", e.Err) }

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ConnectionError wraps a failure to attach to an already provisioned browser
// over its CDP endpoint, or to prepare its initial context and page.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connect %s: %v", e.URL, e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }
