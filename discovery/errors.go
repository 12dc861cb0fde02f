package discovery

import (
	"errors"
	"fmt"
)

// ErrBind reports that the discovery socket could not be opened.
var ErrBind = errors.New("discovery: bind failed")

// ErrStopped is returned by operations on a closed registry or service.
var ErrStopped = errors.New("discovery: stopped")

// DiscoveryError describes a failure of a discovery socket operation.
type DiscoveryError struct {
	Op   string
	Addr string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is matches ErrBind for bind failures.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrBind && e.Op == "bind"
}
