package registry

import (
	"context"
	"errors"
	"fmt"

	"keyreg/internal/config"
)

// NoGroup is reported as the group of a service no configured group can serve.
const NoGroup = "NONE"

// Status is the lifecycle state of a service assignment.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusFailed
}

// ErrNoKeyAvailable is recorded when no group lists the service with a key.
var ErrNoKeyAvailable = errors.New("no key available")

// InitializationError wraps a failure reported by the cloud client.
type InitializationError struct {
	Service string
	Group   string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s with group %s: %v", e.Service, e.Group, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Assignment binds a service to the key group chosen for it.
// Error is only set when Status is failed.
type Assignment struct {
	Service string `json:"service"`
	Group   string `json:"group"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Result summarizes an InitializeAll batch. Assignments follow input order.
type Result struct {
	Success     bool         `json:"success"`
	Assignments []Assignment `json:"assignments"`
}

// GroupResolver picks the preferred key group for a service without side effects.
type GroupResolver interface {
	ResolveGroupForService(service string) (config.KeyGroup, bool)
}

// Initializer performs the side effect of bringing up the cloud client for
// service using group's key.
type Initializer interface {
	Initialize(ctx context.Context, service string, group config.KeyGroup) error
}

// InitializerFunc adapts a function to Initializer.
type InitializerFunc func(ctx context.Context, service string, group config.KeyGroup) error

// Initialize calls f.
func (f InitializerFunc) Initialize(ctx context.Context, service string, group config.KeyGroup) error {
	return f(ctx, service, group)
}
