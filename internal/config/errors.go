package config

import "errors"

var (
	ErrConfigNotLoaded  = errors.New("config not loaded")
	ErrServiceRequired  = errors.New("service name required")
	ErrEndpointNotFound = errors.New("endpoint not configured")
)
