package model

import "errors"

var (
	// ErrMissingTenant indicates a job without a tenant key.
	ErrMissingTenant = errors.New("model: tenant id is required")
	// ErrInvalidDuration indicates a job without a positive estimated duration.
	ErrInvalidDuration = errors.New("model: estimated duration must be positive")
	// ErrInvalidWindow indicates a time window whose end does not follow its start.
	ErrInvalidWindow = errors.New("model: window end must be after start")
)
