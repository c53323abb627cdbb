package scr

import (
	"errors"
)

// Runtime errors
var (
	// Declaration errors
	ErrInvalidDescription    = errors.New("invalid component description")
	ErrMissingName           = errors.New("component name is missing")
	ErrMissingImplementation = errors.New("implementation type is missing")
	ErrUnknownImplementation = errors.New("implementation type is not registered")
	ErrInvalidCardinality    = errors.New("invalid cardinality")
	ErrInvalidPolicy         = errors.New("invalid reference policy")
	ErrInvalidConfigPolicy   = errors.New("invalid configuration policy")
	ErrInvalidReference      = errors.New("invalid reference")
	ErrDuplicateReference    = errors.New("duplicate reference name")
	ErrInvalidTarget         = errors.New("invalid target filter")
	ErrNoServicesForFactory  = errors.New("service factory component must provide services")
	ErrConflictingKind       = errors.New("conflicting activation flags")

	// Type registry errors
	ErrDuplicateType = errors.New("implementation type already registered")
	ErrNilFactory    = errors.New("implementation type has no constructor")

	// Binding errors
	ErrBindMethodNotFound = errors.New("method not found")
	ErrBindArgument       = errors.New("service not assignable to method parameter")
	ErrMethodPanicked     = errors.New("method panicked")

	// Activation errors
	ErrActivationFailed = errors.New("component activation failed")

	// Configuration errors
	ErrFactoryConfigurationConflict = errors.New("factory configuration supplied for a component factory")

	// Factory errors
	ErrNotAFactoryComponent       = errors.New("component is not a factory component")
	ErrFactoryInstanceUnsatisfied = errors.New("factory instance is not satisfied")
	ErrFactoryDisposed            = errors.New("component factory is no longer available")

	// Runtime errors
	ErrComponentNotFound = errors.New("component not found")
	ErrRuntimeStarted    = errors.New("runtime already started")
	ErrNilOption         = errors.New("option value is nil")
)
