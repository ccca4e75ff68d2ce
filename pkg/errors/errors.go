// Unified error handling for Klipper Go migration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// ErrRuntime is the generic code RecoverPanic falls back to when a
	// panic's value carries no more specific classification.
	ErrRuntime ErrorCode = "RUNTIME"

	// Motion/protocol core errors
	ErrInvalidMove        ErrorCode = "INVALID_MOVE"
	ErrOutOfBounds        ErrorCode = "OUT_OF_BOUNDS"
	ErrStepOrderViolation ErrorCode = "STEP_ORDER_VIOLATION"
	ErrProtocol           ErrorCode = "PROTOCOL_ERROR"
	ErrMCUShutdown        ErrorCode = "MCU_SHUTDOWN"
	ErrClockDrift         ErrorCode = "CLOCK_DRIFT"
	ErrBackpressure       ErrorCode = "BACKPRESSURE"
)

// fatalCodes are the error kinds that, per SPEC_FULL.md §7, terminate a
// session or a print rather than being reported and continuing.
var fatalCodes = map[ErrorCode]bool{
	ErrOutOfBounds:        true,
	ErrStepOrderViolation: true,
	ErrProtocol:           true,
	ErrMCUShutdown:        true,
	ErrClockDrift:         true,
}

// IsFatal reports whether err carries one of the core's fatal error kinds.
func IsFatal(err error) bool {
	hostErr, ok := err.(*HostError)
	if !ok {
		return false
	}
	return fatalCodes[hostErr.Code]
}

// InvalidMoveError creates an error for a move rejected at Toolhead entry.
func InvalidMoveError(reason string) *HostError {
	return New(ErrInvalidMove, reason)
}

// OutOfBoundsError creates an error for a kinematics-reported bounds
// violation during planning.
func OutOfBoundsError(axis string, coord, min, max float64) *HostError {
	return New(ErrOutOfBounds, fmt.Sprintf("%s coordinate %.6f out of bounds [%.6f, %.6f]", axis, coord, min, max))
}

// StepOrderViolationError creates the fatal error raised when a
// stepcompress input sequence is not strictly increasing.
func StepOrderViolationError(detail string) *HostError {
	return New(ErrStepOrderViolation, detail)
}

// ProtocolErrorKind creates an error for a bad CRC, bad sequence, or
// unknown command id on the wire.
func ProtocolErrorKind(detail string) *HostError {
	return New(ErrProtocol, detail)
}

// MCUShutdownError mirrors an MCU-reported shutdown reason into the host.
func MCUShutdownError(reason string) *HostError {
	return New(ErrMCUShutdown, reason)
}

// ClockDriftError creates the fatal error raised when clock estimator
// residuals exceed tolerance for the sustained duration in §7.
func ClockDriftError(detail string) *HostError {
	return New(ErrClockDrift, detail)
}

// BackpressureError creates the soft error that blocks the planner flush
// path without ever surfacing above Toolhead.
func BackpressureError(detail string) *HostError {
	return New(ErrBackpressure, detail)
}

// RuntimeError creates a generic, uncategorized runtime error — used by
// RecoverPanic when a recovered panic value carries no structured cause.
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// File is the source file (if available)
	File string

	// Line is the line number in the source file (if available)
	Line int

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Option, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetFile sets the source file
func (e *HostError) SetFile(file string) *HostError {
	e.File = file
	return e
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Helper functions for adding context

// WithConfigPath adds config file path to error context
func WithConfigPath(err *HostError, path string) *HostError {
	if err == nil {
		return nil
	}
	err.SetContext("config_path", path)
	return err
}

// WithLineNumber adds line number to error context
func WithLineNumber(err *HostError, line int) *HostError {
	if err == nil {
		return nil
	}
	err.SetLine(line)
	return err
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *HostError {
	if r := recover(); r != nil {
		// Convert panic to HostError
		var err error
		switch x := r.(type) {
		case string:
			err = RuntimeError(fmt.Sprintf("panic: %s", x))
		case error:
			err = RuntimeError(x.Error())
		case runtime.Error:
			err = RuntimeError(x.Error())
		default:
			err = RuntimeError(fmt.Sprintf("panic: %v", x))
		}
		return err.(*HostError)
	}
	return nil
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	if hostErr, ok := err.(*HostError); ok {
		return hostErr.Code == code
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

