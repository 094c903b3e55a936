// Package xerrors records where errors come from. New and Newf capture a
// stack, Wrap and Wrapf capture the single call site, and internal/log
// renders both as "stack" and "error_links".
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// callers returns the stack above the exported function that called it.
func callers(depth int) []uintptr {
	pcs := make([]uintptr, depth)
	// skip runtime.Callers, callers and the exported entry point
	return pcs[:runtime.Callers(3, pcs)]
}

func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: callers(maxStackDepth)}
}

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: callers(maxStackDepth)}
}

// Wrap annotates err with msg and the caller's position. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: callerPC()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC()}
}

// EnsureTrace attaches a stack unless something in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s interface{ StackPCs() []uintptr }
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: callers(maxStackDepth)}
}

func callerPC() uintptr {
	var pc [1]uintptr
	// skip runtime.Callers, callerPC and Wrap/Wrapf
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}
