package control

import "fmt"

// NotFound, BadRequest and Internal are the three typed-error surfaces
// the control endpoint maps every failure into, per spec.md §4.4/§7.
// internal/api translates them to HTTP status codes.
type NotFound struct{ What string }

func (e *NotFound) Error() string { return fmt.Sprintf("control: not found: %s", e.What) }

type BadRequest struct{ Reason string }

func (e *BadRequest) Error() string { return fmt.Sprintf("control: bad request: %s", e.Reason) }

type Internal struct{ Err error }

func (e *Internal) Error() string { return fmt.Sprintf("control: internal: %v", e.Err) }
func (e *Internal) Unwrap() error { return e.Err }
