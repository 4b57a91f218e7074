package sandbox

// ViolationError reports that an execution hit a runtime safety boundary:
// a denied capability call, an oversized result, or a protocol breach by
// the worker.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "sandbox violation: " + e.Reason
}

// ExecError is a tool's own uncaught failure, re-raised as a generic
// execution failure. It carries only the interpreter's message, never host
// stack or frame information.
type ExecError struct {
	Message string
}

func (e *ExecError) Error() string {
	return "tool execution failed: " + e.Message
}
