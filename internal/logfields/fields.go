package logfields

const (
	// Identifiers

	Name      = "name"
	Operation = "operation"
	UUID      = "uuid"

	VMID   = "vmid"
	VCPUID = "vcpu-id"
	CoreID = "core-id"

	// Memory

	Base       = "base"
	GuestBase  = "guest-base"
	Length     = "length"
	Attributes = "attr"
	EntryType  = "entry-type"

	// Lifecycle

	State     = "state"
	LoadOrder = "load-order"

	// Cores

	CoreMask = "core-mask"

	// Time

	Duration  = "duration"
	EndTime   = "endTime"
	StartTime = "startTime"
	Timeout   = "timeout"

	// Keys/Values

	Field = "field"
	Key   = "key"
	Value = "value"

	// Tracing

	TraceID      = "traceID"
	SpanID       = "spanID"
	ParentSpanID = "parentSpanID"
)
