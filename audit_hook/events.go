package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionThreadCreated  = "thread.created"
	ActionThreadExecuted = "thread.executed"
	ActionThreadRetrying = "thread.retrying"
	ActionThreadPaused   = "thread.paused"
	ActionThreadResumed  = "thread.resumed"
	ActionThreadClosed   = "thread.closed"
	ActionTableExtended  = "table.extended"
	ActionCrankDrained   = "crank.drained"
)

// Audit event categories group related actions.
const (
	CategoryThread = "tempo.thread"
	CategoryTable  = "tempo.table"
	CategoryCrank  = "tempo.crank"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceThread = "thread"
	ResourceTable  = "lookup_table"
	ResourceCrank  = "crank"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionThreadCreated,
		ActionThreadExecuted,
		ActionThreadRetrying,
		ActionThreadPaused,
		ActionThreadResumed,
		ActionThreadClosed,
		ActionTableExtended,
		ActionCrankDrained,
	}
}
