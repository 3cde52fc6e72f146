package domain

// ActionKind tags the payload a task executes when it fires.
type ActionKind string

const (
	ActionTaskCreate       ActionKind = "task.create"
	ActionNotificationSend ActionKind = "notification.send"
	ActionEmailSend        ActionKind = "email.send"
	ActionWorkflowExecute  ActionKind = "workflow.execute"
	ActionCustom           ActionKind = "custom"
)

// KnownActionKind reports whether k is one of the five supported kinds.
func KnownActionKind(k ActionKind) bool {
	switch k {
	case ActionTaskCreate, ActionNotificationSend, ActionEmailSend, ActionWorkflowExecute, ActionCustom:
		return true
	}
	return false
}

// ActionSpec is an opaque payload; the engine never interprets Params,
// it hands them to the handler registered for Kind.
type ActionSpec struct {
	Kind   ActionKind
	Params map[string]string
}
