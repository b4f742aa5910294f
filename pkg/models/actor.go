package models

// Actor is the authenticated caller of a request operation.
type Actor struct {
	Username string `json:"username"`
	Approver bool   `json:"approver"`
}

// System is the actor used by background reconciliation and webhooks.
var System = Actor{Username: "system", Approver: true}

// Owns reports whether the actor created the workflow run.
func (a Actor) Owns(run *WorkflowRun) bool {
	return run != nil && a.Username != "" && run.CreatedBy == a.Username
}
