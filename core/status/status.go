// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status

import (
	"fmt"
)

// Status is the workload status of the ingress unit, as derived from the
// outcome of the last reconciliation.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// StatusInfo holds a Status and associated information.
type StatusInfo struct {
	Status  Status
	Message string
}

// String renders the status the way it is shown to operators.
func (s StatusInfo) String() string {
	if s.Message == "" {
		return s.Status.String()
	}
	return fmt.Sprintf("%s: %s", s.Status, s.Message)
}

const (
	// Waiting is set when:
	// The unit is waiting on an external collaborator, such as the gateway
	// address or the relation data of a requester.
	Waiting Status = "waiting"

	// Blocked is set when:
	// The static configuration cannot produce any safe routing and
	// requires human intervention.
	Blocked Status = "blocked"

	// Active is set when:
	// Every valid requester is routed.
	Active Status = "active"

	// Error means a reconciliation failed for a reason other than invalid
	// configuration; the next trigger retries.
	Error Status = "error"
)
