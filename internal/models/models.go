// Package models holds the persisted shapes of the query lifecycle: a
// QueryExecution and its QueryDestinations.
package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a QueryExecution.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
	StatusError     Status = "ERROR"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// DestStatus is the lifecycle state of a QueryDestination.
type DestStatus string

const (
	DestDeclared DestStatus = "DECLARED"
	DestUploaded DestStatus = "UPLOADED"
	DestError    DestStatus = "ERROR"
	DestDeleted  DestStatus = "DELETED"
)

// QueryExecution is one submitted query run.
type QueryExecution struct {
	ID               int64
	GUID             string
	Query            string
	SourceConn       string // encrypted connection string, see cryptutil
	IdentityID       string
	Status           Status
	ErrorDescription string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Destinations     []QueryDestination
}

// QueryDestination is one declared result sink for a run.
type QueryDestination struct {
	ID               int64
	QueryID          int64
	DestType         string
	Status           DestStatus
	Path             string
	AccessCreds      json.RawMessage
	ErrorDescription string
	FinishedAt       *time.Time
}

// TableCreds is the shape stored in QueryDestination.AccessCreds for
// dest_type=table.
type TableCreds struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}
