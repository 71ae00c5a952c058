// Package registry implements the hub directory service: a live, queryable
// map from canonical address to agent liveness metadata, maintained through
// register/heartbeat/deregister RPCs and a periodic staleness sweep, with
// directory-changed events fanned out over pub/sub.
package registry

import (
	"time"
)

// Status is the liveness classification of a directory entry.
type Status string

const (
	// StatusActive marks an entry with a fresh heartbeat.
	StatusActive Status = "active"
	// StatusStale marks an entry whose heartbeat has lapsed but which has
	// not yet been removed.
	StatusStale Status = "stale"
	// StatusDeparted marks an entry that deregistered or was swept out; it
	// only appears in events and persisted history, never in Resolve output.
	StatusDeparted Status = "departed"
)

// Entry is one directory record.
type Entry struct {
	Address        string    `json:"address"`
	Host           string    `json:"host"`
	Class          string    `json:"class"`
	RegistrationID string    `json:"registrationId"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	Status         Status    `json:"status"`
	// Detail is the agent's most recent self-reported status, as carried
	// on its heartbeats. Nil until the first heartbeat with detail.
	Detail map[string]any `json:"detail,omitempty"`
}

// ChangeKind classifies a directory-changed event.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeStale   ChangeKind = "stale"
	ChangeRemoved ChangeKind = "removed"
)

// Event is the directory-changed payload published after every mutation.
type Event struct {
	ID    string     `json:"id"`
	TS    time.Time  `json:"ts"`
	Kind  ChangeKind `json:"kind"`
	Entry Entry      `json:"entry"`
}

// Wire error codes for the registry RPC surface.
const (
	CodeDuplicateRegistration = "duplicate-registration"
	CodeNotFound              = "not-found"
)

// RegisterRequest is the register RPC input.
type RegisterRequest struct {
	Address string `json:"address"`
	Host    string `json:"host"`
	Class   string `json:"class"`
}

// RegisterResponse carries the registration id assigned to the entry.
type RegisterResponse struct {
	RegistrationID string `json:"registrationId"`
}

// HeartbeatRequest is the heartbeat RPC input.
type HeartbeatRequest struct {
	Address string `json:"address"`
	// Detail optionally carries the agent's self-reported status fields.
	Detail map[string]any `json:"detail,omitempty"`
}

// DeregisterRequest is the deregister RPC input.
type DeregisterRequest struct {
	Address string `json:"address"`
}

// Filter selects directory entries for Resolve.  Zero-value fields match
// everything.
type Filter struct {
	InstanceID   string `json:"instanceId,omitempty"`
	Class        string `json:"class,omitempty"`
	Host         string `json:"host,omitempty"`
	IncludeStale bool   `json:"includeStale,omitempty"`
}

// ResolveResponse is the resolve RPC output.
type ResolveResponse struct {
	Entries []Entry `json:"entries"`
}

// RPC operation suffixes appended to the registry's canonical address.
const (
	OpRegister   = "register"
	OpHeartbeat  = "heartbeat"
	OpDeregister = "deregister"
	OpResolve    = "resolve"
)
