// Package manager exposes instance lifecycle operations of a long-lived
// shim daemon over connect RPC on a unix socket.
package manager

import (
	"time"

	"github.com/buildkite/sandboxshim/internal/instance"
)

const ServiceName = "sandboxshim.manager.v1.ManagerService"

const (
	CreateInstanceProcedure = "/" + ServiceName + "/CreateInstance"
	StartInstanceProcedure  = "/" + ServiceName + "/StartInstance"
	KillInstanceProcedure   = "/" + ServiceName + "/KillInstance"
	DeleteInstanceProcedure = "/" + ServiceName + "/DeleteInstance"
	WaitInstanceProcedure   = "/" + ServiceName + "/WaitInstance"
	ListInstancesProcedure  = "/" + ServiceName + "/ListInstances"
)

type CreateInstanceRequest struct {
	// ID is generated when empty.
	ID     string          `json:"id,omitempty"`
	Config instance.Config `json:"config"`
}

type CreateInstanceResponse struct {
	ID string `json:"id"`
}

type StartInstanceRequest struct {
	ID string `json:"id"`
}

type StartInstanceResponse struct {
	Pid uint32 `json:"pid"`
}

type KillInstanceRequest struct {
	ID     string `json:"id"`
	Signal uint32 `json:"signal"`
}

type KillInstanceResponse struct{}

type DeleteInstanceRequest struct {
	ID string `json:"id"`
}

type DeleteInstanceResponse struct {
	Exited   bool      `json:"exited"`
	ExitCode uint32    `json:"exit_code"`
	ExitedAt time.Time `json:"exited_at,omitempty"`
}

type WaitInstanceRequest struct {
	ID string `json:"id"`
	// TimeoutMillis < 0 waits until the instance exits or the call is
	// cancelled.
	TimeoutMillis int64 `json:"timeout_millis"`
}

type WaitInstanceResponse struct {
	ExitCode uint32    `json:"exit_code"`
	ExitedAt time.Time `json:"exited_at"`
}

type ListInstancesRequest struct{}

type ListInstancesResponse struct {
	Instances []InstanceInfo `json:"instances"`
}

type InstanceInfo struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Bundle    string    `json:"bundle"`
	State     string    `json:"state"`
	Pid       uint32    `json:"pid,omitempty"`
	ExitCode  *uint32   `json:"exit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
