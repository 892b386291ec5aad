package models

import "time"

// InstanceStatus is the lifecycle state of a registered worker instance.
type InstanceStatus string

const (
	InstanceIdle    InstanceStatus = "IDLE"
	InstanceActive  InstanceStatus = "ACTIVE"
	InstanceBusy    InstanceStatus = "BUSY"
	InstanceOffline InstanceStatus = "OFFLINE"
)

// Instance is one registered worker process.
type Instance struct {
	ID            string            `json:"id"`
	Roles         []string          `json:"roles"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	CurrentLoad   int               `json:"current_load"`
	MaxLoad       int               `json:"max_load"`
	Status        InstanceStatus    `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	StartedAt     time.Time         `json:"started_at"`
}

// HasCapacity reports whether the instance can take more work.
func (i *Instance) HasCapacity() bool {
	return i.CurrentLoad < i.MaxLoad
}

// HasRole reports whether the instance serves a specialist kind. Every
// instance serves general work.
func (i *Instance) HasRole(kind SpecialistKind) bool {
	if kind == KindGeneral {
		return true
	}
	for _, r := range i.Roles {
		if r == string(kind) {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the instance covers every required
// capability.
func (i *Instance) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range i.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SpecialistRecord is the per-kind pool entry the assignment script scores.
// Field names are the script-side cjson names.
type SpecialistRecord struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	CurrentLoad   int      `json:"current_load"`
	MaxLoad       int      `json:"max_load"`
	LastHeartbeat int64    `json:"last_heartbeat"`
}
