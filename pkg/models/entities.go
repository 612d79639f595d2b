package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is an account's permission level within its organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleReader Role = "reader"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleUser, RoleReader:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Organization is a tenant. Every machine, node, alert and setting hangs off
// an organization id.
type Organization struct {
	ID        int64
	Name      string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Account is a human login within an organization.
type Account struct {
	ID             int64
	OrganizationID int64
	Email          string
	PasswordHash   []byte
	Role           Role
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Client is a telemetry agent identity: the Ethereum address recovered from
// its signatures, bound to an organization.
type Client struct {
	// ClientID is the agent's EIP-55 checksummed Ethereum address.
	ClientID       string
	OrganizationID int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Machine is a host running a client agent. One client may run several
// machines; the machine id is minted by the agent at install time.
type Machine struct {
	MachineID uuid.UUID
	Name      string
	ClientID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MachineFacts is slow-moving hardware and OS inventory for a machine,
// replaced wholesale on each machine-data report.
type MachineFacts struct {
	MachineID       uuid.UUID
	IvynetVersion   string
	UptimeSeconds   uint64
	CPUCores        uint64
	CPUModel        string
	CPUUsagePercent float64
	MemoryTotalGB   float64
	MemoryFreeGB    float64
	DiskTotalGB     float64
	DiskFreeGB      float64
	Disks           []DiskFacts
	OS              string
	KernelVersion   string
	Arch            string
	UpdatedAt       time.Time
}

// DiskFacts is the per-volume breakdown behind the aggregate disk figures.
type DiskFacts struct {
	ID      string  `json:"id"`
	TotalGB float64 `json:"total_gb"`
	FreeGB  float64 `json:"free_gb"`
	UsedGB  float64 `json:"used_gb"`
}

// Node is an AVS/protocol node process running on a machine, identified by
// (machine_id, name).
type Node struct {
	MachineID   uuid.UUID
	Name        string
	NodeType    string
	Chain       string
	Version     string
	// VersionHash is the container image digest the node reports running.
	VersionHash string
	OperatorID  string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HeartbeatTier distinguishes the three liveness signals.
type HeartbeatTier string

const (
	TierClient  HeartbeatTier = "client"
	TierMachine HeartbeatTier = "machine"
	TierNode    HeartbeatTier = "node"
)

// Heartbeat is the last observed liveness timestamp for one entity of a tier.
// Key is the client id, machine id, or "machine_id:node_name" respectively.
type Heartbeat struct {
	Tier     HeartbeatTier
	Key      string
	LastSeen time.Time
}

// NodeKey composes the heartbeat key for a node
func NodeKey(machineID uuid.UUID, nodeName string) string {
	return fmt.Sprintf("%s:%s", machineID, nodeName)
}
