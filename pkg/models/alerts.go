package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertKind identifies an alert condition. The numeric values are stable:
// they index the per-organization alert_flags bitset and are persisted inside
// alert payloads, so they must never be renumbered.
type AlertKind int

const (
	KindCustom                    AlertKind = 1
	KindActiveSetNoDeployment     AlertKind = 2
	KindUnregisteredFromActiveSet AlertKind = 3
	KindMachineNotResponding      AlertKind = 4
	KindNodeNotResponding         AlertKind = 5
	KindNodeNotRunning            AlertKind = 6
	KindNoChainInfo               AlertKind = 7
	KindNoMetrics                 AlertKind = 8
	KindNoOperatorID              AlertKind = 9
	KindHardwareResourceUsage     AlertKind = 10
	KindLowPerformanceScore       AlertKind = 11
	KindNeedsUpdate               AlertKind = 12
	KindNewEigenAvs               AlertKind = 13
	KindUpdatedEigenAvs           AlertKind = 14
	KindNoClientHeartbeat         AlertKind = 15
	KindNoMachineHeartbeat        AlertKind = 16
	KindNoNodeHeartbeat           AlertKind = 17
	KindIdleMachine               AlertKind = 18
	KindNeedsImmediateUpdate      AlertKind = 19
)

// KindCount is the number of defined alert kinds.
const KindCount = 19

var kindNames = map[AlertKind]string{
	KindCustom:                    "Custom",
	KindActiveSetNoDeployment:     "ActiveSetNoDeployment",
	KindUnregisteredFromActiveSet: "UnregisteredFromActiveSet",
	KindMachineNotResponding:      "MachineNotResponding",
	KindNodeNotResponding:         "NodeNotResponding",
	KindNodeNotRunning:            "NodeNotRunning",
	KindNoChainInfo:               "NoChainInfo",
	KindNoMetrics:                 "NoMetrics",
	KindNoOperatorID:              "NoOperatorId",
	KindHardwareResourceUsage:     "HardwareResourceUsage",
	KindLowPerformanceScore:       "LowPerformanceScore",
	KindNeedsUpdate:               "NeedsUpdate",
	KindNewEigenAvs:               "NewEigenAvs",
	KindUpdatedEigenAvs:           "UpdatedEigenAvs",
	KindNoClientHeartbeat:         "NoClientHeartbeat",
	KindNoMachineHeartbeat:        "NoMachineHeartbeat",
	KindNoNodeHeartbeat:           "NoNodeHeartbeat",
	KindIdleMachine:               "IdleMachine",
	KindNeedsImmediateUpdate:      "NeedsImmediateUpdate",
}

func (k AlertKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("AlertKind(%d)", int(k))
}

// ParseAlertKind resolves a kind name back to its enum value
func ParseAlertKind(name string) (AlertKind, error) {
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown alert kind %q", name)
}

// AlertScope selects which active-alert table a kind is stored in.
type AlertScope int

const (
	ScopeOrganization AlertScope = iota
	ScopeMachine
	ScopeNode
)

func (s AlertScope) String() string {
	switch s {
	case ScopeOrganization:
		return "organization"
	case ScopeMachine:
		return "machine"
	default:
		return "node"
	}
}

// Scope returns the storage scope for the kind.
func (k AlertKind) Scope() AlertScope {
	switch k {
	case KindNewEigenAvs, KindUpdatedEigenAvs, KindNoClientHeartbeat:
		return ScopeOrganization
	case KindMachineNotResponding, KindNoMachineHeartbeat, KindHardwareResourceUsage, KindIdleMachine:
		return ScopeMachine
	default:
		return ScopeNode
	}
}

// SendState tracks per-channel delivery outcome for an alert.
type SendState string

const (
	SendStateNone    SendState = "no_send"
	SendStateSuccess SendState = "send_success"
	SendStateFailed  SendState = "send_failed"
)

// CanTransition reports whether moving to next is legal: no_send may move
// anywhere, send_failed may only recover to send_success, and send_success is
// terminal.
func (s SendState) CanTransition(next SendState) bool {
	switch s {
	case SendStateNone:
		return next == SendStateSuccess || next == SendStateFailed
	case SendStateFailed:
		return next == SendStateSuccess
	default:
		return false
	}
}

// AlertFlags is a bitset of enabled alert kinds, bit position = kind id.
// Bit 0 is unused.
type AlertFlags uint64

// Enabled reports whether the kind's bit is set
func (f AlertFlags) Enabled(kind AlertKind) bool {
	if kind < 1 || kind > KindCount {
		return false
	}
	return f&(1<<uint(kind)) != 0
}

// With returns the flags with the kind enabled
func (f AlertFlags) With(kind AlertKind) AlertFlags {
	if kind < 1 || kind > KindCount {
		return f
	}
	return f | (1 << uint(kind))
}

// Without returns the flags with the kind disabled
func (f AlertFlags) Without(kind AlertKind) AlertFlags {
	if kind < 1 || kind > KindCount {
		return f
	}
	return f &^ (1 << uint(kind))
}

// Kinds lists all enabled kinds
func (f AlertFlags) Kinds() []AlertKind {
	var kinds []AlertKind
	for k := AlertKind(1); k <= KindCount; k++ {
		if f.Enabled(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// AllAlertFlags has every defined kind enabled.
func AllAlertFlags() AlertFlags {
	var f AlertFlags
	for k := AlertKind(1); k <= KindCount; k++ {
		f = f.With(k)
	}
	return f
}

// Alert is an alert condition plus its kind-specific payload. Only the fields
// relevant to the kind are populated; the whole struct serializes into the
// alert_data column.
type Alert struct {
	Kind AlertKind `json:"kind"`

	NodeName string `json:"node_name,omitempty"`
	NodeType string `json:"node_type,omitempty"`

	Operator string `json:"operator,omitempty"`

	Resource string  `json:"resource,omitempty"`
	Percent  float64 `json:"percent,omitempty"`

	Performance float64 `json:"performance,omitempty"`

	Metric string  `json:"metric,omitempty"`
	Value  float64 `json:"value,omitempty"`

	CurrentVersion     string `json:"current_version,omitempty"`
	RecommendedVersion string `json:"recommended_version,omitempty"`
	CurrentDigest      string `json:"current_digest,omitempty"`
	RecommendedDigest  string `json:"recommended_digest,omitempty"`

	AvsAddress  string `json:"avs_address,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	LogIndex    uint64 `json:"log_index,omitempty"`
	MetadataURI string `json:"metadata_uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
	Logo        string `json:"logo,omitempty"`
	Twitter     string `json:"twitter,omitempty"`

	ExtraData json.RawMessage `json:"extra_data,omitempty"`
}

// Seed returns the stable portion of the fingerprint: only fields that stay
// constant while the underlying condition persists participate, so the same
// condition re-observed hashes to the same alert id. The kind id is mixed in
// to keep distinct kinds with identical fields apart.
func (a Alert) Seed() string {
	switch a.Kind {
	case KindCustom:
		return fmt.Sprintf("%s-%s-%d", a.NodeName, a.ExtraData, int(a.Kind))
	case KindHardwareResourceUsage:
		return fmt.Sprintf("%s-%d", a.Resource, int(a.Kind))
	case KindNeedsUpdate, KindNeedsImmediateUpdate:
		return fmt.Sprintf("%s-%s-%d", a.NodeName, a.RecommendedDigest, int(a.Kind))
	case KindNewEigenAvs, KindUpdatedEigenAvs:
		return fmt.Sprintf("%s-%d-%d", a.AvsAddress, a.BlockNumber, a.LogIndex)
	case KindNoClientHeartbeat, KindNoMachineHeartbeat, KindNoNodeHeartbeat:
		return fmt.Sprintf("%s-%d", a.NodeName, int(a.Kind))
	case KindLowPerformanceScore:
		return fmt.Sprintf("%s-%s-%d", a.NodeName, a.Metric, int(a.Kind))
	default:
		return fmt.Sprintf("%s-%d", a.NodeName, int(a.Kind))
	}
}

// FingerprintID derives the deterministic alert id from the seed plus the
// scope key, as a v5 UUID in the OID namespace.
func (a Alert) FingerprintID(machineID uuid.UUID, nodeName string) uuid.UUID {
	rep := fmt.Sprintf("%s-%s-%s", a.Seed(), machineID, nodeName)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(rep))
}

// ActiveAlert is a row in one of the active-alert tables.
type ActiveAlert struct {
	AlertID        uuid.UUID
	Alert          Alert
	OrganizationID int64
	ClientID       string
	MachineID      uuid.UUID
	NodeName       string
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
	EmailSend      SendState
	TelegramSend   SendState
	PagerDutySend  SendState
}

// NewActiveAlert builds an active alert with its deterministic id and all
// channel send states at no_send.
func NewActiveAlert(orgID int64, machineID uuid.UUID, alert Alert, now time.Time) ActiveAlert {
	return ActiveAlert{
		AlertID:        alert.FingerprintID(machineID, alert.NodeName),
		Alert:          alert,
		OrganizationID: orgID,
		MachineID:      machineID,
		NodeName:       alert.NodeName,
		CreatedAt:      now.UTC(),
		EmailSend:      SendStateNone,
		TelegramSend:   SendStateNone,
		PagerDutySend:  SendStateNone,
	}
}

// SendStateFor returns the alert's send state for the channel
func (a ActiveAlert) SendStateFor(service ServiceType) SendState {
	switch service {
	case ServiceEmail:
		return a.EmailSend
	case ServiceTelegram:
		return a.TelegramSend
	default:
		return a.PagerDutySend
	}
}

// HistoricalAlert is an alert moved out of the active tables by resolution or
// acknowledgement. Append-only.
type HistoricalAlert struct {
	ActiveAlert
	ResolvedAt time.Time
}
