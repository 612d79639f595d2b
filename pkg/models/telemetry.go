package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MetricSample is one named measurement from a node or machine. Attributes
// are free-form string labels (chain, operator id, units).
type MetricSample struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Well-known metric names the rule engine consumes.
const (
	MetricRunning       = "running"
	MetricEigenRPS      = "eigen_rpc_request_total"
	MetricPerformance   = "eigen_performance_score"
	MetricCPUUsage      = "cpu_usage"
	MetricMemoryUsage   = "ram_usage"
	MetricDiskUsage     = "disk_usage"
	MetricUptime        = "uptime"
)

// Metric is a persisted metric row, replace-on-write per (machine, node).
type Metric struct {
	MachineID  uuid.UUID
	NodeName   string
	Name       string
	Value      float64
	Attributes map[string]string
	CreatedAt  time.Time
}

// LogLevel classifies a scraped log line.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelUnknown LogLevel = "unknown"
)

// ScrapeLogLevel infers the level from the raw line. Matching is
// case-insensitive on common level markers; unrecognized lines are unknown.
func ScrapeLogLevel(line string) LogLevel {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "ERRO") || strings.Contains(upper, "FATAL") || strings.Contains(upper, "PANIC"):
		return LevelError
	case strings.Contains(upper, "WARNING") || strings.Contains(upper, "WARN"):
		return LevelWarning
	case strings.Contains(upper, "INFO"):
		return LevelInfo
	case strings.Contains(upper, "DEBUG") || strings.Contains(upper, "TRACE"):
		return LevelDebug
	default:
		return LevelUnknown
	}
}

// NodeLogRecord is an append-only log line captured from a node container.
type NodeLogRecord struct {
	MachineID uuid.UUID `ch:"machine_id"`
	NodeName  string    `ch:"node_name"`
	Level     string    `ch:"level"`
	Line      string    `ch:"line"`
	CreatedAt time.Time `ch:"created_at"`
}

// ClientLogRecord is an append-only log line from the client agent itself.
type ClientLogRecord struct {
	ClientID  string    `ch:"client_id"`
	MachineID uuid.UUID `ch:"machine_id"`
	Level     string    `ch:"level"`
	Line      string    `ch:"line"`
	CreatedAt time.Time `ch:"created_at"`
}

// NodeTypeQuery asks what a discovered container is. The agent sends what it
// can see locally; the backend answers from the digest catalog.
type NodeTypeQuery struct {
	ContainerName string `json:"container_name"`
	ImageName     string `json:"image_name"`
	ImageDigest   string `json:"image_digest"`
}

// NodeTypeAnswer is the classification for one queried container. NodeType
// is "unknown" when the digest is not in the catalog; the node is still
// tracked either way.
type NodeTypeAnswer struct {
	ContainerName string `json:"container_name"`
	NodeType      string `json:"node_type"`
}

// NodeTypeUnknown is the classification for digests the catalog has never
// seen.
const NodeTypeUnknown = "unknown"

// NodeData is a node's self-description report. The v1 shape carries only
// name and version; v2 adds type, chain and the image digest.
type NodeData struct {
	Name        string `json:"name"`
	NodeType    string `json:"node_type,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Version     string `json:"version,omitempty"`
	VersionHash string `json:"version_hash,omitempty"`
	OperatorID  string `json:"operator_id,omitempty"`
}
