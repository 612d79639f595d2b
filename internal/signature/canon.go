package signature

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// Canonical message encoding. Every signed request hashes to a keccak256
// digest over a deterministic byte string: a one-byte message tag, the
// machine id, the unix timestamp, then the kind-specific fields, each
// length-prefixed with a 4-byte big-endian count. Map-like fields are sorted
// before encoding so agent and backend agree byte for byte.

// Message tags. Persisted in nothing, but shared with the agent; keep stable.
const (
	tagMetrics     byte = 0x01
	tagNodeDataV1  byte = 0x02
	tagNodeData    byte = 0x03
	tagMachineData byte = 0x04
	tagLogs        byte = 0x05
	tagClientLogs  byte = 0x06
	tagNameChange  byte = 0x07
	tagHeartbeat   byte = 0x08
	tagDeleteNode  byte = 0x09
	tagRegister    byte = 0x0a
	tagTypeQueries byte = 0x0b
)

// metricScale fixes float metric values to three decimal places before
// signing so both sides hash the same integer.
const metricScale = 1000

type canonBuf struct {
	b []byte
}

func (c *canonBuf) bytes(v []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	c.b = append(c.b, n[:]...)
	c.b = append(c.b, v...)
}

func (c *canonBuf) str(v string) { c.bytes([]byte(v)) }

func (c *canonBuf) u64(v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	c.b = append(c.b, n[:]...)
}

func (c *canonBuf) i64(v int64) { c.u64(uint64(v)) }

func (c *canonBuf) boolean(v bool) {
	if v {
		c.b = append(c.b, 1)
	} else {
		c.b = append(c.b, 0)
	}
}

func (c *canonBuf) digest() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(c.b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func newCanon(tag byte, machineID uuid.UUID, at time.Time) *canonBuf {
	c := &canonBuf{}
	c.b = append(c.b, tag)
	c.bytes(machineID[:])
	c.i64(at.Unix())
	return c
}

// scaledValue converts a metric value to its signed fixed-point form
func scaledValue(v float64) int64 {
	return int64(math.Round(v * metricScale))
}

// MetricsDigest canonicalizes a metrics report. Samples are ordered by name
// descending and attributes by key ascending.
func MetricsDigest(machineID uuid.UUID, nodeName string, samples []models.MetricSample, at time.Time) [32]byte {
	sorted := make([]models.MetricSample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name > sorted[j].Name })

	c := newCanon(tagMetrics, machineID, at)
	c.str(nodeName)
	c.u64(uint64(len(sorted)))
	for _, s := range sorted {
		c.str(s.Name)
		c.i64(scaledValue(s.Value))
		keys := make([]string, 0, len(s.Attributes))
		for k := range s.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.u64(uint64(len(keys)))
		for _, k := range keys {
			c.str(k)
			c.str(s.Attributes[k])
		}
	}
	return c.digest()
}

// NodeDataV1Digest canonicalizes the legacy node report, name and version
// only.
func NodeDataV1Digest(machineID uuid.UUID, name, version string, at time.Time) [32]byte {
	c := newCanon(tagNodeDataV1, machineID, at)
	c.str(name)
	c.str(version)
	return c.digest()
}

// NodeDataDigest canonicalizes the full node report.
func NodeDataDigest(machineID uuid.UUID, data models.NodeData, at time.Time) [32]byte {
	c := newCanon(tagNodeData, machineID, at)
	c.str(data.Name)
	c.str(data.NodeType)
	c.str(data.Chain)
	c.str(data.Version)
	c.str(data.VersionHash)
	c.str(data.OperatorID)
	return c.digest()
}

// MachineDataDigest canonicalizes a hardware inventory report.
func MachineDataDigest(machineID uuid.UUID, facts models.MachineFacts, at time.Time) [32]byte {
	c := newCanon(tagMachineData, machineID, at)
	c.str(facts.IvynetVersion)
	c.u64(facts.UptimeSeconds)
	c.u64(facts.CPUCores)
	c.str(facts.CPUModel)
	c.i64(scaledValue(facts.CPUUsagePercent))
	c.i64(scaledValue(facts.MemoryTotalGB))
	c.i64(scaledValue(facts.MemoryFreeGB))
	c.i64(scaledValue(facts.DiskTotalGB))
	c.i64(scaledValue(facts.DiskFreeGB))
	disks := make([]models.DiskFacts, len(facts.Disks))
	copy(disks, facts.Disks)
	sort.Slice(disks, func(i, j int) bool { return disks[i].ID < disks[j].ID })
	c.u64(uint64(len(disks)))
	for _, d := range disks {
		c.str(d.ID)
		c.i64(scaledValue(d.TotalGB))
		c.i64(scaledValue(d.FreeGB))
		c.i64(scaledValue(d.UsedGB))
	}
	c.str(facts.OS)
	c.str(facts.KernelVersion)
	c.str(facts.Arch)
	return c.digest()
}

// LogsDigest canonicalizes a batch of node log lines.
func LogsDigest(machineID uuid.UUID, nodeName string, lines []string, at time.Time) [32]byte {
	c := newCanon(tagLogs, machineID, at)
	c.str(nodeName)
	c.u64(uint64(len(lines)))
	for _, l := range lines {
		c.str(l)
	}
	return c.digest()
}

// ClientLogsDigest canonicalizes a batch of agent log lines.
func ClientLogsDigest(machineID uuid.UUID, lines []string, at time.Time) [32]byte {
	c := newCanon(tagClientLogs, machineID, at)
	c.u64(uint64(len(lines)))
	for _, l := range lines {
		c.str(l)
	}
	return c.digest()
}

// NameChangeDigest canonicalizes a node rename request.
func NameChangeDigest(machineID uuid.UUID, oldName, newName string, at time.Time) [32]byte {
	c := newCanon(tagNameChange, machineID, at)
	c.str(oldName)
	c.str(newName)
	return c.digest()
}

// HeartbeatDigest canonicalizes a heartbeat for any tier. Key is the client
// id, empty for machine heartbeats, or the node name for node heartbeats.
func HeartbeatDigest(machineID uuid.UUID, tier models.HeartbeatTier, key string, at time.Time) [32]byte {
	c := newCanon(tagHeartbeat, machineID, at)
	c.str(string(tier))
	c.str(key)
	return c.digest()
}

// RegisterDigest canonicalizes a machine registration. Signing it proves the
// agent holds the key for the address being bound.
func RegisterDigest(machineID uuid.UUID, machineName string, at time.Time) [32]byte {
	c := newCanon(tagRegister, machineID, at)
	c.str(machineName)
	return c.digest()
}

// NodeTypeQueriesDigest canonicalizes a container classification request.
// Queries are hashed in request order; the answer mirrors that order.
func NodeTypeQueriesDigest(machineID uuid.UUID, queries []models.NodeTypeQuery, at time.Time) [32]byte {
	c := newCanon(tagTypeQueries, machineID, at)
	c.u64(uint64(len(queries)))
	for _, q := range queries {
		c.str(q.ContainerName)
		c.str(q.ImageName)
		c.str(q.ImageDigest)
	}
	return c.digest()
}

// DeleteNodeDigest canonicalizes a node removal request.
func DeleteNodeDigest(machineID uuid.UUID, nodeName string, at time.Time) [32]byte {
	c := newCanon(tagDeleteNode, machineID, at)
	c.str(nodeName)
	return c.digest()
}
