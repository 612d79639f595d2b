package models

import "time"

// VersionDigest maps a container image digest to the node type and semantic
// version it was published as. The catalog is fed by a registry scraper.
type VersionDigest struct {
	Digest    string
	NodeType  string
	Version   string
	CreatedAt time.Time
}

// RecommendedVersion is the current advisory for a (node type, chain) pair:
// the version and digest operators should run, plus an optional deadline
// after which running anything older is a breaking condition. Testnets get
// new builds before mainnet, so the advisory is per chain.
type RecommendedVersion struct {
	NodeType string
	Chain    string
	Version  string
	Digest   string
	// BreakingChangeAt, when set and in the past, escalates an outdated node
	// from NeedsUpdate to NeedsImmediateUpdate.
	BreakingChangeAt *time.Time
	UpdatedAt        time.Time
}

// UpdateStatus is the version matcher's verdict for one node.
type UpdateStatus string

const (
	UpdateStatusUnknown   UpdateStatus = "unknown"
	UpdateStatusUpToDate  UpdateStatus = "up_to_date"
	UpdateStatusOutdated  UpdateStatus = "outdated"
	UpdateStatusCritical  UpdateStatus = "critical"
)
