package models

import "time"

// ActiveSetEvent is an operator registration status change observed on chain
// by the scanner. (BlockNumber, LogIndex) orders events within and across
// blocks.
type ActiveSetEvent struct {
	AvsAddress      string `json:"avs_address"`
	OperatorAddress string `json:"operator_address"`
	Chain           string `json:"chain"`
	BlockNumber     uint64 `json:"block_number"`
	LogIndex        uint64 `json:"log_index"`
	Active          bool   `json:"active"`
	// BlockTime is the timestamp of the containing block.
	BlockTime time.Time `json:"block_time"`
}

// ActiveSetEntry is the stored per-(avs, operator, chain) registration state.
type ActiveSetEntry struct {
	AvsAddress      string
	OperatorAddress string
	Chain           string
	Active          bool
	BlockNumber     uint64
	LogIndex        uint64
	UpdatedAt       time.Time
}

// Supersedes reports whether the event is strictly newer than the stored
// entry in (block, log index) order.
func (e ActiveSetEvent) Supersedes(cur ActiveSetEntry) bool {
	if e.BlockNumber != cur.BlockNumber {
		return e.BlockNumber > cur.BlockNumber
	}
	return e.LogIndex > cur.LogIndex
}

// MetadataURIEvent is an AVS metadata URI update observed on chain. The
// scanner resolves the URI and forwards the parsed document alongside.
type MetadataURIEvent struct {
	AvsAddress  string    `json:"avs_address"`
	Chain       string    `json:"chain"`
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint64    `json:"log_index"`
	MetadataURI string    `json:"metadata_uri"`
	BlockTime   time.Time `json:"block_time"`

	Metadata AvsMetadata `json:"metadata"`
}

// AvsMetadata is the document an AVS publishes at its metadata URI.
type AvsMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Website     string `json:"website"`
	Logo        string `json:"logo"`
	Twitter     string `json:"twitter"`
}

// EigenAvsMetadata is the stored metadata record for an AVS, versioned by the
// block that announced it.
type EigenAvsMetadata struct {
	AvsAddress  string
	Chain       string
	BlockNumber uint64
	LogIndex    uint64
	MetadataURI string
	Metadata    AvsMetadata
	UpdatedAt   time.Time
}

// LatestBlock is the scanner's resume cursor for one chain.
type LatestBlock struct {
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number"`
}
