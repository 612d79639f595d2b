// Package versions decides whether a node is running the recommended build.
// Comparison is by image digest, never by tag: tags move, digests do not.
package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// DefaultCacheTTL bounds how stale a cached digest mapping can get. Digest
// mappings are immutable once published, so a long TTL is safe.
const DefaultCacheTTL = 10 * time.Minute

const cacheKeyPrefix = "ivynet:version_digest:"

// Store is the catalog the matcher reads.
type Store interface {
	LookupVersionDigest(ctx context.Context, digest string) (models.VersionDigest, error)
	GetRecommendedVersion(ctx context.Context, nodeType, chain string) (models.RecommendedVersion, error)
}

type Matcher struct {
	store  Store
	cache  *goredis.Client
	ttl    time.Duration
	sf     singleflight.Group
	logger *logrus.Logger
	now    func() time.Time
}

// NewMatcher builds a matcher. cache may be nil, in which case every lookup
// hits the catalog.
func NewMatcher(catalog Store, cache *goredis.Client, logger *logrus.Logger) *Matcher {
	return &Matcher{
		store:  catalog,
		cache:  cache,
		ttl:    DefaultCacheTTL,
		logger: logger,
		now:    time.Now,
	}
}

// ResolveDigest maps an image digest to its published node type and version.
// Lookups are read-through cached and single-flighted, so a fleet reporting
// the same image simultaneously costs one catalog query.
func (m *Matcher) ResolveDigest(ctx context.Context, digest string) (models.VersionDigest, error) {
	if digest == "" {
		return models.VersionDigest{}, store.ErrNotFound
	}

	if v, ok := m.cacheGet(ctx, digest); ok {
		return v, nil
	}

	result, err, _ := m.sf.Do(digest, func() (interface{}, error) {
		if v, ok := m.cacheGet(ctx, digest); ok {
			return v, nil
		}
		v, err := m.store.LookupVersionDigest(ctx, digest)
		if err != nil {
			return models.VersionDigest{}, err
		}
		m.cacheSet(ctx, digest, v)
		return v, nil
	})
	if err != nil {
		return models.VersionDigest{}, err
	}
	return result.(models.VersionDigest), nil
}

func (m *Matcher) cacheGet(ctx context.Context, digest string) (models.VersionDigest, bool) {
	if m.cache == nil {
		return models.VersionDigest{}, false
	}
	raw, err := m.cache.Get(ctx, cacheKeyPrefix+digest).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			m.logger.WithError(err).Warn("Version cache read failed")
		}
		return models.VersionDigest{}, false
	}
	var v models.VersionDigest
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.VersionDigest{}, false
	}
	return v, true
}

func (m *Matcher) cacheSet(ctx context.Context, digest string, v models.VersionDigest) {
	if m.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, cacheKeyPrefix+digest, raw, m.ttl).Err(); err != nil {
		m.logger.WithError(err).Warn("Version cache write failed")
	}
}

// Verdict is the matcher's answer for one node.
type Verdict struct {
	Status models.UpdateStatus
	// Current is the resolved identity of what the node runs, zero when the
	// digest is not in the catalog.
	Current models.VersionDigest
	// Recommended is the advisory compared against, zero when none exists
	// for the node type.
	Recommended models.RecommendedVersion
}

// Check compares a node's reported digest against the advisory for its type.
// Nodes with no digest, an uncataloged digest, or no advisory come back
// unknown rather than outdated; absence of data is not evidence of drift.
func (m *Matcher) Check(ctx context.Context, node models.Node) (Verdict, error) {
	verdict := Verdict{Status: models.UpdateStatusUnknown}

	current, err := m.ResolveDigest(ctx, node.VersionHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return verdict, nil
		}
		return verdict, fmt.Errorf("resolve digest: %w", err)
	}
	verdict.Current = current

	recommended, err := m.store.GetRecommendedVersion(ctx, current.NodeType, node.Chain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return verdict, nil
		}
		return verdict, fmt.Errorf("get recommended version: %w", err)
	}
	verdict.Recommended = recommended

	if current.Digest == recommended.Digest {
		verdict.Status = models.UpdateStatusUpToDate
		return verdict, nil
	}

	verdict.Status = models.UpdateStatusOutdated
	if recommended.BreakingChangeAt != nil && !recommended.BreakingChangeAt.After(m.now()) {
		verdict.Status = models.UpdateStatusCritical
	}
	return verdict, nil
}
