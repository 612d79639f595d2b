package ingest

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// DefaultInflightCap bounds concurrent requests per machine. A wedged or
// malicious agent saturates only its own slots, not the whole listener.
const DefaultInflightCap = 8

type inflight struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func (l *inflight) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] >= l.limit {
		return false
	}
	l.counts[key]++
	return true
}

func (l *inflight) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] <= 1 {
		delete(l.counts, key)
	} else {
		l.counts[key]--
	}
}

// InflightLimiter caps concurrent in-flight requests per (caller address,
// machine id) and answers 429 past the cap. The machine id header is not
// authenticated at this point, so the key includes the client address; a
// caller spoofing another agent's id only drains its own slots. Requests
// without the machine id header pass through; the handler rejects those
// with a 400 anyway.
func InflightLimiter(limit int) gin.HandlerFunc {
	if limit <= 0 {
		limit = DefaultInflightCap
	}
	l := &inflight{limit: limit, counts: make(map[string]int)}

	return func(c *gin.Context) {
		machine := c.GetHeader(HeaderMachineID)
		if machine == "" {
			c.Next()
			return
		}
		key := c.ClientIP() + "|" + machine
		if !l.acquire(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent requests for machine"})
			return
		}
		defer l.release(key)
		c.Next()
	}
}
