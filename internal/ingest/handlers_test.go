package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/signature"
	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/pkg/auth"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// signDigest produces the R || S || V hex form an agent sends.
func signDigest(t *testing.T, priv *btcec.PrivateKey, digest [32]byte) string {
	t.Helper()
	compact := btcecdsa.SignCompact(priv, digest[:], false)
	wire := make([]byte, 65)
	copy(wire[0:32], compact[1:33])
	copy(wire[32:64], compact[33:65])
	wire[64] = compact[0] - 27
	return "0x" + hex.EncodeToString(wire)
}

// addressOf recovers the signer's own address by round-tripping a signature.
func addressOf(t *testing.T, priv *btcec.PrivateKey) string {
	t.Helper()
	var digest [32]byte
	addr, err := signature.Recover(digest, signDigest(t, priv, digest))
	if err != nil {
		t.Fatalf("recover own address: %v", err)
	}
	return addr
}

type memStore struct {
	mu        sync.Mutex
	accounts  map[string]models.Account
	clients   map[string]int64
	owners    map[uuid.UUID]string
	machines  map[uuid.UUID]string
	metrics   map[string][]models.MetricSample
	nodes     map[string]models.NodeData
	facts     map[uuid.UUID]models.MachineFacts
	nodeTypes []string
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[string]models.Account{},
		clients:  map[string]int64{},
		owners:   map[uuid.UUID]string{},
		machines: map[uuid.UUID]string{},
		metrics:  map[string][]models.MetricSample{},
		nodes:    map[string]models.NodeData{},
		facts:    map[uuid.UUID]models.MachineFacts{},
	}
}

func (s *memStore) MachineOwner(_ context.Context, machineID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[machineID]
	if !ok {
		return "", signature.ErrUnknownMachine
	}
	return owner, nil
}

func (s *memStore) GetAccountByEmail(_ context.Context, email string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	if !ok {
		return models.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *memStore) UpsertClient(_ context.Context, clientID string, organizationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[clientID] = organizationID
	return nil
}

func (s *memStore) RegisterMachine(_ context.Context, machineID uuid.UUID, name, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[machineID] = name
	s.owners[machineID] = clientID
	return nil
}

func (s *memStore) ReplaceMetrics(_ context.Context, machineID uuid.UUID, nodeName string, samples []models.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[models.NodeKey(machineID, nodeName)] = samples
	return nil
}

func (s *memStore) UpsertNode(_ context.Context, machineID uuid.UUID, data models.NodeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[models.NodeKey(machineID, data.Name)] = data
	return nil
}

func (s *memStore) SaveMachineFacts(_ context.Context, facts models.MachineFacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[facts.MachineID] = facts
	return nil
}

func (s *memStore) RenameNode(_ context.Context, machineID uuid.UUID, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NodeKey(machineID, oldName)
	data, ok := s.nodes[key]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.nodes, key)
	data.Name = newName
	s.nodes[models.NodeKey(machineID, newName)] = data
	return nil
}

func (s *memStore) DeleteNode(_ context.Context, machineID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, models.NodeKey(machineID, name))
	return nil
}

func (s *memStore) ListNodeTypes(_ context.Context) ([]string, error) {
	return s.nodeTypes, nil
}

type memLogs struct {
	mu         sync.Mutex
	nodeLogs   []models.NodeLogRecord
	clientLogs []models.ClientLogRecord
}

func (l *memLogs) InsertNodeLogs(_ context.Context, records []models.NodeLogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodeLogs = append(l.nodeLogs, records...)
	return nil
}

func (l *memLogs) InsertClientLogs(_ context.Context, records []models.ClientLogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clientLogs = append(l.clientLogs, records...)
	return nil
}

type memBeats struct {
	mu      sync.Mutex
	observe map[string]time.Time
}

func newMemBeats() *memBeats { return &memBeats{observe: map[string]time.Time{}} }

func (b *memBeats) record(tier models.HeartbeatTier, key string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observe[string(tier)+"/"+key] = at
}

func (b *memBeats) seen(tier models.HeartbeatTier, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.observe[string(tier)+"/"+key]
	return ok
}

func (b *memBeats) ObserveClient(_ context.Context, clientID string, at time.Time) error {
	b.record(models.TierClient, clientID, at)
	return nil
}

func (b *memBeats) ObserveMachine(_ context.Context, machineID uuid.UUID, at time.Time) error {
	b.record(models.TierMachine, machineID.String(), at)
	return nil
}

func (b *memBeats) ObserveNode(_ context.Context, machineID uuid.UUID, nodeName string, at time.Time) error {
	b.record(models.TierNode, models.NodeKey(machineID, nodeName), at)
	return nil
}

type fakeClassifier struct {
	digests map[string]models.VersionDigest
}

func (f *fakeClassifier) ResolveDigest(_ context.Context, digest string) (models.VersionDigest, error) {
	v, ok := f.digests[digest]
	if !ok {
		return models.VersionDigest{}, store.ErrNotFound
	}
	return v, nil
}

type touchRecorder struct {
	mu      sync.Mutex
	touched []uuid.UUID
}

func (r *touchRecorder) Touch(machineID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, machineID)
}

type harness struct {
	router  *gin.Engine
	store   *memStore
	logs    *memLogs
	beats   *memBeats
	touches *touchRecorder
	catalog *fakeClassifier
	priv    *btcec.PrivateKey
	client  string
	machine uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	st := newMemStore()
	logs := &memLogs{}
	beats := newMemBeats()
	touches := &touchRecorder{}
	catalog := &fakeClassifier{digests: map[string]models.VersionDigest{}}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	h := NewHandlers(st, logs, signature.NewVerifier(st), beats, touches, catalog, logger)
	router := gin.New()
	h.RegisterRoutes(router, DefaultInflightCap)

	machineID := uuid.New()
	client := addressOf(t, priv)
	st.owners[machineID] = client
	st.machines[machineID] = "machine-a"

	return &harness{
		router:  router,
		store:   st,
		logs:    logs,
		beats:   beats,
		touches: touches,
		catalog: catalog,
		priv:    priv,
		client:  client,
		machine: machineID,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, machineID uuid.UUID, at time.Time, sig string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMachineID, machineID.String())
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(at.Unix(), 10))

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestMetricsIngestion(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)
	samples := []models.MetricSample{
		{Name: models.MetricRunning, Value: 1},
		{Name: models.MetricPerformance, Value: 92.5, Attributes: map[string]string{"chain": "mainnet"}},
	}

	digest := signature.MetricsDigest(h.machine, "node-a", samples, at)
	body := map[string]any{"node_name": "node-a", "metrics": samples}
	w := h.do(t, http.MethodPost, "/v1/metrics", body, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	if got := h.store.metrics[models.NodeKey(h.machine, "node-a")]; len(got) != 2 {
		t.Errorf("stored %d samples, want 2", len(got))
	}
	if !h.beats.seen(models.TierMachine, h.machine.String()) {
		t.Error("machine watermark not refreshed")
	}
	if !h.beats.seen(models.TierClient, h.client) {
		t.Error("authenticated report should also count as a client beat")
	}
	if !h.beats.seen(models.TierNode, models.NodeKey(h.machine, "node-a")) {
		t.Error("node watermark not refreshed")
	}
	if len(h.touches.touched) != 1 || h.touches.touched[0] != h.machine {
		t.Errorf("touches = %v, want one for the machine", h.touches.touched)
	}
}

func TestWrongSignerIsRejectedWithoutWrites(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)
	samples := []models.MetricSample{{Name: models.MetricRunning, Value: 1}}

	intruder, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	digest := signature.MetricsDigest(h.machine, "node-a", samples, at)
	body := map[string]any{"node_name": "node-a", "metrics": samples}
	w := h.do(t, http.MethodPost, "/v1/metrics", body, h.machine, at, signDigest(t, intruder, digest))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	if len(h.store.metrics) != 0 {
		t.Error("rejected request still wrote metrics")
	}
	if len(h.touches.touched) != 0 {
		t.Error("rejected request still triggered rule evaluation")
	}
	if h.beats.seen(models.TierMachine, h.machine.String()) {
		t.Error("rejected request still refreshed the machine watermark")
	}
}

func TestTamperedBodyIsRejected(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)
	signed := []models.MetricSample{{Name: models.MetricRunning, Value: 1}}
	sent := []models.MetricSample{{Name: models.MetricRunning, Value: 0}}

	digest := signature.MetricsDigest(h.machine, "node-a", signed, at)
	body := map[string]any{"node_name": "node-a", "metrics": sent}
	w := h.do(t, http.MethodPost, "/v1/metrics", body, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestUnknownMachineIs404(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)
	stranger := uuid.New()

	digest := signature.HeartbeatDigest(stranger, models.TierMachine, "", at)
	w := h.do(t, http.MethodPost, "/v1/heartbeat/machine", nil, stranger, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStaleTimestampIsRejected(t *testing.T) {
	h := newHarness(t)
	at := time.Now().Add(-signature.DefaultMaxSkew - time.Minute).UTC()

	digest := signature.HeartbeatDigest(h.machine, models.TierMachine, "", at)
	w := h.do(t, http.MethodPost, "/v1/heartbeat/machine", nil, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRegister(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)

	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	h.store.accounts["ops@example.com"] = models.Account{
		OrganizationID: 42,
		Email:          "ops@example.com",
		PasswordHash:   hash,
	}

	newMachine := uuid.New()
	digest := signature.RegisterDigest(newMachine, "machine-b", at)
	sig := signDigest(t, h.priv, digest)

	t.Run("wrong password", func(t *testing.T) {
		body := map[string]any{"email": "ops@example.com", "password": "wrong", "machine_name": "machine-b"}
		w := h.do(t, http.MethodPost, "/v1/register", body, newMachine, at, sig)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if _, ok := h.store.machines[newMachine]; ok {
			t.Error("failed registration still created the machine")
		}
	})

	t.Run("valid credentials bind the signer", func(t *testing.T) {
		body := map[string]any{"email": "ops@example.com", "password": "hunter2", "machine_name": "machine-b"}
		w := h.do(t, http.MethodPost, "/v1/register", body, newMachine, at, sig)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if h.store.clients[h.client] != 42 {
			t.Errorf("client org = %d, want 42", h.store.clients[h.client])
		}
		if owner := h.store.owners[newMachine]; owner != h.client {
			t.Errorf("machine owner = %s, want %s", owner, h.client)
		}
	})
}

func TestNodeLogsScrapeLevels(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)
	lines := []string{
		"ERROR failed to dial beacon",
		"INFO synced to head",
	}

	digest := signature.LogsDigest(h.machine, "node-a", lines, at)
	body := map[string]any{"node_name": "node-a", "lines": lines}
	w := h.do(t, http.MethodPost, "/v1/logs", body, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	if len(h.logs.nodeLogs) != 2 {
		t.Fatalf("stored %d lines, want 2", len(h.logs.nodeLogs))
	}
	if h.logs.nodeLogs[0].Level != string(models.LevelError) {
		t.Errorf("first line level = %s, want error", h.logs.nodeLogs[0].Level)
	}
	if h.logs.nodeLogs[1].Level != string(models.LevelInfo) {
		t.Errorf("second line level = %s, want info", h.logs.nodeLogs[1].Level)
	}
}

func TestClientHeartbeatUsesVerifiedAddress(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)

	digest := signature.HeartbeatDigest(h.machine, models.TierClient, "", at)
	w := h.do(t, http.MethodPost, "/v1/heartbeat/client", nil, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !h.beats.seen(models.TierClient, h.client) {
		t.Error("client watermark not keyed by the verified address")
	}
}

func TestNameChangeForUnknownNodeIs404(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Truncate(time.Second)

	digest := signature.NameChangeDigest(h.machine, "ghost", "node-b", at)
	body := map[string]any{"old_name": "ghost", "new_name": "node-b"}
	w := h.do(t, http.MethodPost, "/v1/name-change", body, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestNodeTypes(t *testing.T) {
	h := newHarness(t)
	h.store.nodeTypes = []string{"eigenda", "lagrange"}

	req := httptest.NewRequest(http.MethodGet, "/v1/node-types", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		NodeTypes []string `json:"node_types"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.NodeTypes) != 2 {
		t.Errorf("node types = %v", resp.NodeTypes)
	}
}

func TestNodeTypeQueries(t *testing.T) {
	h := newHarness(t)
	h.catalog.digests["sha256:known"] = models.VersionDigest{
		Digest:   "sha256:known",
		NodeType: "eigenda",
		Version:  "1.9.0",
	}
	at := time.Now().UTC().Truncate(time.Second)
	queries := []models.NodeTypeQuery{
		{ContainerName: "da-node", ImageName: "ghcr.io/layr-labs/eigenda:1.9.0", ImageDigest: "sha256:known"},
		{ContainerName: "sidecar", ImageName: "internal/sidecar:latest", ImageDigest: "sha256:mystery"},
	}

	digest := signature.NodeTypeQueriesDigest(h.machine, queries, at)
	body := map[string]any{"queries": queries}
	w := h.do(t, http.MethodPost, "/v1/node-type-queries", body, h.machine, at, signDigest(t, h.priv, digest))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Answers []models.NodeTypeAnswer `json:"answers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []models.NodeTypeAnswer{
		{ContainerName: "da-node", NodeType: "eigenda"},
		{ContainerName: "sidecar", NodeType: models.NodeTypeUnknown},
	}
	if len(resp.Answers) != len(want) {
		t.Fatalf("answers = %v, want %v", resp.Answers, want)
	}
	for i := range want {
		if resp.Answers[i] != want[i] {
			t.Errorf("answer[%d] = %+v, want %+v", i, resp.Answers[i], want[i])
		}
	}
}

func TestInflightLimiter(t *testing.T) {
	router := gin.New()
	release := make(chan struct{})
	started := make(chan struct{})
	router.POST("/slow", InflightLimiter(1), func(c *gin.Context) {
		started <- struct{}{}
		<-release
		c.Status(http.StatusOK)
	})

	machineID := uuid.New().String()
	first := make(chan int)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/slow", nil)
		req.Header.Set(HeaderMachineID, machineID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		first <- w.Code
	}()
	<-started

	// The slot is held; a second request for the same machine must bounce.
	req := httptest.NewRequest(http.MethodPost, "/slow", nil)
	req.Header.Set(HeaderMachineID, machineID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}

	// The same machine id claimed from another address lands in its own
	// bucket, so a spoofed header cannot drain the real agent's slots.
	spoofed := make(chan int)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/slow", nil)
		req.RemoteAddr = "198.51.100.7:4711"
		req.Header.Set(HeaderMachineID, machineID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		spoofed <- w.Code
	}()
	<-started

	// A different machine is unaffected.
	req = httptest.NewRequest(http.MethodPost, "/slow", nil)
	req.Header.Set(HeaderMachineID, uuid.New().String())
	w = httptest.NewRecorder()
	done := make(chan int)
	go func() {
		router.ServeHTTP(w, req)
		done <- w.Code
	}()
	<-started

	close(release)
	if code := <-first; code != http.StatusOK {
		t.Errorf("first request status = %d", code)
	}
	if code := <-spoofed; code != http.StatusOK {
		t.Errorf("same id from another address status = %d", code)
	}
	if code := <-done; code != http.StatusOK {
		t.Errorf("other machine status = %d", code)
	}
}
