package chainevents

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type entryKey struct{ avs, operator, chain string }

type memChain struct {
	mu       sync.Mutex
	entries  map[entryKey]models.ActiveSetEntry
	metadata map[string]models.EigenAvsMetadata
	cursors  map[string]uint64
	machines map[string][]uuid.UUID
	orgs     map[string][]int64
}

func newMemChain() *memChain {
	return &memChain{
		entries:  map[entryKey]models.ActiveSetEntry{},
		metadata: map[string]models.EigenAvsMetadata{},
		cursors:  map[string]uint64{},
		machines: map[string][]uuid.UUID{},
		orgs:     map[string][]int64{},
	}
}

func (m *memChain) ApplyActiveSetEvent(_ context.Context, ev models.ActiveSetEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey{ev.AvsAddress, ev.OperatorAddress, ev.Chain}
	if cur, ok := m.entries[key]; ok && !ev.Supersedes(cur) {
		return false, nil
	}
	m.entries[key] = models.ActiveSetEntry{
		AvsAddress:      ev.AvsAddress,
		OperatorAddress: ev.OperatorAddress,
		Chain:           ev.Chain,
		Active:          ev.Active,
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
	}
	return true, nil
}

func (m *memChain) UpsertEigenAvsMetadata(_ context.Context, meta models.EigenAvsMetadata) (store.MetadataOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := meta.AvsAddress + "/" + meta.Chain
	cur, ok := m.metadata[key]
	if ok && (cur.BlockNumber > meta.BlockNumber ||
		(cur.BlockNumber == meta.BlockNumber && cur.LogIndex >= meta.LogIndex)) {
		return store.MetadataUnchanged, nil
	}
	m.metadata[key] = meta
	if ok {
		return store.MetadataUpdated, nil
	}
	return store.MetadataInserted, nil
}

func (m *memChain) SaveScannerCursor(_ context.Context, chain string, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blockNumber > m.cursors[chain] {
		m.cursors[chain] = blockNumber
	}
	return nil
}

func (m *memChain) GetScannerCursor(_ context.Context, chain string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[chain], nil
}

func (m *memChain) MachinesByOperator(_ context.Context, operatorAddress, chain string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machines[operatorAddress+"/"+chain], nil
}

func (m *memChain) OrganizationsByAvs(_ context.Context, avsAddress, chain string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orgs[avsAddress+"/"+chain], nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	raised []models.ActiveAlert
}

func (a *recordingAlerter) Activate(_ context.Context, orgID int64, machineID uuid.UUID, alert models.Alert) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = append(a.raised, models.NewActiveAlert(orgID, machineID, alert, time.Now()))
	return true, nil
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

const testToken = "scanner-secret"

func newTestRouter(st *memChain, alerter *recordingAlerter, touches *touchRecorder) *gin.Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	h := NewHandlers(st, alerter, touches, logger)
	router := gin.New()
	h.RegisterRoutes(router, testToken)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServiceTokenRequired(t *testing.T) {
	router := newTestRouter(newMemChain(), &recordingAlerter{}, &touchRecorder{})

	if w := doJSON(t, router, http.MethodGet, "/v1/latest-block?chain=mainnet", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/v1/latest-block?chain=mainnet", nil, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", w.Code)
	}
}

func TestLatestBlock(t *testing.T) {
	st := newMemChain()
	st.cursors["mainnet"] = 1234
	router := newTestRouter(st, &recordingAlerter{}, &touchRecorder{})

	w := doJSON(t, router, http.MethodGet, "/v1/latest-block?chain=mainnet", nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp models.LatestBlock
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BlockNumber != 1234 || resp.Chain != "mainnet" {
		t.Errorf("latest block = %+v", resp)
	}

	// An unscanned chain reports zero rather than an error.
	w = doJSON(t, router, http.MethodGet, "/v1/latest-block?chain=holesky", nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BlockNumber != 0 {
		t.Errorf("unscanned chain block = %d, want 0", resp.BlockNumber)
	}
}

func TestRegistrationEventsAdvanceAndDropStale(t *testing.T) {
	st := newMemChain()
	machineID := uuid.New()
	st.machines["0xoperator/mainnet"] = []uuid.UUID{machineID}
	touches := &touchRecorder{}
	router := newTestRouter(st, &recordingAlerter{}, touches)

	newer := models.ActiveSetEvent{
		AvsAddress: "0xavs", OperatorAddress: "0xoperator", Chain: "mainnet",
		Active: true, BlockNumber: 100, LogIndex: 5,
	}
	stale := newer
	stale.Active = false
	stale.LogIndex = 2

	body := map[string]any{"events": []models.ActiveSetEvent{newer, stale}}
	w := doJSON(t, router, http.MethodPost, "/v1/registration-events", body, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Received int `json:"received"`
		Applied  int `json:"applied"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Received != 2 || resp.Applied != 1 {
		t.Errorf("received/applied = %d/%d, want 2/1", resp.Received, resp.Applied)
	}

	entry := st.entries[entryKey{"0xavs", "0xoperator", "mainnet"}]
	if !entry.Active || entry.LogIndex != 5 {
		t.Errorf("stale event regressed the entry: %+v", entry)
	}
	if st.cursors["mainnet"] != 100 {
		t.Errorf("cursor = %d, want 100", st.cursors["mainnet"])
	}
	if len(touches.touched) != 1 || touches.touched[0] != machineID {
		t.Errorf("touches = %v, want the operator's machine once", touches.touched)
	}
}

func TestMetadataEventsRaiseTenantAlerts(t *testing.T) {
	st := newMemChain()
	st.orgs["0xavs/mainnet"] = []int64{7, 9}
	alerter := &recordingAlerter{}
	router := newTestRouter(st, alerter, &touchRecorder{})

	ev := models.MetadataURIEvent{
		AvsAddress: "0xavs", Chain: "mainnet", BlockNumber: 50, LogIndex: 1,
		MetadataURI: "https://avs.example/metadata.json",
		Metadata:    models.AvsMetadata{Name: "Example AVS"},
	}

	// First announcement: a brand new AVS.
	body := map[string]any{"events": []models.MetadataURIEvent{ev}}
	if w := doJSON(t, router, http.MethodPost, "/v1/metadata-uri-events", body, testToken); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(alerter.raised) != 2 {
		t.Fatalf("raised %d alerts, want one per tenant", len(alerter.raised))
	}
	for _, a := range alerter.raised {
		if a.Alert.Kind != models.KindNewEigenAvs {
			t.Errorf("kind = %s, want NewEigenAvs", a.Alert.Kind)
		}
		if a.MachineID != uuid.Nil {
			t.Error("organization alert should not carry a machine id")
		}
	}

	// A later announcement for the same AVS is an update.
	ev.BlockNumber = 60
	ev.Metadata.Name = "Example AVS v2"
	alerter.raised = nil
	body = map[string]any{"events": []models.MetadataURIEvent{ev}}
	if w := doJSON(t, router, http.MethodPost, "/v1/metadata-uri-events", body, testToken); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(alerter.raised) != 2 || alerter.raised[0].Alert.Kind != models.KindUpdatedEigenAvs {
		t.Fatalf("second announcement should raise UpdatedEigenAvs per tenant, got %d", len(alerter.raised))
	}

	// A replay of the same block is dropped and alerts nobody.
	alerter.raised = nil
	if w := doJSON(t, router, http.MethodPost, "/v1/metadata-uri-events", body, testToken); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(alerter.raised) != 0 {
		t.Errorf("replayed announcement raised %d alerts", len(alerter.raised))
	}
}
