package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopsage/sessiond/internal/application/reconcile"
	appSession "github.com/shopsage/sessiond/internal/application/session"
	"github.com/shopsage/sessiond/internal/call"
	"github.com/shopsage/sessiond/internal/domain/policy"
	"github.com/shopsage/sessiond/internal/infrastructure/sse"
	"github.com/shopsage/sessiond/internal/ledger/devnet"
	"github.com/shopsage/sessiond/internal/record"
)

const testSecret = "test-secret"

func newTestStack(t *testing.T) (http.Handler, *devnet.Client, *sse.Hub) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ledgerClient := devnet.NewClient(devnet.NewLocal(), priv)

	store := record.NewMemoryStore()
	calls := call.NewMemoryProvisioner()
	engine := reconcile.NewEngine(ledgerClient, store, calls, reconcile.Config{
		PollInterval:  time.Hour,
		LeafTimeout:   time.Second,
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(engine.Close)

	refunds, err := policy.NewRefundPolicy("")
	require.NoError(t, err)
	svc := appSession.NewService(engine, ledgerClient, store, calls, refunds, zerolog.Nop())

	hub := sse.NewHub()
	server := NewServer(svc, hub, testSecret, zerolog.Nop())
	return server.Router(), ledgerClient, hub
}

func tokenFor(t *testing.T, userRef string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userRef,
		"name": userRef,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, router http.Handler, method, path, userRef string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userRef != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userRef))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	router, _, _ := newTestStack(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionsRequireAuth(t *testing.T) {
	router, _, _ := newTestStack(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestRejectsTokenSignedWithOtherSecret(t *testing.T) {
	router, _, _ := newTestStack(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "shopper-1"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccessTokenQueryParamAccepted(t *testing.T) {
	router, _, _ := newTestStack(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/sessions?access_token="+tokenFor(t, "shopper-1"), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func createViaAPI(t *testing.T, router http.Handler, ledgerClient *devnet.Client) string {
	t.Helper()
	require.NoError(t, ledgerClient.Faucet(context.Background(), "shopper-1", 100000))
	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", "shopper-1", map[string]any{
		"expertRef": "expert-1",
		"amount":    5000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func TestFullSessionLifecycleOverHTTP(t *testing.T) {
	router, ledgerClient, _ := newTestStack(t)
	id := createViaAPI(t, router, ledgerClient)

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/"+id+"/start", "expert-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "ACTIVE", view.Status)

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions/"+id, "shopper-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "ACTIVE", view.Status)

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/"+id+"/end", "expert-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "COMPLETED", view.Status)

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions", "shopper-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 1)
}

func TestStartByShopperIsForbidden(t *testing.T) {
	router, ledgerClient, _ := newTestStack(t)
	id := createViaAPI(t, router, ledgerClient)

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/"+id+"/start", "shopper-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndPendingSessionConflicts(t *testing.T) {
	router, ledgerClient, _ := newTestStack(t)
	id := createViaAPI(t, router, ledgerClient)

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/"+id+"/end", "expert-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransitionAfterTerminalConflicts(t *testing.T) {
	router, ledgerClient, _ := newTestStack(t)
	id := createViaAPI(t, router, ledgerClient)

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/"+id+"/cancel", "shopper-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/"+id+"/start", "expert-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownSessionIs404(t *testing.T) {
	router, _, _ := newTestStack(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/0c6f9f50-9aae-49e2-9c22-a7a0ad92c8c0/start", "expert-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions/0c6f9f50-9aae-49e2-9c22-a7a0ad92c8c0", "expert-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedSessionIDIs400(t *testing.T) {
	router, _, _ := newTestStack(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/sessions/not-a-uuid", "expert-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionRejectsUnknownFields(t *testing.T) {
	router, _, _ := newTestStack(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", "shopper-1", map[string]any{
		"expertRef": "expert-1",
		"amount":    5000,
		"bogus":     true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncSessionEndpoint(t *testing.T) {
	router, ledgerClient, _ := newTestStack(t)
	id := createViaAPI(t, router, ledgerClient)

	rec := doJSON(t, router, http.MethodGet, "/v1/sessions/"+id+"/sync", "shopper-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		LedgerState *string  `json:"ledgerState"`
		RecordState *string  `json:"recordState"`
		Conflicts   []string `json:"conflicts"`
		Success     bool     `json:"success"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	require.NotNil(t, res.LedgerState)
	assert.Equal(t, "PENDING", *res.LedgerState)
	assert.Empty(t, res.Conflicts)
}

func TestSharedClientIDDoesNotDisplaceOtherUsersStream(t *testing.T) {
	router, _, hub := newTestStack(t)

	openStream := func(userRef string) context.CancelFunc {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/events?client_id=shared", nil).WithContext(ctx)
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userRef))
		go router.ServeHTTP(httptest.NewRecorder(), req)
		return cancel
	}

	cancelA := openStream("shopper-1")
	defer cancelA()
	cancelB := openStream("expert-1")
	defer cancelB()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 registered streams, got %d", hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Dropping one user's stream must not tear down the other's.
	cancelB()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 registered stream after disconnect, got %d", hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
