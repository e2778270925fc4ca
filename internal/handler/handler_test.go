package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/auth"
	"github.com/honeynil/ReferralCreditService/internal/models"
	"github.com/honeynil/ReferralCreditService/internal/repository/memory"
	service "github.com/honeynil/ReferralCreditService/internal/services"
	pkgerrors "github.com/honeynil/ReferralCreditService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "secret"

type testServer struct {
	router *mux.Router
	store  *memory.MemoryStore
}

// newTestServer wires the handler on the memory store. Protected routes
// trust the X-User-ID header so tests can act as any account.
func newTestServer() *testServer {
	store := memory.NewMemoryStore()
	registry := service.NewReferralRegistry(store)
	engine := service.NewSettlementEngine(store, service.SettlementConfig{ReferralCredit: 2, PurchaseCredit: 2, MaxRetries: 3}, nil, nil)
	h := NewHandler(
		service.NewAccountService(store, registry, nil, nil, testSecret, time.Hour),
		service.NewPurchaseService(store, engine, nil),
		service.NewLedgerView(store, registry, nil),
	)

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	h.RegisterPublicRoutes(api)
	h.RegisterLookupRoutes(api)
	protected := api.NewRoute().Subrouter()
	protected.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64); err == nil {
				r = r.WithContext(auth.WithUserID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.RegisterProtectedRoutes(protected)
	return &testServer{router: r, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *testServer) register(t *testing.T, email, name, code string) *models.Account {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/register", 0, map[string]string{
		"email":         email,
		"password":      "secret1",
		"name":          name,
		"referral_code": code,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[service.AuthResult](t, rec)
	assert.NotEmpty(t, res.Token)
	return res.Account
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodGet, "/api/health", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	s := newTestServer()
	alice := s.register(t, "alice@example.com", "Alice", "")

	t.Run("duplicate email", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/auth/register", 0, map[string]string{
			"email": "alice@example.com", "password": "secret1", "name": "Alice",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid input", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/auth/register", 0, map[string]string{
			"email": "bad", "password": "secret1", "name": "Bad",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("login", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/auth/login", 0, map[string]string{
			"email": "alice@example.com", "password": "secret1",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[service.AuthResult](t, rec)
		assert.Equal(t, alice.ID, res.Account.ID)
		assert.NotContains(t, rec.Body.String(), "password")
	})

	t.Run("bad credentials", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/auth/login", 0, map[string]string{
			"email": "alice@example.com", "password": "nope",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("me", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/auth/me", alice.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), alice.ReferralCode)

		rec = s.do(t, http.MethodGet, "/api/auth/me", 0, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("logout", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/auth/logout", alice.ID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandler_ReferralFlow(t *testing.T) {
	s := newTestServer()
	alice := s.register(t, "alice@example.com", "Alice", "")
	bob := s.register(t, "bob@example.com", "Bob", alice.ReferralCode)
	require.NotNil(t, bob.ReferredBy)

	rec := s.do(t, http.MethodPost, "/api/purchases", bob.ID, map[string]any{
		"product_name": "Desk lamp",
		"amount":       "24.99",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	outcome := decode[service.PurchaseOutcome](t, rec)
	require.NotNil(t, outcome.Settlement)
	assert.Equal(t, models.ReasonCreditsAwarded, outcome.Settlement.Reason)

	rec = s.do(t, http.MethodPost, "/api/purchases/"+strconv.FormatInt(outcome.Purchase.ID, 10)+"/settle", bob.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ReasonAlreadyProcessed, decode[models.SettlementResult](t, rec).Reason)

	rec = s.do(t, http.MethodPost, "/api/purchases/"+strconv.FormatInt(outcome.Purchase.ID, 10)+"/settle", alice.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/purchases/999/settle", bob.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/purchases", bob.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]models.Purchase](t, rec)["purchases"], 1)

	rec = s.do(t, http.MethodGet, "/api/dashboard/stats", alice.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dashboard := decode[models.Dashboard](t, rec)
	assert.Equal(t, int64(2), dashboard.Account.CreditBalance)
	assert.Equal(t, "100.0", dashboard.Stats.ConversionRate)

	rec = s.do(t, http.MethodGet, "/api/referrals/stats", alice.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[models.ReferralStats](t, rec).ConvertedReferrals)

	rec = s.do(t, http.MethodGet, "/api/credits?limit=5&offset=0", bob.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[models.CreditHistory](t, rec)
	assert.True(t, history.Consistent)
	assert.Len(t, history.Transactions, 1)

	rec = s.do(t, http.MethodGet, "/api/credits?limit=abc", bob.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PurchaseValidation(t *testing.T) {
	s := newTestServer()
	carol := s.register(t, "carol@example.com", "Carol", "")

	rec := s.do(t, http.MethodPost, "/api/purchases", carol.ID, map[string]any{"product_name": "Pen", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/purchases", carol.ID, map[string]any{"product_name": "Pe", "amount": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PublicLookups(t *testing.T) {
	s := newTestServer()
	alice := s.register(t, "alice@example.com", "Alice", "")

	rec := s.do(t, http.MethodGet, "/api/referrals/validate/"+alice.ReferralCode, 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	validation := decode[models.CodeValidation](t, rec)
	assert.True(t, validation.Valid)
	assert.Equal(t, "Alice", validation.ReferrerName)

	rec = s.do(t, http.MethodGet, "/api/referrals/validate/NOBODY000", 0, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode[models.CodeValidation](t, rec).Valid)

	rec = s.do(t, http.MethodGet, "/api/referrals/details/"+alice.ReferralCode, 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "alice@example.com")
	assert.NotContains(t, rec.Body.String(), "credit")

	rec = s.do(t, http.MethodGet, "/api/referrals/details/NOBODY000", 0, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UnexpectedErrorsAreHidden(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)

	h.writeServiceError(rec, req, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestHandler_ConflictCarriesRetryHint(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/purchases", nil)

	h.writeServiceError(rec, req, fmt.Errorf("settle: %w", pkgerrors.ErrTransactionConflict))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, decode[errorResponse](t, rec).Retry)
}
