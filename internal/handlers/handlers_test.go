package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/credits"
	"inkwell/bursar/internal/handlers"
	"inkwell/bursar/internal/ledger/sqlite"
	"inkwell/bursar/internal/pricing"
	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/auth"
	"inkwell/bursar/pkg/llm"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/testutil"
)

const testServiceToken = "svc-test-token"

// testModel is priced at $3/1M input and $15/1M output with the default
// 5.0 markup, so 100k input + 20k output tokens cost exactly 300 credits.
const testModel = "inkwell-prose-1"

type testEnv struct {
	router *gin.Engine
	store  *sqlite.Store
	jwt    *testutil.JWTTestHelper
	deps   handlers.Deps
}

// setLLM re-wires the handlers with a completion provider.
func (env *testEnv) setLLM(p llm.Provider) {
	env.deps.LLM = p
	handlers.Init(env.deps)
}

// newTestEnv stands up the full HTTP surface over an in-memory sqlite
// ledger, mirroring the production route table and middleware chain.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	store, err := sqlite.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open sqlite ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := store.InsertModelPrice(context.Background(), models.ModelPrice{
		ModelID:        testModel,
		InputUSDPer1M:  "3.00",
		OutputUSDPer1M: "15.00",
	}); err != nil {
		t.Fatalf("seed model price: %v", err)
	}

	registry, err := pricing.NewRegistry(store, logger)
	if err != nil {
		t.Fatalf("build pricing registry: %v", err)
	}
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("initial pricing refresh: %v", err)
	}

	svc := credits.NewService(store, registry, logger, nil)

	deps := handlers.Deps{
		Logger:   logger,
		Service:  svc,
		Store:    store,
		Registry: registry,
	}
	handlers.Init(deps)

	jwtHelper := testutil.NewJWTTestHelper()

	router := gin.New()
	api := router.Group("/api")

	protected := api.Group("")
	protected.Use(auth.JWTAuthMiddleware(jwtHelper.Secret))
	{
		protected.GET("/balance", handlers.GetBalance)
		protected.GET("/transactions", handlers.GetTransactions)
		protected.POST("/estimate", handlers.CreateEstimate)
		protected.POST("/completions", handlers.CreateCompletion)
		protected.POST("/checkout", handlers.CreateCheckout)
	}

	admin := api.Group("/admin")
	admin.Use(auth.JWTAuthMiddleware(jwtHelper.Secret), auth.RequireRole("admin", "service"))
	{
		admin.POST("/grant", handlers.GrantCredits)
		admin.POST("/refund", handlers.RefundCredits)
		admin.GET("/pricing", handlers.GetPricing)
		admin.POST("/pricing", handlers.UpsertPricing)
		admin.GET("/users/:user_id/balance", handlers.AdminGetBalance)
		admin.GET("/users/:user_id/transactions", handlers.AdminGetTransactions)
	}

	internalAPI := api.Group("/internal")
	internalAPI.Use(auth.ServiceAuthMiddleware(testServiceToken))
	{
		internalAPI.POST("/usage", handlers.IngestUsage)
		internalAPI.POST("/holds", handlers.CreateHold)
		internalAPI.POST("/holds/:id/finalize", handlers.FinalizeHold)
		internalAPI.POST("/holds/:id/void", handlers.VoidHold)
	}

	router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)
	router.POST("/webhooks/mollie", handlers.HandleMollieWebhook)

	return &testEnv{router: router, store: store, jwt: jwtHelper, deps: deps}
}

func (env *testEnv) request(t *testing.T, method, path string, body interface{}, authorize func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorize != nil {
		authorize(req)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) asUser(t *testing.T, userID string) func(*http.Request) {
	return func(req *http.Request) {
		if err := env.jwt.Authorize(req, userID, "user"); err != nil {
			t.Fatalf("mint user token: %v", err)
		}
	}
}

func (env *testEnv) asAdmin(t *testing.T) func(*http.Request) {
	return func(req *http.Request) {
		if err := env.jwt.Authorize(req, "admin-1", "admin"); err != nil {
			t.Fatalf("mint admin token: %v", err)
		}
	}
}

func asService(req *http.Request) {
	req.Header.Set("X-Service-Token", testServiceToken)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// grant seeds a settled balance through the admin route.
func (env *testEnv) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	w := env.request(t, http.MethodPost, "/api/admin/grant", bursarapi.GrantRequest{
		UserID: userID,
		Amount: amount,
		Reason: "signup_bonus",
	}, env.asAdmin(t))
	if w.Code != http.StatusOK {
		t.Fatalf("grant: status %d: %s", w.Code, w.Body.String())
	}
}

// openHold opens a provisional debit through the internal route and
// returns its transaction id.
func (env *testEnv) openHold(t *testing.T, userID string, amount int64) string {
	t.Helper()
	w := env.request(t, http.MethodPost, "/api/internal/holds", bursarapi.HoldRequest{
		UserID: userID,
		Amount: amount,
		Reason: "chapter_draft",
	}, asService)
	if w.Code != http.StatusOK {
		t.Fatalf("open hold: status %d: %s", w.Code, w.Body.String())
	}
	var resp bursarapi.TransactionResponse
	decodeJSON(t, w, &resp)
	return resp.Transaction.ID
}

func TestBalanceRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/api/balance", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", w.Code)
	}

	expired, err := env.jwt.GenerateExpiredJWT("writer-1", "writer-1@example.com", "user")
	if err != nil {
		t.Fatalf("mint expired token: %v", err)
	}
	w = env.request(t, http.MethodGet, "/api/balance", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+expired)
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status %d, want 401", w.Code)
	}
}

func TestBalanceAndHistoryAfterGrant(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "writer-1", 1000)

	w := env.request(t, http.MethodGet, "/api/balance", nil, env.asUser(t, "writer-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("balance: status %d: %s", w.Code, w.Body.String())
	}
	var balance models.Balance
	decodeJSON(t, w, &balance)
	if balance.Balance != 1000 || balance.Pending != 0 || balance.Available != 1000 {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	w = env.request(t, http.MethodGet, "/api/transactions", nil, env.asUser(t, "writer-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("transactions: status %d: %s", w.Code, w.Body.String())
	}
	var page bursarapi.TransactionsResponse
	decodeJSON(t, w, &page)
	if len(page.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(page.Transactions))
	}
	txn := page.Transactions[0]
	if txn.Type != models.TxnCredit || txn.Amount != 1000 || txn.Reason != "signup_bonus" {
		t.Fatalf("unexpected transaction: %+v", txn)
	}
	if page.HasMore {
		t.Fatal("single row should not page")
	}
}

func TestBalanceIsEmptyForNewAccounts(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/api/balance", nil, env.asUser(t, "brand-new"))
	if w.Code != http.StatusOK {
		t.Fatalf("balance: status %d: %s", w.Code, w.Body.String())
	}
	var balance models.Balance
	decodeJSON(t, w, &balance)
	if balance.Balance != 0 || balance.Available != 0 {
		t.Fatalf("new account should be empty, got %+v", balance)
	}
}

func TestTransactionsRejectsMalformedCursor(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/api/transactions?cursor=not-a-cursor", nil, env.asUser(t, "writer-1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	var resp bursarapi.ErrorResponse
	decodeJSON(t, w, &resp)
	if resp.Code != bursarapi.CodeInvalidRequest {
		t.Fatalf("code %q, want %q", resp.Code, bursarapi.CodeInvalidRequest)
	}
}

func TestTransactionsPaginate(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.grant(t, "writer-1", 10)
	}

	w := env.request(t, http.MethodGet, "/api/transactions?limit=3", nil, env.asUser(t, "writer-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("first page: status %d: %s", w.Code, w.Body.String())
	}
	var first bursarapi.TransactionsResponse
	decodeJSON(t, w, &first)
	if len(first.Transactions) != 3 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("unexpected first page: %d rows, has_more=%v", len(first.Transactions), first.HasMore)
	}

	w = env.request(t, http.MethodGet, "/api/transactions?limit=3&cursor="+first.NextCursor, nil, env.asUser(t, "writer-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("second page: status %d: %s", w.Code, w.Body.String())
	}
	var second bursarapi.TransactionsResponse
	decodeJSON(t, w, &second)
	if len(second.Transactions) != 2 || second.HasMore {
		t.Fatalf("unexpected second page: %d rows, has_more=%v", len(second.Transactions), second.HasMore)
	}

	seen := make(map[string]bool)
	for _, txn := range append(first.Transactions, second.Transactions...) {
		if seen[txn.ID] {
			t.Fatalf("transaction %s appeared on both pages", txn.ID)
		}
		seen[txn.ID] = true
	}
}

func TestEstimateSingleCall(t *testing.T) {
	env := newTestEnv(t)

	// 200k output tokens at $15/1M is $3; with the 5.0 markup that is
	// exactly 1500 credits.
	w := env.request(t, http.MethodPost, "/api/estimate", bursarapi.EstimateRequest{
		OperationType: "completion",
		Model:         testModel,
		MaxTokens:     200000,
	}, env.asUser(t, "writer-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("estimate: status %d: %s", w.Code, w.Body.String())
	}
	var resp bursarapi.EstimateResponse
	decodeJSON(t, w, &resp)
	if resp.CreditsRequired != 1500 {
		t.Fatalf("credits_required = %d, want 1500", resp.CreditsRequired)
	}
	if resp.Breakdown.OutputTokensPerUnit != 200000 {
		t.Fatalf("unexpected breakdown: %+v", resp.Breakdown)
	}
}

func TestEstimateFailsClosedOnUnknownModel(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/estimate", bursarapi.EstimateRequest{
		OperationType: "completion",
		Model:         "not-a-model",
		MaxTokens:     1000,
	}, env.asUser(t, "writer-1"))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", w.Code)
	}
	var resp bursarapi.ErrorResponse
	decodeJSON(t, w, &resp)
	if resp.Code != bursarapi.CodeUnknownModel {
		t.Fatalf("code %q, want %q", resp.Code, bursarapi.CodeUnknownModel)
	}
}

func TestEstimateRequiresModel(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/estimate", bursarapi.EstimateRequest{
		OperationType: "completion",
	}, env.asUser(t, "writer-1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	var resp bursarapi.ErrorResponse
	decodeJSON(t, w, &resp)
	if resp.Code != bursarapi.CodeInvalidRequest {
		t.Fatalf("code %q, want %q", resp.Code, bursarapi.CodeInvalidRequest)
	}
}
