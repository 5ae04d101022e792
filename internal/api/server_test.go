package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtrackd/subtrack-backend/internal/currency"
	"github.com/subtrackd/subtrack-backend/internal/domain/detect"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
	"github.com/subtrackd/subtrack-backend/internal/service"
)

func newTestServer(t *testing.T, repo *storage.MockRepository) *Server {
	t.Helper()
	converter := currency.NewTableConverter("USD", map[string]float64{"EUR": 1.10})
	engine := service.NewEngine(repo, converter, detect.DefaultConfig(), nil)
	engine.SetClock(func() time.Time {
		return time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	})
	return NewServer(Config{Port: 8080, AllowedOrigins: []string{"*"}}, engine, nil)
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func appleSubscription() *storage.Subscription {
	expected := int64(999)
	return &storage.Subscription{
		ID:               "sub1",
		UserID:           "user1",
		Name:             "Apple TV",
		ExpectedAmount:   &expected,
		ExpectedCurrency: "USD",
		Frequency:        storage.FrequencyMonthly,
		CategoryID:       "cat-tv",
		Active:           true,
		Rules: []storage.MatchingRule{
			{Field: storage.RuleFieldNote, Operator: storage.RuleOpContainsAny, Values: []string{"apple"}},
		},
	}
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, storage.NewMockRepository())

	w := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestServer_DetectCandidates(t *testing.T) {
	repo := storage.NewMockRepository()
	base := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.SaveTransaction(&storage.Transaction{
			ID:           "tx" + string(rune('1'+i)),
			UserID:       "user1",
			AccountID:    "acct1",
			Amount:       999,
			CurrencyCode: "USD",
			Note:         "APPLE.COM/BILL",
			OccurredAt:   base.AddDate(0, i, 0),
			Type:         storage.TransactionTypeExpense,
		}))
	}
	srv := newTestServer(t, repo)

	w := doRequest(t, srv, http.MethodPost, "/api/users/user1/detect", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result detect.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "APPLE.COM/BILL", result.Candidates[0].SuggestedName)
	assert.False(t, result.IsFromCache)
}

func TestServer_MatchTransaction(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveSubscription(appleSubscription()))
	require.NoError(t, repo.SaveTransaction(&storage.Transaction{
		ID:           "tx1",
		UserID:       "user1",
		AccountID:    "acct1",
		Amount:       999,
		CurrencyCode: "USD",
		Note:         "APPLE.COM/BILL",
		OccurredAt:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Type:         storage.TransactionTypeExpense,
	}))
	srv := newTestServer(t, repo)

	w := doRequest(t, srv, http.MethodPost, "/api/transactions/tx1/match", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, true, body["matched"])

	tx, err := repo.GetTransaction("tx1")
	require.NoError(t, err)
	assert.Equal(t, "cat-tv", tx.CategoryID)
}

func TestServer_MatchTransaction_NoWinner(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveTransaction(&storage.Transaction{
		ID:           "tx1",
		UserID:       "user1",
		Amount:       500,
		CurrencyCode: "USD",
		Note:         "GROCERY STORE",
		OccurredAt:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Type:         storage.TransactionTypeExpense,
	}))
	srv := newTestServer(t, repo)

	w := doRequest(t, srv, http.MethodPost, "/api/transactions/tx1/match", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["matched"])
}

func TestServer_MatchTransaction_NotFound(t *testing.T) {
	srv := newTestServer(t, storage.NewMockRepository())

	w := doRequest(t, srv, http.MethodPost, "/api/transactions/missing/match", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_SuggestHistorical(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveSubscription(appleSubscription()))
	require.NoError(t, repo.SaveTransaction(&storage.Transaction{
		ID:           "tx1",
		UserID:       "user1",
		Amount:       999,
		CurrencyCode: "USD",
		Note:         "APPLE.COM/BILL",
		OccurredAt:   time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC),
		Type:         storage.TransactionTypeExpense,
	}))
	srv := newTestServer(t, repo)

	w := doRequest(t, srv, http.MethodGet, "/api/subscriptions/sub1/suggestions?user_id=user1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	txs, ok := body["transactions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, txs, 1)
}

func TestServer_SuggestHistorical_RequiresUserID(t *testing.T) {
	srv := newTestServer(t, storage.NewMockRepository())

	w := doRequest(t, srv, http.MethodGet, "/api/subscriptions/sub1/suggestions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_LinkAndUnlink(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveSubscription(appleSubscription()))
	require.NoError(t, repo.SaveTransaction(&storage.Transaction{
		ID:           "tx1",
		UserID:       "user1",
		Amount:       999,
		CurrencyCode: "USD",
		Note:         "APPLE.COM/BILL",
		OccurredAt:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Type:         storage.TransactionTypeExpense,
	}))
	srv := newTestServer(t, repo)

	link := map[string]interface{}{"user_id": "user1", "transaction_ids": []string{"tx1"}}
	w := doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub1/link", link)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["linked"])

	links := repo.AllLinks()
	require.Len(t, links, 1)
	assert.Equal(t, storage.LinkStatusActive, links[0].Status)

	w = doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub1/unlink", link)
	require.Equal(t, http.StatusOK, w.Code)

	links = repo.AllLinks()
	require.Len(t, links, 1)
	assert.Equal(t, storage.LinkStatusUnlinked, links[0].Status)
}

func TestServer_Link_Conflict(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveSubscription(appleSubscription()))
	other := appleSubscription()
	other.ID = "sub2"
	other.Name = "Apple Music"
	require.NoError(t, repo.SaveSubscription(other))
	require.NoError(t, repo.SaveTransaction(&storage.Transaction{
		ID:           "tx1",
		UserID:       "user1",
		Amount:       999,
		CurrencyCode: "USD",
		Note:         "APPLE.COM/BILL",
		OccurredAt:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Type:         storage.TransactionTypeExpense,
	}))
	srv := newTestServer(t, repo)

	link := map[string]interface{}{"user_id": "user1", "transaction_ids": []string{"tx1"}}
	w := doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub1/link", link)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub2/link", link)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_Link_MissingBody(t *testing.T) {
	srv := newTestServer(t, storage.NewMockRepository())

	w := doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub1/link", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Link_UnknownSource(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveSubscription(appleSubscription()))
	srv := newTestServer(t, repo)

	link := map[string]interface{}{"user_id": "user1", "transaction_ids": []string{"tx1"}, "source": "rulle"}
	w := doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub1/link", link)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, repo.AllLinks())
}

func TestServer_Link_WrongOwner(t *testing.T) {
	repo := storage.NewMockRepository()
	require.NoError(t, repo.SaveSubscription(appleSubscription()))
	srv := newTestServer(t, repo)

	link := map[string]interface{}{"user_id": "user2", "transaction_ids": []string{"tx1"}}
	w := doRequest(t, srv, http.MethodPost, "/api/subscriptions/sub1/link", link)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
