package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quotadrive/internal/auth"
	"quotadrive/internal/blob"
	"quotadrive/internal/config"
	"quotadrive/internal/domain"
	"quotadrive/internal/metrics"
	"quotadrive/internal/repository"
	"quotadrive/internal/service"
)

type testServer struct {
	handler  http.Handler
	verifier *auth.Verifier
	blobs    *blob.MemoryStorage
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()

	db, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := zap.NewNop()

	quotas := repository.NewStorageQuotaRepository(db, logger, m)
	files := repository.NewFileRepository(db)
	blobs := blob.NewMemoryStorage()
	policy, err := domain.NewProvisioningPolicy(domain.DefaultTierAllowances, domain.TierUser)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(config.AuthConfig{JWTSecret: "0123456789abcdef0123"})
	require.NoError(t, err)

	storage := service.NewStorageService(quotas, files, blobs, policy, logger, m)
	admin := service.NewStorageQuotaService(quotas, policy, logger)

	return &testServer{
		handler: NewRouter(RouterConfig{
			Storage:        NewStorageHandler(storage, maxUpload, logger),
			Quota:          NewStorageQuotaHandler(admin, logger),
			Verifier:       verifier,
			Gatherer:       reg,
			AllowedOrigins: []string{"*"},
			RequestTimeout: time.Minute,
			Logger:         logger,
		}),
		verifier: verifier,
		blobs:    blobs,
	}
}

func (s *testServer) token(t *testing.T, owner, tier string) string {
	t.Helper()
	token, err := s.verifier.Sign(auth.Identity{OwnerID: owner, Tier: tier}, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, name, contentType string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestStorageRoutesLifecycle(t *testing.T) {
	srv := newTestServer(t, 100<<20)
	alice := srv.token(t, "alice", domain.TierUser)

	rec := srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/quota", nil), alice)
	require.Equal(t, http.StatusOK, rec.Code)
	quota := decode[domain.QuotaInfo](t, rec)
	assert.Equal(t, int64(5368709120), quota.Total)
	assert.Zero(t, quota.Used)

	rec = srv.do(t, uploadRequest(t, "hello.txt", "text/plain", []byte("hello world")), alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[domain.FileSummary](t, rec)
	assert.Equal(t, "hello.txt", summary.Name)
	assert.Equal(t, "text/plain", summary.ContentType)
	assert.Equal(t, int64(11), summary.SizeBytes)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/files", nil), alice)
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[[]domain.FileSummary](t, rec)
	require.Len(t, files, 1)
	assert.Equal(t, summary.ID, files[0].ID)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/files/"+summary.ID.String()+"/download", nil), alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="hello.txt"`)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/quota", nil), alice)
	assert.Equal(t, int64(11), decode[domain.QuotaInfo](t, rec).Used)

	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/v1/files/"+summary.ID.String(), nil), alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "File deleted successfully", decode[messageResponse](t, rec).Message)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/quota", nil), alice)
	assert.Zero(t, decode[domain.QuotaInfo](t, rec).Used)
	assert.Zero(t, srv.blobs.Len())
}

func TestStorageRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, 100<<20)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/quota", nil),
		httptest.NewRequest(http.MethodGet, "/v1/files", nil),
		uploadRequest(t, "a.txt", "text/plain", []byte("a")),
	} {
		rec := srv.do(t, req, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Unauthorized", decode[messageResponse](t, rec).Message)
	}

	rec := srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/quota", nil), "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadQuotaExceededReturns400(t *testing.T) {
	srv := newTestServer(t, 100<<20)
	admin := srv.token(t, "root", domain.TierAdmin)
	bob := srv.token(t, "bob", domain.TierUser)

	rec := srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/quota", nil), bob)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/v1/quota/limit", strings.NewReader(`{"owner_id":"bob","new_limit":10}`))
	rec = srv.do(t, req, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, uploadRequest(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), 11)), bob)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg := decode[messageResponse](t, rec).Message
	assert.Contains(t, msg, "storage quota exceeded")
	assert.Contains(t, msg, "attempted 11 B")
	assert.Contains(t, msg, "remaining 10 B")

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/files", nil), bob)
	assert.Empty(t, decode[[]domain.FileSummary](t, rec))
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, 1024)
	alice := srv.token(t, "alice", domain.TierUser)

	rec := srv.do(t, uploadRequest(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), 2048)), alice)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[messageResponse](t, rec).Message, "maximum upload size of 1.0 KiB")
	assert.Zero(t, srv.blobs.Len())
}

func TestUploadWithoutFile(t *testing.T) {
	srv := newTestServer(t, 100<<20)
	alice := srv.token(t, "alice", domain.TierUser)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("comment", "no file here"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := srv.do(t, req, alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded", decode[messageResponse](t, rec).Message)

	rec = srv.do(t, httptest.NewRequest(http.MethodPost, "/v1/upload", strings.NewReader("plain")), alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOtherOwnersFilesAreNotFound(t *testing.T) {
	srv := newTestServer(t, 100<<20)
	alice := srv.token(t, "alice", domain.TierUser)
	mallory := srv.token(t, "mallory", domain.TierUser)

	rec := srv.do(t, uploadRequest(t, "secret.txt", "text/plain", []byte("secret")), alice)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[domain.FileSummary](t, rec).ID.String()

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/files/"+id+"/download", nil), mallory)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "File not found", decode[messageResponse](t, rec).Message)

	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/v1/files/"+id, nil), mallory)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, httptest.NewRequest(http.MethodDelete, "/v1/files/not-a-uuid", nil), alice)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/files/"+id+"/download", nil), alice)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	srv := newTestServer(t, 100<<20)
	admin := srv.token(t, "root", domain.TierAdmin)
	carol := srv.token(t, "carol", domain.TierPremium)

	rec := srv.do(t, httptest.NewRequest(http.MethodPut, "/v1/quota/limit", strings.NewReader(`{"owner_id":"carol","new_limit":100}`)), carol)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, uploadRequest(t, "c.txt", "text/plain", bytes.Repeat([]byte("c"), 50)), carol)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "limit below usage", method: http.MethodPut, path: "/v1/quota/limit", body: `{"owner_id":"carol","new_limit":49}`, status: http.StatusBadRequest},
		{name: "negative limit", method: http.MethodPut, path: "/v1/quota/limit", body: `{"owner_id":"carol","new_limit":-1}`, status: http.StatusBadRequest},
		{name: "missing limit", method: http.MethodPut, path: "/v1/quota/limit", body: `{"owner_id":"carol"}`, status: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPut, path: "/v1/quota/limit", body: `{`, status: http.StatusBadRequest},
		{name: "limit ok", method: http.MethodPut, path: "/v1/quota/limit", body: `{"owner_id":"carol","new_limit":50}`, status: http.StatusOK},
		{name: "recalculate", method: http.MethodPost, path: "/v1/quota/recalculate", body: `{"owner_id":"carol"}`, status: http.StatusOK},
		{name: "recalculate unknown", method: http.MethodPost, path: "/v1/quota/recalculate", body: `{"owner_id":"nobody"}`, status: http.StatusNotFound},
		{name: "recalculate missing owner", method: http.MethodPost, path: "/v1/quota/recalculate", body: `{}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)), admin)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/quota", nil), carol)
	quota := decode[domain.QuotaInfo](t, rec)
	assert.Equal(t, int64(50), quota.Total)
	assert.Equal(t, int64(50), quota.Used)
	assert.Zero(t, quota.Remaining)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, 100<<20)
	alice := srv.token(t, "alice", domain.TierUser)

	rec := srv.do(t, uploadRequest(t, "m.txt", "text/plain", []byte("metrics")), alice)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `quotadrive_uploads_total{result="ok"} 1`)
	assert.Contains(t, string(body), "quotadrive_uploaded_bytes_total 7")
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="report.pdf"; filename*=UTF-8''report.pdf`, contentDisposition("report.pdf"))
	assert.Equal(t, `attachment; filename="_.txt"; filename*=UTF-8''%D1%8F.txt`, contentDisposition("я.txt"))
	assert.Equal(t, `attachment; filename="a_b_.txt"; filename*=UTF-8''a%22b%22.txt`, contentDisposition(`a"b".txt`))
}
