package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonledger/internal/events"
	jwttoken "carbonledger/internal/jwt_token"
	"carbonledger/internal/platform/metrics"
	"carbonledger/internal/platform/middleware"
	"carbonledger/internal/verification"
	id "carbonledger/pkg/domain"
)

func newVerificationRouter(t *testing.T) (http.Handler, *jwttoken.JWTService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewNop()
	emitter := events.NewEmitter(events.NewMemorySink(), logger, m)
	store := verification.NewInMemoryStore()
	svc := verification.NewService(store, verification.NewMemoryTx(store), emitter, m, logger)

	jwtSvc := jwttoken.NewJWTService("handler-test-key", "carbonledger", "carbonledger-api")
	r := chi.NewRouter()
	r.Group(func(g chi.Router) {
		g.Use(middleware.RequireActor(jwtSvc, logger))
		New(svc, logger).Register(g)
	})
	return r, jwtSvc
}

func bearerFor(t *testing.T, jwtSvc *jwttoken.JWTService, account id.AccountID) string {
	t.Helper()
	token, err := jwtSvc.GenerateActorToken(uuid.UUID(account), time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, router http.Handler, method, path, auth string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestVerificationBearerTokenRequired(t *testing.T) {
	router, _ := newVerificationRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/verification/verifiers", "", map[string]string{"name": "DNV"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerificationEndpoints(t *testing.T) {
	router, jwtSvc := newVerificationRouter(t)
	verifierAuthority := id.NewAccountID()
	developer := id.NewAccountID()
	projectID := uuid.NewString()

	rec := doJSON(t, router, http.MethodPost, "/verification/verifiers",
		bearerFor(t, jwtSvc, verifierAuthority), map[string]string{
			"name":                "TUV SUD",
			"certification_level": "Advanced",
			"accreditation_body":  "UNFCCC",
		})
	require.Equal(t, http.StatusCreated, rec.Code)
	verifier := decodeBody[VerifierResponse](t, rec)
	assert.True(t, verifier.IsActive)

	rec = doJSON(t, router, http.MethodPost, "/verification/requests",
		bearerFor(t, jwtSvc, developer), map[string]any{
			"project":           projectID,
			"verifier":          verifier.ID,
			"verification_type": "Initial",
			"documentation_uri": "https://docs.example.com/VCS-674",
			"estimated_credits": 1000,
		})
	require.Equal(t, http.StatusCreated, rec.Code)
	request := decodeBody[RequestResponse](t, rec)
	assert.Equal(t, "Pending", request.Status)
	assert.Equal(t, developer.String(), request.Requester)

	// Only the accredited verifier's authority may conduct.
	rec = doJSON(t, router, http.MethodPost, "/verification/requests/"+request.ID+"/conduct",
		bearerFor(t, jwtSvc, developer), map[string]any{
			"verified_credits": 1000,
			"notes":            "field audit passed",
			"compliance_score": 95,
			"methodology_used": "VM0007",
		})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/verification/requests/"+request.ID+"/conduct",
		bearerFor(t, jwtSvc, verifierAuthority), map[string]any{
			"verified_credits": 1000,
			"notes":            "field audit passed",
			"compliance_score": 95,
			"methodology_used": "VM0007",
		})
	require.Equal(t, http.StatusCreated, rec.Code)
	result := decodeBody[ResultResponse](t, rec)
	assert.True(t, result.IsValid)
	assert.Equal(t, uint8(95), result.ComplianceScore)

	rec = doJSON(t, router, http.MethodGet, "/verification/projects/"+projectID+"/verified",
		bearerFor(t, jwtSvc, developer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verified := decodeBody[ProjectVerifiedResponse](t, rec)
	assert.True(t, verified.Verified)
}

func TestVerificationErrorEnvelope(t *testing.T) {
	router, jwtSvc := newVerificationRouter(t)
	auth := bearerFor(t, jwtSvc, id.NewAccountID())

	rec := doJSON(t, router, http.MethodGet, "/verification/requests/"+uuid.NewString(), auth, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope := decodeBody[struct {
		Error string `json:"error"`
	}](t, rec)
	assert.Equal(t, "not_found", envelope.Error)
}
