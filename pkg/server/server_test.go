//
//  Copyright © Manetu Inc. All rights reserved.
//

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/manetu/flowpilot/pkg/auth"
	"github.com/manetu/flowpilot/pkg/authz"
	"github.com/manetu/flowpilot/pkg/delegation"
	delegationsqlite "github.com/manetu/flowpilot/pkg/delegation/sqlite"
	"github.com/manetu/flowpilot/pkg/manifest"
	"github.com/manetu/flowpilot/pkg/persona"
	personasqlite "github.com/manetu/flowpilot/pkg/persona/sqlite"
	"github.com/manetu/flowpilot/pkg/ruleengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const travelManifest = `
name: travel
rule_package: flowpilot.travel
attributes:
  - name: consent
    type: boolean
    source: persona
    default: false
persona_config:
  persona_titles:
    - title: traveler
      allowed_actions: [read, execute]
  persona_statuses: [active, inactive]
`

func newRegistry(t *testing.T) *manifest.Registry {
	t.Helper()
	dir := t.TempDir()
	sub := filepath.Join(dir, "travel")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, manifest.FileName), []byte(travelManifest), 0o600))

	r, err := manifest.NewRegistry(dir)
	require.NoError(t, err)
	return r
}

func newPersonaService(t *testing.T) *persona.Service {
	t.Helper()
	store, err := personasqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return persona.NewService(store, newRegistry(t), "travel", 0, 0)
}

func newDelegationService(t *testing.T) *delegation.Service {
	t.Helper()
	store, err := delegationsqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return delegation.NewService(store, []string{"read", "execute"}, 0)
}

func do(t *testing.T, e *echo.Echo, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestDelegationLifecycle(t *testing.T) {
	e := newEcho(Options{IncludeErrorDetails: true})
	api := &delegationAPI{service: newDelegationService(t)}
	api.register(e, Options{})

	body := map[string]interface{}{
		"principal_id": "U1",
		"delegate_id":  "U2",
		"workflow_id":  "W1",
		"scope":        []string{"read", "execute"},
		"expires_at":   time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}

	rec := do(t, e, http.MethodPost, "/v1/delegations", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Re-grant merges into the live edge
	rec = do(t, e, http.MethodPost, "/v1/delegations", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var created createDelegationResponse
	decode(t, rec, &created)
	assert.True(t, created.Merged)

	rec = do(t, e, http.MethodGet, "/v1/delegations?principal_id=U1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Delegations []delegation.Edge `json:"delegations"`
	}
	decode(t, rec, &listing)
	require.Len(t, listing.Delegations, 1)
	assert.Equal(t, "U2", listing.Delegations[0].DelegateID)

	rec = do(t, e, http.MethodGet, "/v1/delegations/validate?principal_id=U1&delegate_id=U2&workflow_id=W1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var validation delegation.ValidationResult
	decode(t, rec, &validation)
	assert.True(t, validation.Valid)
	assert.Equal(t, []string{"U1", "U2"}, validation.DelegationChain)

	rec = do(t, e, http.MethodDelete, "/v1/delegations?principal_id=U1&delegate_id=U2&workflow_id=W1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var revocation map[string]bool
	decode(t, rec, &revocation)
	assert.True(t, revocation["revoked"])

	// Idempotent: the second revoke reports false
	rec = do(t, e, http.MethodDelete, "/v1/delegations?principal_id=U1&delegate_id=U2&workflow_id=W1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &revocation)
	assert.False(t, revocation["revoked"])
}

func TestDelegationListRequiresOneSide(t *testing.T) {
	e := newEcho(Options{})
	api := &delegationAPI{service: newDelegationService(t)}
	api.register(e, Options{})

	rec := do(t, e, http.MethodGet, "/v1/delegations?principal_id=U1&delegate_id=U2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersonaLifecycle(t *testing.T) {
	e := newEcho(Options{IncludeErrorDetails: true})
	api := &personaAPI{service: newPersonaService(t)}
	api.register(e, Options{})

	rec := do(t, e, http.MethodPost, "/v1/personas", map[string]interface{}{
		"user_sub":   "U1",
		"title":      "traveler",
		"circle":     "personal",
		"attributes": map[string]interface{}{"consent": true},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created persona.Persona
	decode(t, rec, &created)
	assert.Equal(t, "U1_traveler_personal", created.ID)
	assert.Equal(t, true, created.Attributes["consent"])

	rec = do(t, e, http.MethodGet, "/v1/personas/U1_traveler_personal", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e, http.MethodPatch, "/v1/personas/U1_traveler_personal", map[string]interface{}{
		"status": "inactive",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated persona.Persona
	decode(t, rec, &updated)
	assert.Equal(t, "inactive", updated.Status)

	rec = do(t, e, http.MethodGet, "/v1/users/U1/personas?title=traveler", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var personas []persona.Persona
	decode(t, rec, &personas)
	require.Len(t, personas, 1)

	rec = do(t, e, http.MethodDelete, "/v1/personas/U1_traveler_personal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deletion map[string]bool
	decode(t, rec, &deletion)
	assert.True(t, deletion["deleted"])
}

func TestPersonaActiveEndpoint(t *testing.T) {
	e := newEcho(Options{})
	api := &personaAPI{service: newPersonaService(t)}
	api.register(e, Options{})

	rec := do(t, e, http.MethodGet, "/v1/users/U1/personas/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodPost, "/v1/personas", map[string]interface{}{
		"user_sub": "U1",
		"title":    "traveler",
		"circle":   "personal",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, e, http.MethodGet, "/v1/users/U1/personas/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p persona.Persona
	decode(t, rec, &p)
	assert.Equal(t, "U1_traveler_personal", p.ID)
}

func TestPersonaNotFoundBody(t *testing.T) {
	// Sanitized mode exposes only the error family
	e := newEcho(Options{IncludeErrorDetails: false})
	api := &personaAPI{service: newPersonaService(t)}
	api.register(e, Options{})

	rec := do(t, e, http.MethodGet, "/v1/personas/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "not_found", body["detail"])
}

type allowRules struct{}

func (allowRules) Evaluate(context.Context, string, map[string]interface{}) (*ruleengine.Result, error) {
	return &ruleengine.Result{Allow: true}, nil
}
func (allowRules) Close() error { return nil }

func newEngine(t *testing.T) *authz.Engine {
	t.Helper()
	personaService := newPersonaService(t)
	_, err := personaService.Create(context.Background(), persona.CreateRequest{
		UserSub: "U1", Title: "traveler", Circle: "personal",
		Attributes: map[string]interface{}{"consent": true},
	})
	require.NoError(t, err)

	return authz.NewEngine(newRegistry(t),
		&authz.ServicePersonaSource{Service: personaService},
		&authz.ServiceDelegationSource{Service: newDelegationService(t)},
		allowRules{})
}

func evaluateBody() map[string]interface{} {
	return map[string]interface{}{
		"subject":  map[string]interface{}{"type": "user", "id": "U1", "properties": map[string]interface{}{"persona": "traveler"}},
		"action":   map[string]interface{}{"name": "execute"},
		"resource": map[string]interface{}{"type": "workflow", "id": "W1"},
		"context":  map[string]interface{}{"principal": map[string]interface{}{"id": "U1", "persona": "traveler"}, "policy_hint": "travel"},
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	e := newEcho(Options{})
	api := &authzAPI{engine: newEngine(t)}
	api.register(e, Options{})

	rec := do(t, e, http.MethodPost, "/v1/evaluate", evaluateBody())
	require.Equal(t, http.StatusOK, rec.Code)
	var resp authz.Response
	decode(t, rec, &resp)
	assert.Equal(t, authz.DecisionAllow, resp.Decision)
	assert.NotNil(t, resp.ReasonCodes)
	assert.NotNil(t, resp.Advice)
}

func testKeys(t *testing.T) (privPEM, pubPEM string, priv *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM, priv
}

func TestTokenExchange(t *testing.T) {
	_, idpPubPEM, idpPriv := testKeys(t)
	svcPrivPEM, svcPubPEM, _ := testKeys(t)

	idpVerifier, err := auth.NewVerifier(idpPubPEM, "https://idp", "flowpilot")
	require.NoError(t, err)
	exchanger, err := auth.NewExchanger(svcPrivPEM, "https://flowpilot-authz-api", "flowpilot", 900)
	require.NoError(t, err)

	e := newEcho(Options{})
	api := &authzAPI{engine: newEngine(t), exchange: &ExchangeConfig{Verifier: idpVerifier, Exchanger: exchanger}}
	api.register(e, Options{})

	idpToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "U1",
		Issuer:    "https://idp",
		Audience:  jwt.ClaimStrings{"flowpilot"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}).SignedString(idpPriv)
	require.NoError(t, err)

	rec := do(t, e, http.MethodPost, "/v1/token/exchange", map[string]string{"token": idpToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp exchangeResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.InDelta(t, 900, resp.ExpiresIn, 5)

	// The minted token verifies against the service keys and carries only sub
	svcVerifier, err := auth.NewVerifier(svcPubPEM, "https://flowpilot-authz-api", "flowpilot")
	require.NoError(t, err)
	claims, err := svcVerifier.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "U1", claims.Subject)
	assert.Equal(t, auth.TokenTypeAccess, claims.TokenType)

	// Garbage in: 401
	rec = do(t, e, http.MethodPost, "/v1/token/exchange", map[string]string{"token": "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuthProtectsRoutes(t *testing.T) {
	svcPrivPEM, svcPubPEM, _ := testKeys(t)
	verifier, err := auth.NewVerifier(svcPubPEM, "https://flowpilot-authz-api", "flowpilot")
	require.NoError(t, err)
	exchanger, err := auth.NewExchanger(svcPrivPEM, "https://flowpilot-authz-api", "flowpilot", 900)
	require.NoError(t, err)

	opts := Options{Verifier: verifier}
	e := newEcho(opts)
	api := &authzAPI{engine: newEngine(t)}
	api.register(e, opts)

	rec := do(t, e, http.MethodPost, "/v1/evaluate", evaluateBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := exchanger.Mint("U1")
	require.NoError(t, err)

	data, err := json.Marshal(evaluateBody())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	resp := httptest.NewRecorder()
	e.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthEndpoint(t *testing.T) {
	e := newEcho(Options{})
	rec := do(t, e, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
