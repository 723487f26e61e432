package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-core/internal/auth"
	"github.com/lorawan-server/lorawan-network-core/internal/config"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/storage"
	"github.com/lorawan-server/lorawan-network-core/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

var testEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0, 0, 1}

type nopClient struct{}

func (nopClient) GetTwin(context.Context) (*models.Twin, error) {
	return nil, storage.ErrNotFound
}
func (nopClient) UpdateReported(context.Context, models.ReportedProperties) error {
	return nil
}
func (nopClient) SendTelemetry(context.Context, *models.Telemetry) error {
	return nil
}
func (nopClient) ReceiveMessage(context.Context) (*models.CloudMessage, error) {
	return nil, nil
}
func (nopClient) CompleteMessage(context.Context, uuid.UUID) error {
	return nil
}
func (nopClient) AbandonMessage(context.Context, uuid.UUID) error {
	return nil
}
func (nopClient) RejectMessage(context.Context, uuid.UUID) error {
	return nil
}
func (nopClient) Disconnect(context.Context) error {
	return nil
}

type nopConn struct{}

func (nopConn) Client(lorawan.EUI64) device.SessionClient {
	return nopClient{}
}
func (nopConn) Release(lorawan.EUI64) {}

type fakeCache struct {
	devices map[lorawan.EUI64]*device.Device
	resets  int
}

func (c *fakeCache) TryGetByDevEUI(devEUI lorawan.EUI64) (*device.Device, bool) {
	d, ok := c.devices[devEUI]
	return d, ok
}
func (c *fakeCache) Len() int {
	return len(c.devices)
}
func (c *fakeCache) Reset() {
	c.devices = map[lorawan.EUI64]*device.Device{}
	c.resets++
}

type fixedLoads int

func (l fixedLoads) Loading() int {
	return int(l)
}

func newServer(t *testing.T) (*RESTServer, *fakeCache) {
	t.Helper()
	hash, err := crypto.HashPassword("s3cret")
	require.NoError(t, err)
	jwt := auth.NewJWTManager(
		config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour},
		config.APIConfig{AdminUser: "admin", AdminPasswordHash: hash},
	)

	cache := &fakeCache{devices: map[lorawan.EUI64]*device.Device{
		testEUI: device.New(testEUI, nopConn{}, storage.NewMemoryStore(), device.Options{GatewayID: "gw-1"}),
	}}
	return NewRESTServer(jwt, cache, fixedLoads(2), metrics.NewCollector()), cache
}

func do(s *RESTServer, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()
	rec := do(s, http.MethodPost, "/api/v1/login", "", `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.InDelta(t, 3600, resp.ExpiresIn, 5)
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t)

	rec := do(s, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["cached_devices"])
	assert.EqualValues(t, 2, body["loading"])
}

func TestLogin(t *testing.T) {
	s, _ := newServer(t)
	login(t, s)

	rec := do(s, http.MethodPost, "/api/v1/login", "", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodPost, "/api/v1/login", "", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s, cache := newServer(t)

	rec := do(s, http.MethodGet, "/api/v1/devices/"+testEUI.String(), "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodDelete, "/api/v1/cache", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, cache.resets)
}

func TestGetDevice(t *testing.T) {
	s, _ := newServer(t)
	token := login(t, s)

	rec := do(s, http.MethodGet, "/api/v1/devices/"+testEUI.String(), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, testEUI.String(), snap["devEUI"])
	assert.Equal(t, false, snap["initialized"])

	rec = do(s, http.MethodGet, "/api/v1/devices/0000000000000099", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/devices/xyz", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetCache(t *testing.T) {
	s, cache := newServer(t)
	token := login(t, s)

	rec := do(s, http.MethodDelete, "/api/v1/cache", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	assert.Equal(t, 1, cache.resets)
	assert.Zero(t, cache.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t)

	rec := do(s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
