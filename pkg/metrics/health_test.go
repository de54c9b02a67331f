package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregation(t *testing.T) {
	SetComponent(ComponentKV, StateOK)
	SetComponent(ComponentDB, StateOK)
	SetComponent(ComponentBloom, StateDisabled)

	h := GetHealth()
	assert.Equal(t, "healthy", h.Status, "disabled components do not degrade")
	assert.Equal(t, StateDisabled, h.Components[ComponentBloom])

	SetComponent(ComponentKV, StateDegraded)
	h = GetHealth()
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, StateDegraded, h.Components[ComponentKV])

	SetComponent(ComponentKV, StateOK)
	assert.Equal(t, "healthy", GetHealth().Status)
}

func TestHealthHandler(t *testing.T) {
	SetVersion("1.2.3")
	SetComponent(ComponentKV, StateOK)
	SetComponent(ComponentDB, StateOK)
	SetComponent(ComponentBloom, StateOK)

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var h HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "1.2.3", h.Version)
	assert.Equal(t, StateOK, h.Components[ComponentKV])
	assert.Equal(t, StateOK, h.Components[ComponentDB])
	assert.Equal(t, StateOK, h.Components[ComponentBloom])
	assert.False(t, h.Timestamp.IsZero())
}

func TestHealthHandlerStaysUpWhenDegraded(t *testing.T) {
	SetComponent(ComponentKV, StateDegraded)
	defer SetComponent(ComponentKV, StateOK)

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "degraded gateways still serve")

	var h HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
}
