package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meetscribe/scribe/internal/orchestrator"
	"github.com/meetscribe/scribe/internal/webhook"
	"github.com/meetscribe/scribe/pkg/json"
)

const testDeployURL = "https://scribe.example.com/api/deploy"

type fakeDeployer struct {
	result orchestrator.Result
	err    error
	calls  []string
}

func (f *fakeDeployer) DeployIfEligible(_ context.Context, meetingKey string) (orchestrator.Result, error) {
	f.calls = append(f.calls, meetingKey)
	return f.result, f.err
}

func signedDeployRequest(t *testing.T, eventURI string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]string{"event_uri": eventURI})
	require.NoError(t, err)
	sig, err := webhook.Sign([]byte(testKey), body, testDeployURL, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/deploy", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sig)
	return req
}

func TestDeployHandlerSuccess(t *testing.T) {
	dep := &fakeDeployer{result: orchestrator.Result{Deployed: true, BotID: "bot-1"}}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	rec := httptest.NewRecorder()
	h(rec, signedDeployRequest(t, "m1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		BotID   string `json:"bot_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "bot-1", resp.BotID)
	assert.Equal(t, []string{"m1"}, dep.calls)
}

func TestDeployHandlerAlreadyDeployedIsSuccess(t *testing.T) {
	dep := &fakeDeployer{result: orchestrator.Result{BotID: "bot-0", Reason: orchestrator.ReasonAlreadyDeployed}}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	rec := httptest.NewRecorder()
	h(rec, signedDeployRequest(t, "m1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		BotID   string `json:"bot_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "bot-0", resp.BotID)
}

func TestDeployHandlerCancelled(t *testing.T) {
	dep := &fakeDeployer{result: orchestrator.Result{Reason: orchestrator.ReasonCancelled}}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	rec := httptest.NewRecorder()
	h(rec, signedDeployRequest(t, "m1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp["message"])
}

func TestDeployHandlerNotFound(t *testing.T) {
	dep := &fakeDeployer{result: orchestrator.Result{Reason: orchestrator.ReasonNotFound}}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	rec := httptest.NewRecorder()
	h(rec, signedDeployRequest(t, "m-unknown"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployHandlerOrchestratorError(t *testing.T) {
	dep := &fakeDeployer{err: errors.New("provider down")}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	rec := httptest.NewRecorder()
	h(rec, signedDeployRequest(t, "m1"))

	// Non-2xx so the caller's redelivery kicks in.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDeployHandlerUnsignedRejected(t *testing.T) {
	dep := &fakeDeployer{result: orchestrator.Result{Deployed: true}}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	body, err := json.Marshal(map[string]string{"event_uri": "m1"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/deploy", bytes.NewReader(body)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, dep.calls)
}

func TestDeployHandlerMissingEventURI(t *testing.T) {
	dep := &fakeDeployer{}
	h := DeployHandler(zaptest.NewLogger(t), webhook.NewVerifier(testKey, ""), dep, testDeployURL)

	body := []byte(`{}`)
	sig, err := webhook.Sign([]byte(testKey), body, testDeployURL, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/deploy", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sig)

	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dep.calls)
}
