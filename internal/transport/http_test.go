package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchRuleSet_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/feature_flag/local_evaluation", r.URL.Path)
		assert.Equal(t, "project-key", r.URL.Query().Get("token"))
		assert.Equal(t, "true", r.URL.Query().Get("send_cohorts"))
		assert.Equal(t, "Bearer personal-key", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("If-None-Match"))

		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{
			"flags": [{"id": 1, "key": "beta-feature", "active": true, "filters": {"groups": [{"rollout_percentage": 50}]}}],
			"group_type_mapping": {"0": "company"},
			"cohorts": {"5": {"type": "AND", "values": [{"key": "country", "type": "person", "value": "DE"}]}}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, APIKey: "project-key", PersonalAPIKey: "personal-key"})
	resp, err := client.FetchRuleSet(context.Background(), "")
	require.NoError(t, err)

	assert.False(t, resp.NotModified)
	assert.Equal(t, `"v1"`, resp.ETag)
	require.NotNil(t, resp.RuleSet)
	require.Len(t, resp.RuleSet.Flags, 1)
	assert.Equal(t, "beta-feature", resp.RuleSet.Flags[0].Key)
	assert.Equal(t, "company", resp.RuleSet.GroupTypeMapping["0"])
	require.Contains(t, resp.RuleSet.Cohorts, "5")
	assert.Equal(t, "AND", resp.RuleSet.Cohorts["5"].Logical)
	assert.False(t, resp.RuleSet.LoadedAt.IsZero())
}

func TestFetchRuleSet_NotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, APIKey: "k", PersonalAPIKey: "p"})
	resp, err := client.FetchRuleSet(context.Background(), `"v1"`)
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Nil(t, resp.RuleSet)
	assert.Equal(t, `"v2"`, resp.ETag)
}

func TestFetchRuleSet_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, APIKey: "k", PersonalAPIKey: "bad"})
	_, err := client.FetchRuleSet(context.Background(), "")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestEvaluateRemotely_V2(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/flags/", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("v"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "project-key", body["token"])
		assert.Equal(t, "user-1", body["distinct_id"])

		w.Write([]byte(`{
			"flags": {
				"beta-feature": {
					"key": "beta-feature",
					"enabled": true,
					"variant": "control",
					"reason": {"code": "condition_match", "description": "Matched condition set 1", "condition_index": 0},
					"metadata": {"id": 12, "version": 3, "payload": "{\"color\": \"blue\"}"}
				},
				"off-feature": {"key": "off-feature", "enabled": false, "metadata": {"id": 13, "version": 1}}
			},
			"errorsWhileComputingFlags": false,
			"requestId": "req-42"
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, APIKey: "project-key"})
	eval, err := client.EvaluateRemotely(context.Background(), RemoteEvaluationRequest{DistinctID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, "req-42", eval.RequestID)
	assert.False(t, eval.QuotaLimited)

	beta := eval.Flags["beta-feature"]
	assert.True(t, beta.Enabled)
	assert.Equal(t, "control", beta.Variant)
	assert.Equal(t, "condition_match", beta.Reason)
	assert.Equal(t, 12, beta.ID)
	assert.Equal(t, 3, beta.Version)
	require.NotNil(t, beta.Payload)
	assert.JSONEq(t, `{"color": "blue"}`, *beta.Payload)
	assert.Equal(t, "control", beta.Value())

	off := eval.Flags["off-feature"]
	assert.False(t, off.Enabled)
	assert.Equal(t, false, off.Value())
}

func TestEvaluateRemotely_LegacyV1(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"featureFlags": {"beta-feature": "control", "bool-feature": true, "off-feature": false},
			"featureFlagPayloads": {"beta-feature": "[1,2]"},
			"errorsWhileComputingFlags": true
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, APIKey: "k"})
	eval, err := client.EvaluateRemotely(context.Background(), RemoteEvaluationRequest{DistinctID: "user-1"})
	require.NoError(t, err)

	assert.True(t, eval.ErrorsWhileComputingFlags)

	beta := eval.Flags["beta-feature"]
	assert.True(t, beta.Enabled)
	assert.Equal(t, "control", beta.Variant)
	require.NotNil(t, beta.Payload)
	assert.Equal(t, "[1,2]", *beta.Payload)

	assert.True(t, eval.Flags["bool-feature"].Enabled)
	assert.False(t, eval.Flags["off-feature"].Enabled)
}

func TestEvaluateRemotely_QuotaLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"flags": {}, "quotaLimited": ["feature_flags"], "requestId": "req-1"}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, APIKey: "k"})
	eval, err := client.EvaluateRemotely(context.Background(), RemoteEvaluationRequest{DistinctID: "u"})
	require.NoError(t, err)
	assert.True(t, eval.QuotaLimited)
	assert.Empty(t, eval.Flags)
}
