package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestStampsSource(t *testing.T) {
	data := []byte(`{"request_type":"ARITHMETIC","payload":{"operation":"ADD","operands":[7,6]}}`)

	req, err := ParseRequest(data, SourceKafka)
	require.NoError(t, err)

	assert.Equal(t, "ARITHMETIC", req.RequestType)
	assert.Equal(t, SourceKafka, req.Source)
	assert.Equal(t, "ADD", req.Payload["operation"])
}

func TestParseRequestInvalidJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`{not json`), SourceManual)
	assert.Error(t, err)
}

func TestNormalizeAssignsIDAndUppercases(t *testing.T) {
	req := &Request{RequestType: "echo"}
	req.Normalize()

	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "ECHO", req.RequestType)
	assert.False(t, req.SubmittedAt.IsZero())

	// Second call must not reassign the ID.
	id := req.RequestID
	req.Normalize()
	assert.Equal(t, id, req.RequestID)
}

func TestValidateStreamingRequiresChannels(t *testing.T) {
	req := &Request{RequestType: "MARKET_DATA", Streaming: true}
	assert.Error(t, req.Validate())

	req.ResponseChannels = []ResponseChannel{ChannelWebSocket}
	assert.NoError(t, req.Validate())
}

func TestValidateBrokerChannelRequiresTopic(t *testing.T) {
	req := &Request{
		RequestType:      "MARKET_DATA",
		Streaming:        true,
		ResponseChannels: []ResponseChannel{ChannelKafka},
	}
	assert.Error(t, req.Validate())

	req.ResponseTopic = "quotes.out"
	assert.NoError(t, req.Validate())
}

func TestValidateRejectsUnknownChannel(t *testing.T) {
	req := &Request{
		RequestType:      "MARKET_DATA",
		Streaming:        true,
		ResponseChannels: []ResponseChannel{"CARRIER_PIGEON"},
	}
	assert.Error(t, req.Validate())
}

func TestRequestJSONRoundTrip(t *testing.T) {
	req := &Request{
		RequestID:        "req-1",
		RequestType:      "ECHO",
		UserID:           "alice",
		Source:           SourceREST,
		Payload:          map[string]any{"message": "Hello"},
		TTLMinutes:       5,
		Streaming:        true,
		ResponseChannels: []ResponseChannel{ChannelWebSocket, ChannelKafka},
		ResponseTopic:    "echo.out",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, req.RequestID, decoded.RequestID)
	assert.Equal(t, req.RequestType, decoded.RequestType)
	assert.Equal(t, req.UserID, decoded.UserID)
	assert.Equal(t, req.Payload, decoded.Payload)
	assert.Equal(t, req.TTLMinutes, decoded.TTLMinutes)
	assert.Equal(t, req.ResponseChannels, decoded.ResponseChannels)
	assert.Equal(t, req.ResponseTopic, decoded.ResponseTopic)
}

func TestEffectiveTTLPrefersOverride(t *testing.T) {
	req := &Request{TTLMinutes: 2}
	assert.Equal(t, 2*time.Minute, req.EffectiveTTL(0))

	req = &Request{}
	assert.Equal(t, 30*time.Minute, req.EffectiveTTL(30*time.Minute))
}

func TestResponseCloneIsolatesResult(t *testing.T) {
	resp := NewSuccessResponse("req-1", map[string]any{"a": 1})
	cp := resp.Clone()
	cp.Result["a"] = 2

	assert.Equal(t, 1, resp.Result["a"])
}

func TestNewSuccessResponseEmptyResult(t *testing.T) {
	resp := NewSuccessResponse("req-1", nil)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.NotNil(t, resp.Result)
	assert.Empty(t, resp.Result)
}
