package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePayloadKnownType(t *testing.T) {
	payload, err := DecodePayload(EventUsageRecorded, []byte(`{"meter":"api_calls","units":3,"source":"api"}`))
	require.NoError(t, err)
	require.Equal(t, UsageRecorded{Meter: MeterAPICalls, Units: 3, Source: "api"}, payload)

	payload, err = DecodePayload(EventAccountReinstated, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, AccountReinstated{}, payload)
}

func TestDecodePayloadUnknownTypeRoundTrips(t *testing.T) {
	raw := []byte(`{"name":"renamed","by":"ops"}`)

	payload, err := DecodePayload("AccountRenamed", raw)
	require.NoError(t, err)
	require.Equal(t, EventType("AccountRenamed"), payload.EventType())

	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(encoded))
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	_, err := DecodePayload(EventUsageRecorded, []byte(`{"meter":`))
	require.Error(t, err)
}
