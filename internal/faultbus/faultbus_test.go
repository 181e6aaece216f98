package faultbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordMarshalsExpectedFields(t *testing.T) {
	rec := Record{BeamID: "beam-1", Timestamp: time.Unix(1000, 0).UTC(), Cause: "boom"}
	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "beam-1", decoded["beam_id"])
	require.Equal(t, "boom", decoded["cause"])
}

func TestNewFailsFastOnUnreachableBroker(t *testing.T) {
	_, err := New(Config{
		Broker:  "tcp://127.0.0.1:1",
		Topic:   "pst-stat/fault",
		BeamID:  "beam-1",
		Timeout: 2 * time.Second,
	})
	require.Error(t, err)
}

func TestGenerateClientIDIsUnique(t *testing.T) {
	a := generateClientID()
	b := generateClientID()
	if a == b {
		t.Fatalf("expected distinct client ids, got %q twice", a)
	}
}
