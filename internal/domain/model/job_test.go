package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolKind_Valid(t *testing.T) {
	assert.True(t, ProtocolSNMP.Valid())
	assert.True(t, ProtocolHTTPParam.Valid())
	assert.True(t, ProtocolACS.Valid())
	assert.True(t, ProtocolUSP.Valid())
	assert.False(t, ProtocolKind("modbus").Valid())
}

func TestProtocolKind_UnmarshalText(t *testing.T) {
	var pk ProtocolKind
	err := pk.UnmarshalText([]byte(" HTTP-Param "))
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTPParam, pk)

	err = pk.UnmarshalText([]byte("telnet"))
	assert.Error(t, err)
}

func TestOperationKind_Mutating(t *testing.T) {
	assert.False(t, OperationGet.Mutating())
	assert.False(t, OperationBulk.Mutating())
	assert.True(t, OperationSet.Mutating())
	assert.True(t, OperationOperate.Mutating())
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.False(t, JobStatusCancelling.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestEnqueueRequest_Validate(t *testing.T) {
	valid := func() *EnqueueRequest {
		return &EnqueueRequest{
			Protocol:  ProtocolSNMP,
			Operation: OperationGet,
			DeviceID:  "cpe-001",
			Params:    json.RawMessage(`{"paths":["1.3.6.1.2.1.1.1.0"]}`),
			TenantID:  "550e8400-e29b-41d4-a716-446655440000",
			UserID:    "650e8400-e29b-41d4-a716-446655440000",
		}
	}

	tests := []struct {
		name     string
		mutate   func(*EnqueueRequest)
		errorMsg string
	}{
		{
			name:   "valid request",
			mutate: func(*EnqueueRequest) {},
		},
		{
			name:     "invalid protocol",
			mutate:   func(r *EnqueueRequest) { r.Protocol = "telnet" },
			errorMsg: "invalid protocol kind",
		},
		{
			name:     "invalid operation",
			mutate:   func(r *EnqueueRequest) { r.Operation = "reboot" },
			errorMsg: "invalid operation kind",
		},
		{
			name:     "missing device id",
			mutate:   func(r *EnqueueRequest) { r.DeviceID = "  " },
			errorMsg: "device id is required",
		},
		{
			name:     "missing params",
			mutate:   func(r *EnqueueRequest) { r.Params = nil },
			errorMsg: "params is required",
		},
		{
			name:     "malformed params",
			mutate:   func(r *EnqueueRequest) { r.Params = json.RawMessage(`{"paths":`) },
			errorMsg: "params must be valid JSON",
		},
		{
			name:     "bad tenant id",
			mutate:   func(r *EnqueueRequest) { r.TenantID = "not-a-uuid" },
			errorMsg: "tenant id must be a valid UUID",
		},
		{
			name:     "bad user id",
			mutate:   func(r *EnqueueRequest) { r.UserID = "not-a-uuid" },
			errorMsg: "user id must be a valid UUID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := req.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			}
		})
	}
}
