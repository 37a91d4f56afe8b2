package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceOutcome_Empty(t *testing.T) {
	so := NewServiceOutcome(ServiceDirectory, nil)

	assert.False(t, so.Outcome.Found)
	assert.True(t, so.Outcome.Success)
	assert.Equal(t, ErrorClassNone, so.Outcome.ErrorClass)
	assert.False(t, so.Partial)
	assert.False(t, so.Sent())
}

func TestNewServiceOutcome_Aggregation(t *testing.T) {
	testCases := []struct {
		name        string
		records     []RecordOutcome
		wantSuccess bool
		wantClass   ErrorClass
		wantPartial bool
	}{
		{
			name: "all deleted",
			records: []RecordOutcome{
				{NativeID: "a", Outcome: SucceededOutcome()},
				{NativeID: "b", Outcome: SucceededOutcome()},
			},
			wantSuccess: true,
			wantClass:   ErrorClassNone,
		},
		{
			name: "lenient classes keep success",
			records: []RecordOutcome{
				{NativeID: "a", Outcome: OperationOutcome{Found: true, Success: true, ErrorClass: ErrorClassAlreadyRemoved}},
				{NativeID: "b", Outcome: OperationOutcome{Found: true, Success: true, ErrorClass: ErrorClassConflict, Message: "busy"}},
			},
			wantSuccess: true,
			wantClass:   ErrorClassConflict,
		},
		{
			name: "one hard failure is partial",
			records: []RecordOutcome{
				{NativeID: "a", Outcome: SucceededOutcome()},
				{NativeID: "b", Outcome: OperationOutcome{Found: true, Success: false, ErrorClass: ErrorClassUnknown, Message: "forbidden"}},
			},
			wantSuccess: false,
			wantClass:   ErrorClassUnknown,
			wantPartial: true,
		},
		{
			name: "all failed is not partial",
			records: []RecordOutcome{
				{NativeID: "a", Outcome: OperationOutcome{Found: true, ErrorClass: ErrorClassUnknown}},
			},
			wantSuccess: false,
			wantClass:   ErrorClassUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			so := NewServiceOutcome(ServiceDirectory, tc.records)

			assert.True(t, so.Outcome.Found)
			assert.Equal(t, tc.wantSuccess, so.Outcome.Success)
			assert.Equal(t, tc.wantClass, so.Outcome.ErrorClass)
			assert.Equal(t, tc.wantPartial, so.Partial)
		})
	}
}

func TestNewServiceOutcome_KeepsMessages(t *testing.T) {
	so := NewServiceOutcome(ServiceRegistry, []RecordOutcome{
		{NativeID: "zt-1", Outcome: OperationOutcome{Found: true, Success: true, ErrorClass: ErrorClassConflict, Message: "device is busy"}},
	})

	assert.Equal(t, "zt-1: device is busy", so.Outcome.Message)
}

func TestParseServiceKind(t *testing.T) {
	for name, want := range map[string]ServiceKind{
		"registry":   ServiceRegistry,
		"Autopilot":  ServiceRegistry,
		"intune":     ServiceManagement,
		" mdm ":      ServiceManagement,
		"entra":      ServiceDirectory,
		"directory":  ServiceDirectory,
		"management": ServiceManagement,
	} {
		got, err := ParseServiceKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseServiceKind("ldap")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestDeviceIdentity_Validate(t *testing.T) {
	require.ErrorIs(t, DeviceIdentity{}.Validate(), ErrEmptyIdentity)
	require.ErrorIs(t, DeviceIdentity{Name: "  ", Serial: "\t"}.Validate(), ErrEmptyIdentity)
	require.NoError(t, DeviceIdentity{Name: "LAPTOP-01"}.Validate())
	require.NoError(t, DeviceIdentity{Serial: "PF2ABC"}.Validate())
}

func TestResultJSONUsesServiceNames(t *testing.T) {
	res := NewDeviceReconciliationResult("run", DeviceIdentity{Name: "n"}, time.Unix(0, 0).UTC())
	res.Services[ServiceManagement] = NewServiceOutcome(ServiceManagement, nil)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"management":`)
}

func TestDuration(t *testing.T) {
	var d Duration

	require.NoError(t, json.Unmarshal([]byte(`"45s"`), &d))
	assert.Equal(t, 45*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Std())

	require.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	require.Error(t, json.Unmarshal([]byte(`true`), &d))

	raw, err := json.Marshal(Duration(2 * time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"2m0s"`, string(raw))
}
