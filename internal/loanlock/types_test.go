package loanlock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListAcceptsBothShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"array", `["111","222"]`, []string{"111", "222"}},
		{"bare string", `"111"`, []string{"111"}},
		{"empty string", `""`, nil},
		{"empty array", `[]`, []string{}},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringList
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, tt.want, []string(got))
		})
	}
}

func TestStringListRejectsOtherTypes(t *testing.T) {
	t.Parallel()

	var got StringList
	require.Error(t, json.Unmarshal([]byte(`42`), &got))
}

func TestFingerprintHasData(t *testing.T) {
	t.Parallel()

	assert.False(t, DeviceFingerprint{}.HasData())
	assert.True(t, DeviceFingerprint{SerialNumber: "ABC"}.HasData())
	assert.True(t, DeviceFingerprint{IMEIs: StringList{"111"}}.HasData())

	// A reported false is still data.
	rooted := false
	assert.True(t, DeviceFingerprint{Rooted: &rooted}.HasData())
}

func TestClassifyLockReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason string
		want   string
	}{
		{"Payment overdue", LockTypePayment},
		{"Installment 3 of 12 missed", LockTypePayment},
		{"Loan in arrears", LockTypePayment},
		{"Device security compromised: serial_number", LockTypeSecurity},
		{"", LockTypeSecurity},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyLockReason(tt.reason), tt.reason)
	}
}

func TestDeactivationRequested(t *testing.T) {
	t.Parallel()

	var none *Deactivation
	assert.False(t, none.Requested())
	assert.False(t, (&Deactivation{Status: "none"}).Requested())
	assert.True(t, (&Deactivation{Status: "requested"}).Requested())
	assert.True(t, (&Deactivation{Command: "DEACTIVATE_NOW"}).Requested())
	assert.True(t, (&Deactivation{Reason: "loan_completed"}).Requested())
}

func TestIsPlaceholderDeviceID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "unknown", "UNKNOWN", " unregistered ", "pending"} {
		assert.True(t, IsPlaceholderDeviceID(id), id)
	}
	assert.False(t, IsPlaceholderDeviceID("dev-42"))
}

func TestHeartbeatRequestInlinesFingerprint(t *testing.T) {
	t.Parallel()

	rooted := true
	data, err := json.Marshal(HeartbeatRequest{
		DeviceFingerprint: DeviceFingerprint{SerialNumber: "ABC123", Rooted: &rooted},
		DeviceID:          "dev-1",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "ABC123", raw["serial_number"])
	assert.Equal(t, true, raw["is_device_rooted"])
	assert.Equal(t, "dev-1", raw["device_id"])
	assert.NotContains(t, raw, "DeviceFingerprint")
}
