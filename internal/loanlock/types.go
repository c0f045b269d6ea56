// Package loanlock defines shared data structures for the loanlock agent.
package loanlock

import (
	"encoding/json"
	"strings"
	"time"
)

// Tracked fingerprint field names. These are the wire names used by the
// backend and the only fields the offline comparator looks at.
const (
	FieldIMEIs              = "device_imeis"
	FieldSerialNumber       = "serial_number"
	FieldInstalledRAM       = "installed_ram"
	FieldTotalStorage       = "total_storage"
	FieldRooted             = "is_device_rooted"
	FieldUSBDebugging       = "is_usb_debugging_enabled"
	FieldDeveloperMode      = "is_developer_mode_enabled"
	FieldBootloaderUnlocked = "is_bootloader_unlocked"
	FieldCustomROM          = "is_custom_rom"
)

// Mismatch severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Lock states. Exactly one is current per device and it survives restarts.
const (
	StateUnlocked    = "UNLOCKED"
	StateSoft        = "SOFT"
	StateHard        = "HARD"
	StateDeactivated = "DEACTIVATED"
)

// Directive kinds, in priority order. The interpreter emits exactly one per
// cycle.
const (
	DirectiveNone       = "NONE"
	DirectiveUnlock     = "UNLOCK"
	DirectiveSoftLock   = "SOFT_LOCK"
	DirectiveHardLock   = "HARD_LOCK"
	DirectiveDeactivate = "DEACTIVATE"
)

// Lock types attached to a hard lock.
const (
	LockTypePayment  = "payment"
	LockTypeSecurity = "security"
)

// Directive sources.
const (
	SourceBackend = "backend"
	SourceLocal   = "local"
)

// Offline event states.
const (
	EventPending = "PENDING"
	EventSynced  = "SYNCED"
	EventFailed  = "FAILED"
)

// Offline event types.
const (
	EventTypeHeartbeat = "heartbeat"
	EventTypeTamper    = "tamper"
)

// StringList unmarshals from either a JSON array or a bare string. Older
// agents stored a single IMEI as a string, so both shapes must be accepted.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*s = nil
		return nil
	}
	*s = StringList{single}
	return nil
}

// DeviceFingerprint holds the tracked device attributes compared for tamper
// detection. Boolean fields use pointers so that "not reported" stays
// distinguishable from "reported false".
type DeviceFingerprint struct {
	IMEIs              StringList `json:"device_imeis,omitempty"`
	SerialNumber       string     `json:"serial_number,omitempty"`
	InstalledRAM       string     `json:"installed_ram,omitempty"`
	TotalStorage       string     `json:"total_storage,omitempty"`
	Rooted             *bool      `json:"is_device_rooted,omitempty"`
	USBDebugging       *bool      `json:"is_usb_debugging_enabled,omitempty"`
	DeveloperMode      *bool      `json:"is_developer_mode_enabled,omitempty"`
	BootloaderUnlocked *bool      `json:"is_bootloader_unlocked,omitempty"`
	CustomROM          *bool      `json:"is_custom_rom,omitempty"`
}

// HasData reports whether at least one tracked field carries a value. A
// scaffold baseline with nothing in it must never be used for comparison.
func (f DeviceFingerprint) HasData() bool {
	if len(f.IMEIs) > 0 || f.SerialNumber != "" || f.InstalledRAM != "" || f.TotalStorage != "" {
		return true
	}
	return f.Rooted != nil || f.USBDebugging != nil || f.DeveloperMode != nil ||
		f.BootloaderUnlocked != nil || f.CustomROM != nil
}

// Baseline is the last-trusted fingerprint used as ground truth for offline
// comparison. There is exactly one per device; saving overwrites it.
type Baseline struct {
	Fingerprint DeviceFingerprint `json:"fingerprint"`
	SavedAt     time.Time         `json:"saved_at"`
}

// Mismatch describes a single tracked-field difference between the baseline
// and a current fingerprint. Reasons are generic and never expose values.
type Mismatch struct {
	Field    string `json:"field"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// Baseline statuses reported by the comparator.
const (
	BaselineOK             = "ok"
	BaselineNotEstablished = "not_established"
	BaselineEmpty          = "empty_baseline"
)

// ComparisonResult is the comparator's verdict for one heartbeat.
type ComparisonResult struct {
	Mismatches     []Mismatch `json:"mismatches"`
	HighCount      int        `json:"high_severity_count"`
	MediumCount    int        `json:"medium_severity_count"`
	ShouldAutoLock bool       `json:"should_auto_lock"`
	LockReason     string     `json:"lock_reason,omitempty"`
	BaselineStatus string     `json:"baseline_status"`
	Warnings       []string   `json:"warnings,omitempty"`
}

// HeartbeatRequest is one collected device snapshot sent to the backend.
// The fingerprint fields are inlined into the JSON payload.
type HeartbeatRequest struct {
	DeviceFingerprint

	DeviceID             string    `json:"device_id"`
	Timestamp            time.Time `json:"timestamp"`
	Manufacturer         string    `json:"manufacturer,omitempty"`
	Model                string    `json:"model,omitempty"`
	OSVersion            string    `json:"os_version,omitempty"`
	SDKVersion           int       `json:"sdk_version,omitempty"`
	SecurityPatchLevel   string    `json:"security_patch_level,omitempty"`
	InstalledAppsHash    string    `json:"installed_apps_hash,omitempty"`
	SystemPropertiesHash string    `json:"system_properties_hash,omitempty"`
	BatteryLevel         int       `json:"battery_level,omitempty"`
	SystemUptime         string    `json:"system_uptime,omitempty"`
	Language             string    `json:"language,omitempty"`
}

// LockContent is the lock portion of a heartbeat response.
type LockContent struct {
	IsLocked bool   `json:"is_locked"`
	Reason   string `json:"reason,omitempty"`
}

// NextPayment carries the upcoming installment and its offline unlock
// password. Cached locally so the reminder logic keeps working offline.
type NextPayment struct {
	DateTime       time.Time `json:"date_time"`
	UnlockPassword string    `json:"unlock_password,omitempty"`
}

// Deactivation is the server's device-owner release instruction.
type Deactivation struct {
	Status  string `json:"status"` // "requested" or "none"
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Requested reports whether the server asked for deactivation.
func (d *Deactivation) Requested() bool {
	if d == nil {
		return false
	}
	return d.Status == "requested" || d.Command == "DEACTIVATE_NOW" || d.Reason == "loan_completed"
}

// SoftLockRequest is the server's payment-reminder instruction.
type SoftLockRequest struct {
	Requested bool   `json:"requested"`
	Message   string `json:"message,omitempty"`
}

// HeartbeatResponse is the server's view returned for one heartbeat.
type HeartbeatResponse struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message,omitempty"`
	Content      LockContent      `json:"content"`
	ServerTime   string           `json:"server_time,omitempty"`
	NextPayment  *NextPayment     `json:"next_payment,omitempty"`
	Deactivation *Deactivation    `json:"deactivation,omitempty"`
	SoftLock     *SoftLockRequest `json:"soft_lock,omitempty"`
	Mismatches   []Mismatch       `json:"mismatches,omitempty"`
}

// Directive is the single decided lock action for one cycle.
type Directive struct {
	Kind     string `json:"kind"`
	Reason   string `json:"reason,omitempty"`
	LockType string `json:"lock_type,omitempty"`
	Source   string `json:"source"`
}

// LockState is the durable current lock state of the device. Verified is
// false after a corrupt read until the next server response confirms it.
type LockState struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	LockType  string    `json:"lock_type,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Verified  bool      `json:"verified"`
}

// OfflineEvent is a queued payload awaiting delivery to the backend.
type OfflineEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// PaymentInfo is the locally cached next-payment data for offline decisions.
type PaymentInfo struct {
	NextPaymentAt  time.Time `json:"next_payment_at"`
	UnlockPassword string    `json:"unlock_password,omitempty"`
	CachedAt       time.Time `json:"cached_at"`
}

var paymentKeywords = []string{"overdue", "payment", "installment", "loan"}

// ClassifyLockReason maps a lock reason to a lock type. Payment-related
// keywords win; everything else is treated as a security/tamper lock.
func ClassifyLockReason(reason string) string {
	lower := strings.ToLower(reason)
	for _, kw := range paymentKeywords {
		if strings.Contains(lower, kw) {
			return LockTypePayment
		}
	}
	return LockTypeSecurity
}

// IsPlaceholderDeviceID reports whether the device id is missing or one of
// the scaffold values registration writes before the real id is known.
func IsPlaceholderDeviceID(id string) bool {
	switch strings.TrimSpace(strings.ToLower(id)) {
	case "", "unknown", "unregistered", "pending":
		return true
	}
	return false
}
