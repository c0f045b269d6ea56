// Package compare implements the offline tamper check: a pure comparison of
// the current device fingerprint against the stored baseline. It mirrors the
// backend's heartbeat comparison so online and offline verdicts agree.
package compare

import (
	"fmt"
	"strings"

	"loanlock/internal/loanlock"
)

var highSeverityFields = map[string]bool{
	loanlock.FieldSerialNumber:       true,
	loanlock.FieldIMEIs:              true,
	loanlock.FieldRooted:             true,
	loanlock.FieldUSBDebugging:       true,
	loanlock.FieldDeveloperMode:      true,
	loanlock.FieldBootloaderUnlocked: true,
}

// Generic per-field reasons. Values are never included: the result may travel
// to the backend and to support staff.
var mismatchReasons = map[string]string{
	loanlock.FieldSerialNumber:       "Device serial number mismatch detected",
	loanlock.FieldIMEIs:              "Device IMEI mismatch detected",
	loanlock.FieldRooted:             "Device rooting status changed",
	loanlock.FieldUSBDebugging:       "USB debugging status changed",
	loanlock.FieldDeveloperMode:      "Developer mode status changed",
	loanlock.FieldBootloaderUnlocked: "Bootloader unlock status changed",
	loanlock.FieldCustomROM:          "Custom ROM status changed",
	loanlock.FieldInstalledRAM:       "Device RAM configuration changed",
	loanlock.FieldTotalStorage:       "Device storage configuration changed",
}

func severityFor(field string) string {
	if highSeverityFields[field] {
		return loanlock.SeverityHigh
	}
	return loanlock.SeverityMedium
}

// Compare checks the current fingerprint against the baseline and classifies
// every difference. A device that was never baselined, or whose baseline is
// empty, is never penalized: the result says "cannot compare" and
// ShouldAutoLock stays false.
func Compare(b *loanlock.Baseline, current loanlock.DeviceFingerprint) loanlock.ComparisonResult {
	if b == nil {
		return loanlock.ComparisonResult{BaselineStatus: loanlock.BaselineNotEstablished}
	}
	if !b.Fingerprint.HasData() {
		return loanlock.ComparisonResult{BaselineStatus: loanlock.BaselineEmpty}
	}

	res := loanlock.ComparisonResult{BaselineStatus: loanlock.BaselineOK}
	reg := b.Fingerprint

	if len(current.IMEIs) > 0 {
		compareIMEIs(reg.IMEIs, current.IMEIs, &res)
	}
	compareScalar(loanlock.FieldSerialNumber, reg.SerialNumber, current.SerialNumber, &res)
	compareScalar(loanlock.FieldInstalledRAM, reg.InstalledRAM, current.InstalledRAM, &res)
	compareScalar(loanlock.FieldTotalStorage, reg.TotalStorage, current.TotalStorage, &res)
	compareBool(loanlock.FieldRooted, reg.Rooted, current.Rooted, &res)
	compareBool(loanlock.FieldUSBDebugging, reg.USBDebugging, current.USBDebugging, &res)
	compareBool(loanlock.FieldDeveloperMode, reg.DeveloperMode, current.DeveloperMode, &res)
	compareBool(loanlock.FieldBootloaderUnlocked, reg.BootloaderUnlocked, current.BootloaderUnlocked, &res)
	compareBool(loanlock.FieldCustomROM, reg.CustomROM, current.CustomROM, &res)

	res.ShouldAutoLock = res.HighCount > 0
	if res.ShouldAutoLock {
		var fields []string
		for _, m := range res.Mismatches {
			if m.Severity == loanlock.SeverityHigh {
				fields = append(fields, m.Field)
			}
		}
		res.LockReason = "Device security compromised: " + strings.Join(fields, ", ")
	}
	return res
}

// compareIMEIs applies the subset rule: every current IMEI must already be in
// the baseline. A shrinking list is tolerated with a warning (SIM removal);
// any brand-new IMEI is a high-severity mismatch.
func compareIMEIs(registered, current loanlock.StringList, res *loanlock.ComparisonResult) {
	if len(registered) == 0 || len(current) == 0 {
		return
	}

	regSet := make(map[string]bool, len(registered))
	for _, imei := range registered {
		regSet[normalizeIMEI(imei)] = true
	}

	for _, imei := range current {
		if !regSet[normalizeIMEI(imei)] {
			record(loanlock.FieldIMEIs, res)
			return
		}
	}

	if len(current) < len(registered) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"IMEI count decreased from %d to %d: legitimate SIM removal or an attempt to hide a SIM swap, manual review recommended",
			len(registered), len(current)))
	}
}

func compareScalar(field, registered, current string, res *loanlock.ComparisonResult) {
	if current == "" {
		return
	}
	reg := normalizeScalar(registered)
	cur := normalizeScalar(current)
	if reg == cur {
		return
	}
	record(field, res)
}

// compareBool follows the backend's truthiness rule: an unreported baseline
// flag and a reported false are both "not set", so only a flip involving a
// true on either side counts.
func compareBool(field string, registered, current *bool, res *loanlock.ComparisonResult) {
	if current == nil {
		return
	}
	regSet := registered != nil && *registered
	curSet := *current
	if regSet == curSet {
		return
	}
	record(field, res)
}

func record(field string, res *loanlock.ComparisonResult) {
	sev := severityFor(field)
	res.Mismatches = append(res.Mismatches, loanlock.Mismatch{
		Field:    field,
		Severity: sev,
		Reason:   mismatchReasons[field],
	})
	if sev == loanlock.SeverityHigh {
		res.HighCount++
	} else {
		res.MediumCount++
	}
}

func normalizeIMEI(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var storageUnits = []string{"gb", "mb", "tb", "kb"}

// normalizeScalar trims and lowercases. Storage-size strings additionally
// lose internal spaces so "4 GB" and "4GB" compare equal.
func normalizeScalar(s string) string {
	out := strings.ToLower(strings.TrimSpace(s))
	for _, unit := range storageUnits {
		if strings.Contains(out, unit) {
			return strings.ReplaceAll(out, " ", "")
		}
	}
	return out
}
