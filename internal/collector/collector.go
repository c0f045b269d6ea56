// Package collector assembles the device snapshot sent with each heartbeat.
//
// Identity and security flags come from a YAML device profile that the
// platform shim refreshes in place; the collector re-reads it every cycle so
// flag changes show up in the next snapshot.
package collector

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/WatchBeam/clock"
	"gopkg.in/yaml.v3"

	"loanlock/internal/loanlock"
)

// Collector produces one heartbeat snapshot.
type Collector interface {
	Collect(ctx context.Context) (*loanlock.HeartbeatRequest, error)
}

// Profile is the on-disk device profile.
type Profile struct {
	DeviceID             string   `yaml:"device_id"`
	SerialNumber         string   `yaml:"serial_number"`
	IMEIs                []string `yaml:"device_imeis"`
	Manufacturer         string   `yaml:"manufacturer"`
	Model                string   `yaml:"model"`
	OSVersion            string   `yaml:"os_version"`
	SDKVersion           int      `yaml:"sdk_version"`
	SecurityPatchLevel   string   `yaml:"security_patch_level"`
	InstalledRAM         string   `yaml:"installed_ram"`
	TotalStorage         string   `yaml:"total_storage"`
	Rooted               *bool    `yaml:"is_device_rooted"`
	USBDebugging         *bool    `yaml:"is_usb_debugging_enabled"`
	DeveloperMode        *bool    `yaml:"is_developer_mode_enabled"`
	BootloaderUnlocked   *bool    `yaml:"is_bootloader_unlocked"`
	CustomROM            *bool    `yaml:"is_custom_rom"`
	InstalledAppsHash    string   `yaml:"installed_apps_hash"`
	SystemPropertiesHash string   `yaml:"system_properties_hash"`
	BatteryLevel         int      `yaml:"battery_level"`
	SystemUptime         string   `yaml:"system_uptime"`
	Language             string   `yaml:"language"`
}

// ProfileCollector reads the device profile on every collect.
type ProfileCollector struct {
	path string
	clk  clock.Clock
}

// NewProfileCollector builds a collector for the profile at path.
func NewProfileCollector(path string, clk clock.Clock) *ProfileCollector {
	return &ProfileCollector{path: path, clk: clk}
}

// Collect reads the profile and builds the snapshot.
func (c *ProfileCollector) Collect(ctx context.Context) (*loanlock.HeartbeatRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := LoadProfile(c.path)
	if err != nil {
		return nil, err
	}

	return &loanlock.HeartbeatRequest{
		DeviceFingerprint: loanlock.DeviceFingerprint{
			IMEIs:              loanlock.StringList(p.IMEIs),
			SerialNumber:       p.SerialNumber,
			InstalledRAM:       p.InstalledRAM,
			TotalStorage:       p.TotalStorage,
			Rooted:             p.Rooted,
			USBDebugging:       p.USBDebugging,
			DeveloperMode:      p.DeveloperMode,
			BootloaderUnlocked: p.BootloaderUnlocked,
			CustomROM:          p.CustomROM,
		},
		DeviceID:             p.DeviceID,
		Timestamp:            c.clk.Now().UTC().Truncate(time.Second),
		Manufacturer:         p.Manufacturer,
		Model:                p.Model,
		OSVersion:            p.OSVersion,
		SDKVersion:           p.SDKVersion,
		SecurityPatchLevel:   p.SecurityPatchLevel,
		InstalledAppsHash:    p.InstalledAppsHash,
		SystemPropertiesHash: p.SystemPropertiesHash,
		BatteryLevel:         p.BatteryLevel,
		SystemUptime:         p.SystemUptime,
		Language:             p.Language,
	}, nil
}

// LoadProfile parses the device profile at path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse device profile: %w", err)
	}
	return &p, nil
}
