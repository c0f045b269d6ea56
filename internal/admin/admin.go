// Package admin defines the device-administration capability surface the
// core calls through. The platform-specific implementation lives in the
// surrounding application; the core never touches device-owner APIs directly.
package admin

import "github.com/rs/zerolog/log"

// DeviceAdmin is the device-owner capability interface. Every method may
// fail (admin rights can be revoked at any time) and callers must treat a
// failure as retryable, not fatal.
type DeviceAdmin interface {
	LockNow() error
	SetLockTaskPackages(packages []string) error
	SetStatusBarDisabled(disabled bool) error
	SetKeyguardDisabled(disabled bool) error
	TerminateDeviceOwnership() error
}

// Presenter is the statically-typed lock UI surface supplied by the
// surrounding application. The core tells it what to show; rendering is not
// the core's concern.
type Presenter interface {
	ShowHardLock(reason string)
	ShowSoftReminder(message string)
	Dismiss()
}

// LogAdmin is a DeviceAdmin that only records calls. Used on hosts without
// device-owner rights and as the default wiring in development.
type LogAdmin struct{}

func (LogAdmin) LockNow() error {
	log.Info().Msg("device admin: lockNow")
	return nil
}

func (LogAdmin) SetLockTaskPackages(packages []string) error {
	log.Info().Strs("packages", packages).Msg("device admin: setLockTaskPackages")
	return nil
}

func (LogAdmin) SetStatusBarDisabled(disabled bool) error {
	log.Info().Bool("disabled", disabled).Msg("device admin: setStatusBarDisabled")
	return nil
}

func (LogAdmin) SetKeyguardDisabled(disabled bool) error {
	log.Info().Bool("disabled", disabled).Msg("device admin: setKeyguardDisabled")
	return nil
}

func (LogAdmin) TerminateDeviceOwnership() error {
	log.Info().Msg("device admin: terminateDeviceOwnership")
	return nil
}

// NopPresenter is a Presenter that does nothing. Used when no lock UI is
// attached.
type NopPresenter struct{}

func (NopPresenter) ShowHardLock(string)     {}
func (NopPresenter) ShowSoftReminder(string) {}
func (NopPresenter) Dismiss()                {}
