package iodevice

import (
	"context"

	"github.com/canflow/iocore/profile"
)

// Session is an active instance of a single Device, identified by a session
// id that addresses an EventSink. A session owns exactly one device and
// zero or more buffers (the buffers live in the shared buffer store and
// outlive the session). Lifecycle: Stopped -> Starting -> Running ->
// (Paused <-> Running) -> Stopped.
type Session struct {
	ID        string
	ProfileID string
	Kind      profile.Kind

	device   Device
	registry *profile.Registry
}

// NewSession constructs a Session over an already-built Device. The device
// is not started; call Start.
func NewSession(id, profileID string, kind profile.Kind, device Device, registry *profile.Registry) *Session {
	return &Session{ID: id, ProfileID: profileID, Kind: kind, device: device, registry: registry}
}

// Start claims the profile before the device transitions to Starting:
// DeviceBusy from the registry is surfaced to the caller before the
// session starts, and the claim is atomic so two racing starts of the
// same single-handle profile see exactly one success. A failed device
// start releases the claim.
func (s *Session) Start(ctx context.Context) error {
	if err := s.registry.Acquire(s.ProfileID, s.Kind, s.ID); err != nil {
		return err
	}
	if err := s.device.Start(ctx); err != nil {
		s.registry.Unregister(s.ProfileID)
		return err
	}
	return nil
}

// Stop stops the underlying device and unconditionally unregisters the
// profile, even if the device reports a stop error, so that abnormal
// termination never leaves a profile id stuck as held.
func (s *Session) Stop() error {
	err := s.device.Stop()
	s.registry.Unregister(s.ProfileID)
	return err
}

// Device returns the device this session owns.
func (s *Session) Device() Device { return s.device }
