// Package media acquires local capture streams for a call attempt. The
// platform capture surface is injected behind the Devices interface; the
// package owns the constraint fallback ladder and the failure taxonomy,
// neither of which retries beyond the ladder. Callers surface failures
// to the user for manual remediation.
package media

import (
	"context"

	"go.uber.org/zap"
)

// DeviceKind is the input class of a capture device
type DeviceKind string

const (
	KindAudioInput DeviceKind = "audioinput"
	KindVideoInput DeviceKind = "videoinput"
)

// Device describes one capture input. References are informational only;
// the acquirer never owns devices.
type Device struct {
	ID    string
	Kind  DeviceKind
	Label string
}

// PermissionState mirrors the platform permission query result
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// Track is one live capture track inside a stream
type Track interface {
	Kind() string
	Label() string
	Stop()
}

// Stream is an acquired media stream. A successful acquisition always
// yields a stream with at least one track.
type Stream interface {
	ID() string
	Tracks() []Track
}

// Constraints is one rung of the acquisition ladder
type Constraints struct {
	Audio         bool
	AudioDeviceID string
	Video         bool
	VideoDeviceID string
	IdealWidth    int
	IdealHeight   int
	FacingMode    string
}

// Devices is the platform capture surface. Implementations wrap native
// errors with the package sentinel errors so Classify can map them.
type Devices interface {
	Supported() bool
	SecureContext() bool
	PermissionState(ctx context.Context, kind DeviceKind) (PermissionState, error)
	Enumerate(ctx context.Context) ([]Device, error)
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// Request describes what a call attempt wants to capture
type Request struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	FacingMode    string
}

// Result of a successful acquisition. AudioOnly is set when the ladder
// had to drop video to succeed.
type Result struct {
	Stream    Stream
	AudioOnly bool
}

// StopAll stops every track in the result's stream
func (r *Result) StopAll() {
	if r == nil || r.Stream == nil {
		return
	}
	for _, t := range r.Stream.Tracks() {
		t.Stop()
	}
}

// Acquirer runs the constraint ladder against a Devices surface
type Acquirer struct {
	devices Devices
	logger  *zap.Logger
}

// NewAcquirer creates an acquirer over the given capture surface
func NewAcquirer(devices Devices, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{devices: devices, logger: logger}
}

// Acquire obtains a local stream for the request, descending through
// relaxed constraint sets before failing with a classified *Error. At
// most one platform permission prompt is triggered.
func (a *Acquirer) Acquire(ctx context.Context, req Request) (*Result, error) {
	if !req.Audio && !req.Video {
		return nil, &Error{Code: CodeUnknown, Cause: ErrOverconstrained}
	}

	if !a.devices.Supported() {
		return nil, &Error{Code: CodeUnsupported}
	}
	if !a.devices.SecureContext() {
		return nil, &Error{Code: CodeInsecureContext}
	}

	// Permission pre-check avoids prompting a user who already refused.
	if err := a.checkPermissions(ctx, req); err != nil {
		return nil, err
	}

	req = a.validateDevices(ctx, req)
	if !req.Audio && !req.Video {
		return nil, &Error{Code: CodeDeviceNotFound, Cause: ErrNotFound}
	}

	ladder := buildLadder(req)
	var lastErr error
	for _, c := range ladder {
		stream, err := a.devices.GetUserMedia(ctx, c)
		if err != nil {
			lastErr = err
			a.logger.Debug("constraint rung failed",
				zap.Bool("video", c.Video),
				zap.Int("ideal_width", c.IdealWidth),
				zap.Error(err))
			continue
		}
		return &Result{Stream: stream, AudioOnly: !c.Video}, nil
	}

	return nil, Classify(lastErr)
}

// checkPermissions fails fast when a desired capability is already denied
func (a *Acquirer) checkPermissions(ctx context.Context, req Request) error {
	kinds := make([]DeviceKind, 0, 2)
	if req.Audio {
		kinds = append(kinds, KindAudioInput)
	}
	if req.Video {
		kinds = append(kinds, KindVideoInput)
	}

	for _, kind := range kinds {
		state, err := a.devices.PermissionState(ctx, kind)
		if err != nil {
			// The platform may not expose permission queries; proceed
			// and let getUserMedia decide.
			continue
		}
		if state == PermissionDenied {
			return &Error{Code: CodePermissionBlocked, Cause: ErrNotAllowed}
		}
	}
	return nil
}

// validateDevices drops preferred device ids that are no longer present
// and downgrades a video request when no camera exists, so a missing
// device falls back to "any" instead of failing outright.
func (a *Acquirer) validateDevices(ctx context.Context, req Request) Request {
	devices, err := a.devices.Enumerate(ctx)
	if err != nil {
		a.logger.Warn("device enumeration failed", zap.Error(err))
		req.AudioDeviceID = ""
		req.VideoDeviceID = ""
		return req
	}

	hasMic, hasCam := false, false
	audioIDs := make(map[string]bool)
	videoIDs := make(map[string]bool)
	for _, d := range devices {
		switch d.Kind {
		case KindAudioInput:
			hasMic = true
			audioIDs[d.ID] = true
		case KindVideoInput:
			hasCam = true
			videoIDs[d.ID] = true
		}
	}

	if req.AudioDeviceID != "" && !audioIDs[req.AudioDeviceID] {
		a.logger.Info("preferred microphone gone, using any", zap.String("device_id", req.AudioDeviceID))
		req.AudioDeviceID = ""
	}
	if req.VideoDeviceID != "" && !videoIDs[req.VideoDeviceID] {
		a.logger.Info("preferred camera gone, using any", zap.String("device_id", req.VideoDeviceID))
		req.VideoDeviceID = ""
	}

	if req.Video && !hasCam {
		a.logger.Info("no camera present, downgrading to audio-only")
		req.Video = false
	}
	if req.Audio && !hasMic {
		// Requesting a missing microphone guarantees a not-found error.
		req.Audio = false
	}

	return req
}

// buildLadder produces the descending constraint sets: preferred devices
// at ideal resolution, progressively relaxed video, audio-only, then
// maximally permissive.
func buildLadder(req Request) []Constraints {
	var ladder []Constraints

	if req.Video {
		ladder = append(ladder,
			Constraints{
				Audio: req.Audio, AudioDeviceID: req.AudioDeviceID,
				Video: true, VideoDeviceID: req.VideoDeviceID,
				IdealWidth: 1280, IdealHeight: 720, FacingMode: req.FacingMode,
			},
			Constraints{
				Audio: req.Audio, AudioDeviceID: req.AudioDeviceID,
				Video: true, VideoDeviceID: req.VideoDeviceID,
				IdealWidth: 640, IdealHeight: 480, FacingMode: req.FacingMode,
			},
		)
	}
	if req.Audio {
		ladder = append(ladder, Constraints{Audio: true, AudioDeviceID: req.AudioDeviceID})
	}
	// Maximally permissive: no device preferences, no resolution hints.
	ladder = append(ladder, Constraints{Audio: req.Audio, Video: req.Video})

	return ladder
}
