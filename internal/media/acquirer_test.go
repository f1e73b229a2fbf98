package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrack implements Track
type fakeTrack struct {
	kind    string
	stopped bool
}

func (t *fakeTrack) Kind() string  { return t.kind }
func (t *fakeTrack) Label() string { return "fake " + t.kind }
func (t *fakeTrack) Stop()         { t.stopped = true }

// fakeStream implements Stream
type fakeStream struct {
	id     string
	tracks []Track
}

func (s *fakeStream) ID() string      { return s.id }
func (s *fakeStream) Tracks() []Track { return s.tracks }

// fakeDevices simulates the platform capture surface
type fakeDevices struct {
	supported   bool
	secure      bool
	permissions map[DeviceKind]PermissionState
	devices     []Device

	// gumErr maps rung index to an error; rungs past the map succeed
	gumErr   map[int]error
	gumCalls []Constraints
}

func (f *fakeDevices) Supported() bool     { return f.supported }
func (f *fakeDevices) SecureContext() bool { return f.secure }

func (f *fakeDevices) PermissionState(_ context.Context, kind DeviceKind) (PermissionState, error) {
	if state, ok := f.permissions[kind]; ok {
		return state, nil
	}
	return PermissionUnknown, nil
}

func (f *fakeDevices) Enumerate(context.Context) ([]Device, error) {
	return f.devices, nil
}

func (f *fakeDevices) GetUserMedia(_ context.Context, c Constraints) (Stream, error) {
	idx := len(f.gumCalls)
	f.gumCalls = append(f.gumCalls, c)
	if err, ok := f.gumErr[idx]; ok {
		return nil, err
	}
	tracks := []Track{}
	if c.Audio {
		tracks = append(tracks, &fakeTrack{kind: "audio"})
	}
	if c.Video {
		tracks = append(tracks, &fakeTrack{kind: "video"})
	}
	return &fakeStream{id: "stream-1", tracks: tracks}, nil
}

func bothDevices() []Device {
	return []Device{
		{ID: "mic-1", Kind: KindAudioInput, Label: "Built-in Microphone"},
		{ID: "cam-1", Kind: KindVideoInput, Label: "Built-in Camera"},
	}
}

// TestAcquireHappyPath verifies the first rung succeeds with both tracks
func TestAcquireHappyPath(t *testing.T) {
	devs := &fakeDevices{supported: true, secure: true, devices: bothDevices()}
	a := NewAcquirer(devs, nil)

	res, err := a.Acquire(context.Background(), Request{Audio: true, Video: true})
	require.NoError(t, err)
	assert.False(t, res.AudioOnly)
	assert.Len(t, res.Stream.Tracks(), 2)
	require.Len(t, devs.gumCalls, 1)
	assert.Equal(t, 1280, devs.gumCalls[0].IdealWidth)
}

// TestAcquireUnsupported verifies the fast failure path
func TestAcquireUnsupported(t *testing.T) {
	a := NewAcquirer(&fakeDevices{supported: false, secure: true}, nil)

	_, err := a.Acquire(context.Background(), Request{Audio: true})
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, CodeUnsupported, mediaErr.Code)
}

// TestAcquireInsecureContext verifies capture is refused off HTTPS
func TestAcquireInsecureContext(t *testing.T) {
	a := NewAcquirer(&fakeDevices{supported: true, secure: false}, nil)

	_, err := a.Acquire(context.Background(), Request{Audio: true})
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, CodeInsecureContext, mediaErr.Code)
}

// TestAcquirePermissionPreCheck verifies no prompt is attempted when the
// permission is already denied
func TestAcquirePermissionPreCheck(t *testing.T) {
	devs := &fakeDevices{
		supported:   true,
		secure:      true,
		devices:     bothDevices(),
		permissions: map[DeviceKind]PermissionState{KindVideoInput: PermissionDenied},
	}
	a := NewAcquirer(devs, nil)

	_, err := a.Acquire(context.Background(), Request{Audio: true, Video: true})
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, CodePermissionBlocked, mediaErr.Code)
	assert.Empty(t, devs.gumCalls, "must not prompt a user who already refused")
}

// TestAcquireNoCameraFallsBackToAudio covers a caller with a working
// microphone but no camera requesting audio+video
func TestAcquireNoCameraFallsBackToAudio(t *testing.T) {
	devs := &fakeDevices{
		supported: true,
		secure:    true,
		devices:   []Device{{ID: "mic-1", Kind: KindAudioInput}},
	}
	a := NewAcquirer(devs, nil)

	res, err := a.Acquire(context.Background(), Request{Audio: true, Video: true})
	require.NoError(t, err)
	assert.True(t, res.AudioOnly)
	require.Len(t, devs.gumCalls, 1)
	assert.False(t, devs.gumCalls[0].Video, "video must be dropped before prompting")
}

// TestAcquireLadderDescends verifies relaxed rungs run in order until one
// succeeds
func TestAcquireLadderDescends(t *testing.T) {
	devs := &fakeDevices{
		supported: true,
		secure:    true,
		devices:   bothDevices(),
		gumErr: map[int]error{
			0: ErrOverconstrained,
			1: ErrOverconstrained,
		},
	}
	a := NewAcquirer(devs, nil)

	res, err := a.Acquire(context.Background(), Request{Audio: true, Video: true})
	require.NoError(t, err)
	assert.True(t, res.AudioOnly, "third rung is audio-only")
	require.Len(t, devs.gumCalls, 3)
	assert.False(t, devs.gumCalls[2].Video)
}

// TestAcquireStaleDeviceIDFallsBack verifies an absent preferred device
// degrades to "any device" rather than failing
func TestAcquireStaleDeviceIDFallsBack(t *testing.T) {
	devs := &fakeDevices{supported: true, secure: true, devices: bothDevices()}
	a := NewAcquirer(devs, nil)

	res, err := a.Acquire(context.Background(), Request{
		Audio:         true,
		Video:         true,
		VideoDeviceID: "unplugged-cam",
	})
	require.NoError(t, err)
	assert.False(t, res.AudioOnly)
	assert.Empty(t, devs.gumCalls[0].VideoDeviceID)
}

// TestAcquireClassifiesLastError verifies ladder exhaustion maps the last
// native error onto the taxonomy
func TestAcquireClassifiesLastError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"denied", ErrNotAllowed, CodePermissionBlocked},
		{"not found", ErrNotFound, CodeDeviceNotFound},
		{"overconstrained", ErrOverconstrained, CodeDeviceNotFound},
		{"in use", ErrNotReadable, CodeDeviceInUse},
		{"os privacy", ErrSystemDenied, CodeOSPrivacyBlock},
		{"abort", ErrAborted, CodeHardwareError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			devs := &fakeDevices{
				supported: true,
				secure:    true,
				devices:   bothDevices(),
				gumErr:    map[int]error{0: tc.err, 1: tc.err, 2: tc.err, 3: tc.err},
			}
			a := NewAcquirer(devs, nil)

			_, err := a.Acquire(context.Background(), Request{Audio: true, Video: true})
			var mediaErr *Error
			require.ErrorAs(t, err, &mediaErr)
			assert.Equal(t, tc.want, mediaErr.Code)
			assert.ErrorIs(t, err, tc.err, "native error retained as cause")
		})
	}
}

// TestAcquireNothingAvailable verifies a request with no usable inputs
// fails with DEVICE_NOT_FOUND
func TestAcquireNothingAvailable(t *testing.T) {
	devs := &fakeDevices{supported: true, secure: true}
	a := NewAcquirer(devs, nil)

	_, err := a.Acquire(context.Background(), Request{Audio: true, Video: true})
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, CodeDeviceNotFound, mediaErr.Code)
}

// TestResultStopAll verifies every track is stopped on cleanup
func TestResultStopAll(t *testing.T) {
	audio := &fakeTrack{kind: "audio"}
	video := &fakeTrack{kind: "video"}
	res := &Result{Stream: &fakeStream{id: "s", tracks: []Track{audio, video}}}

	res.StopAll()
	assert.True(t, audio.stopped)
	assert.True(t, video.stopped)
}
