package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/solace/backend/internal/model/consent"
)

func granted(context.Context) (consent.State, error) { return consent.Granted, nil }

func TestStartRequiresGrantedConsent(t *testing.T) {
	checks := map[string]ConsentCheck{
		"unset":  func(context.Context) (consent.State, error) { return consent.Unset, nil },
		"denied": func(context.Context) (consent.State, error) { return consent.Denied, nil },
		"error":  func(context.Context) (consent.State, error) { return consent.Granted, errors.New("db down") },
		"nil":    nil,
	}
	for name, check := range checks {
		t.Run(name, func(t *testing.T) {
			device := NewBufferDevice(0)
			s := NewSession(device, time.Second, nil)
			assert.ErrorIs(t, s.Start(context.Background(), check), ErrConsentRequired)
			assert.ErrorIs(t, s.Append([]byte("x")), ErrNotRecording)
			assert.False(t, device.open, "device never opened")
		})
	}
}

func TestUserStopReleasesDevice(t *testing.T) {
	device := NewBufferDevice(0)
	var calls atomic.Int32
	s := NewSession(device, time.Minute, func(Result) { calls.Add(1) })

	require.NoError(t, s.Start(context.Background(), granted))
	require.NoError(t, s.Append([]byte("ab")))
	require.NoError(t, s.Append([]byte("cd")))

	res, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), res.Audio)
	assert.Equal(t, StopByUser, res.Reason)
	assert.True(t, device.Released())

	_, err = s.Stop()
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "release runs once")
	assert.ErrorIs(t, s.Append([]byte("x")), ErrNotRecording)
}

func TestTimeoutStopsAutomatically(t *testing.T) {
	device := NewBufferDevice(0)
	results := make(chan Result, 1)
	s := NewSession(device, 20*time.Millisecond, func(r Result) { results <- r })

	require.NoError(t, s.Start(context.Background(), granted))
	require.NoError(t, s.Append([]byte("hello")))

	select {
	case r := <-results:
		assert.Equal(t, StopByTimeout, r.Reason)
		assert.Equal(t, []byte("hello"), r.Audio)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop on timeout")
	}
	assert.True(t, device.Released())

	res, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, StopByTimeout, res.Reason)
}

func TestLimitIsCapped(t *testing.T) {
	assert.Equal(t, MaxDuration, NewSession(NewBufferDevice(0), time.Hour, nil).limit)
	assert.Equal(t, MaxDuration, NewSession(NewBufferDevice(0), 0, nil).limit)
}

func TestStopBeforeStart(t *testing.T) {
	s := NewSession(NewBufferDevice(0), time.Second, nil)
	_, err := s.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestBufferDeviceLimit(t *testing.T) {
	d := NewBufferDevice(3)
	require.NoError(t, d.Open())
	require.NoError(t, d.Write([]byte("ab")))
	assert.Error(t, d.Write([]byte("cd")))
	assert.Error(t, d.Open())
}
