// Package capture owns a time-boxed voice recording and the device behind it.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/solace/backend/internal/model/consent"
)

// MaxDuration is the hard ceiling of a single recording.
const MaxDuration = 15 * time.Second

var (
	ErrConsentRequired = errors.New("voice consent required")
	ErrNotRecording    = errors.New("capture session is not recording")
	ErrAlreadyStarted  = errors.New("capture session already started")
)

// StopReason 区分停止来源，两者走同一条释放路径。
type StopReason string

const (
	StopByUser    StopReason = "user"
	StopByTimeout StopReason = "timeout"
)

// Device 是被录音会话独占的采集设备。
type Device interface {
	Open() error
	Write(chunk []byte) error
	Close() ([]byte, error)
}

// Result is handed to the completion callback exactly once.
type Result struct {
	Audio  []byte
	Reason StopReason
	Err    error
}

// ConsentCheck 在打开设备前立即读取最新授权。
type ConsentCheck func(ctx context.Context) (consent.State, error)

// Session is one recording.
type Session struct {
	mu      sync.Mutex
	device  Device
	limit   time.Duration
	onDone  func(Result)
	timer   *time.Timer
	started bool
	release sync.Once
	done    chan struct{}
	result  Result
}

// NewSession creates a recording bounded by limit (MaxDuration when zero or larger).
func NewSession(device Device, limit time.Duration, onDone func(Result)) *Session {
	if limit <= 0 || limit > MaxDuration {
		limit = MaxDuration
	}
	return &Session{
		device: device,
		limit:  limit,
		onDone: onDone,
		done:   make(chan struct{}),
	}
}

// Start 检查授权后打开设备并启动自动停止计时器。
func (s *Session) Start(ctx context.Context, check ConsentCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	state := consent.Unset
	if check != nil {
		// 读取失败按未设置处理
		if st, err := check(ctx); err == nil {
			state = st
		}
	}
	if state != consent.Granted {
		return ErrConsentRequired
	}

	if err := s.device.Open(); err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	s.started = true
	s.timer = time.AfterFunc(s.limit, func() { s.stop(StopByTimeout) })
	return nil
}

// Append writes a chunk to the device.
func (s *Session) Append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.isDone() {
		return ErrNotRecording
	}
	return s.device.Write(chunk)
}

// Stop ends the recording on user request and returns the captured result.
func (s *Session) Stop() (Result, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return Result{}, ErrNotRecording
	}
	s.stop(StopByUser)
	return s.Wait(), nil
}

// Done is closed after the device has been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session was released and returns its result.
func (s *Session) Wait() Result {
	<-s.done
	return s.result
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) stop(reason StopReason) {
	s.release.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		audio, err := s.device.Close()
		s.result = Result{Audio: audio, Reason: reason, Err: err}
		close(s.done)
		s.mu.Unlock()

		if s.onDone != nil {
			s.onDone(s.result)
		}
	})
}

// BufferDevice 将音频缓存在内存里，用于 WebSocket 推流的录音。
type BufferDevice struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	open   bool
	closed bool
	max    int
}

// NewBufferDevice creates a device that refuses data beyond maxBytes (0 means unlimited).
func NewBufferDevice(maxBytes int) *BufferDevice {
	return &BufferDevice{max: maxBytes}
}

func (d *BufferDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open || d.closed {
		return errors.New("device already in use")
	}
	d.open = true
	return nil
}

func (d *BufferDevice) Write(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("device not open")
	}
	if d.max > 0 && d.buf.Len()+len(chunk) > d.max {
		return fmt.Errorf("capture exceeds %d bytes", d.max)
	}
	d.buf.Write(chunk)
	return nil
}

func (d *BufferDevice) Close() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.closed = true
	return append([]byte(nil), d.buf.Bytes()...), nil
}

// Released reports whether Close has been called.
func (d *BufferDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed && !d.open
}
