package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制帧：
// 4 字节头 | 可选 sequence | 可选 event 元数据 | 可选错误码 | payload 长度 | payload
const protocolVersion = 0b0001

type msgType uint8

const (
	typeFullClientRequest  msgType = 0b0001
	typeAudioOnlyRequest   msgType = 0b0010
	typeFullServerResponse msgType = 0b1001
	typeAudioOnlyResponse  msgType = 0b1011
	typeErrorMessage       msgType = 0b1111
)

type msgFlags uint8

const (
	flagNoSequence       msgFlags = 0b0000
	flagPositiveSequence msgFlags = 0b0001
	flagLastNoSequence   msgFlags = 0b0010
	flagNegativeSequence msgFlags = 0b0011
	flagWithEvent        msgFlags = 0b0100
)

const (
	serializationNone uint8 = 0b0000
	serializationJSON uint8 = 0b0001

	compressionNone uint8 = 0b0000
	compressionGzip uint8 = 0b0001
)

type eventType int32

const (
	eventStartConnection    eventType = 1
	eventFinishConnection   eventType = 2
	eventConnectionStarted  eventType = 50
	eventConnectionFailed   eventType = 51
	eventConnectionFinished eventType = 52
	eventSessionFinished    eventType = 152
	eventSessionFailed      eventType = 153
)

// frame 是一帧解码后的内容。
type frame struct {
	kind          msgType
	flags         msgFlags
	serialization uint8
	compression   uint8
	sequence      int32
	event         eventType
	sessionID     string
	connectID     string
	errorCode     uint32
	payload       []byte
}

func (f *frame) hasSequence() bool {
	s := f.flags & 0b0011
	return s == flagPositiveSequence || s == flagNegativeSequence
}

func (f *frame) hasEvent() bool {
	return f.flags&flagWithEvent == flagWithEvent
}

// isLast reports whether the sender marked this as the final packet.
func (f *frame) isLast() bool {
	s := f.flags & 0b0011
	return s == flagLastNoSequence || s == flagNegativeSequence
}

func connectionLevel(e eventType) bool {
	switch e {
	case eventStartConnection, eventFinishConnection, eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func carriesConnectID(e eventType) bool {
	return e == eventConnectionStarted || e == eventConnectionFailed || e == eventConnectionFinished
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func (f *frame) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.kind)<<4 | uint8(f.flags))
	buf.WriteByte(f.serialization<<4 | f.compression)
	buf.WriteByte(0)

	if f.hasSequence() {
		putUint32(&buf, uint32(f.sequence))
	}
	if f.hasEvent() {
		putUint32(&buf, uint32(f.event))
		if !connectionLevel(f.event) {
			putString(&buf, f.sessionID)
		}
		if carriesConnectID(f.event) {
			putString(&buf, f.connectID)
		}
	}
	if f.kind == typeErrorMessage {
		putUint32(&buf, f.errorCode)
	}
	putUint32(&buf, uint32(len(f.payload)))
	buf.Write(f.payload)
	return buf.Bytes()
}

type frameReader struct {
	r   io.Reader
	err error
}

func (fr *frameReader) uint32() uint32 {
	if fr.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(fr.r, b[:]); err != nil {
		fr.err = err
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (fr *frameReader) bytes(n uint32) []byte {
	if fr.err != nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(fr.r, out); err != nil {
		fr.err = err
		return nil
	}
	return out
}

func decodeFrame(data []byte) (*frame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if v := data[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}
	headerSize := int(data[0]&0x0F) * 4
	if headerSize < 4 || len(data) < headerSize {
		return nil, fmt.Errorf("invalid header size: %d", headerSize)
	}

	f := &frame{
		kind:          msgType(data[1] >> 4),
		flags:         msgFlags(data[1] & 0x0F),
		serialization: data[2] >> 4,
		compression:   data[2] & 0x0F,
	}

	fr := &frameReader{r: bytes.NewReader(data[headerSize:])}
	if f.hasSequence() {
		f.sequence = int32(fr.uint32())
	}
	if f.hasEvent() {
		f.event = eventType(int32(fr.uint32()))
		if !connectionLevel(f.event) {
			f.sessionID = string(fr.bytes(fr.uint32()))
		}
		if carriesConnectID(f.event) {
			f.connectID = string(fr.bytes(fr.uint32()))
		}
	}
	if f.kind == typeErrorMessage {
		f.errorCode = fr.uint32()
	}
	f.payload = fr.bytes(fr.uint32())
	if fr.err != nil {
		return nil, fmt.Errorf("truncated frame: %w", fr.err)
	}
	return f, nil
}

// body 返回解压后的 payload。
func (f *frame) body() ([]byte, error) {
	switch f.compression {
	case compressionNone:
		return f.payload, nil
	case compressionGzip:
		return gunzip(f.payload)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.compression)
	}
}

func newFullClientRequest(payload []byte, compression uint8) *frame {
	return &frame{
		kind:          typeFullClientRequest,
		flags:         flagNoSequence,
		serialization: serializationJSON,
		compression:   compression,
		payload:       payload,
	}
}

// newAudioFrame 构造音频包。最后一包使用负序号。
func newAudioFrame(chunk []byte, sequence int32, last bool) *frame {
	f := &frame{
		kind:          typeAudioOnlyRequest,
		flags:         flagPositiveSequence,
		serialization: serializationNone,
		compression:   compressionGzip,
		sequence:      sequence,
		payload:       chunk,
	}
	if last {
		f.flags = flagNegativeSequence
		f.sequence = -sequence
	}
	return f
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
