// Package codec frames protobuf messages over a connection's byte stream.
//
// Every frame is
//
//	uint32 length | uint16 nameLen | name | body
//
// in little endian, where length counts everything after itself and name is the full
// protobuf name of the message. Receivers resolve the name through a type registry, so
// both peers only need to link the same generated packages.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/network/session"
	"github.com/linchenxuan/realtinet/network/transport/udp"
	"github.com/linchenxuan/realtinet/utils/pool"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

const (
	_lenSize     = 4
	_nameLenSize = 2

	// DefaultMaxFrameSize bounds the length field of a frame.
	DefaultMaxFrameSize = 1 << 20
)

var (
	// ErrFrameTooLarge means a frame length exceeds the limit. The stream cannot be
	// resynchronized after it.
	ErrFrameTooLarge = errors.New("codec: frame too large")
	// ErrMalformedFrame means a frame's name does not fit inside it.
	ErrMalformedFrame = errors.New("codec: malformed frame")
	// ErrUnknownMessage means the frame names a message the registry does not know.
	// The frame is skipped.
	ErrUnknownMessage = errors.New("codec: unknown message")
	// ErrBadBody means the frame body did not unmarshal. The frame is skipped.
	ErrBadBody = errors.New("codec: bad message body")
)

var _framePool = pool.NewBufferPool("codec_frame", 512, 64<<10)

// Handler receives each decoded message on the connection's loop.
type Handler func(c *udp.Connection, msg proto.Message, receiveTime time.Time)

// Option configures a ProtoCodec.
type Option func(*ProtoCodec)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(pc *ProtoCodec) {
		if n > 0 {
			pc.maxFrame = n
		}
	}
}

// WithTypes resolves message names through r instead of protoregistry.GlobalTypes.
func WithTypes(r protoregistry.MessageTypeResolver) Option {
	return func(pc *ProtoCodec) {
		if r != nil {
			pc.types = r
		}
	}
}

// ProtoCodec encodes and decodes name-tagged protobuf frames.
type ProtoCodec struct {
	handler  Handler
	maxFrame int
	types    protoregistry.MessageTypeResolver
}

// NewProtoCodec returns a codec that hands decoded messages to h.
func NewProtoCodec(h Handler, opts ...Option) *ProtoCodec {
	pc := &ProtoCodec{
		handler:  h,
		maxFrame: DefaultMaxFrameSize,
		types:    protoregistry.GlobalTypes,
	}
	for _, opt := range opts {
		opt(pc)
	}
	return pc
}

// Encode appends the frame of m to b.
func (pc *ProtoCodec) Encode(m proto.Message, b []byte) ([]byte, error) {
	name := m.ProtoReflect().Descriptor().FullName()
	if len(name) > math.MaxUint16 {
		return b, fmt.Errorf("%w: name of %d bytes", ErrMalformedFrame, len(name))
	}

	start := len(b)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
	b = append(b, name...)
	out, err := proto.MarshalOptions{}.MarshalAppend(b, m)
	if err != nil {
		return b[:start], fmt.Errorf("marshal %s: %w", name, err)
	}
	b = out

	frameLen := len(b) - start - _lenSize
	if frameLen > pc.maxFrame {
		return b[:start], fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFrameTooLarge, name, frameLen, pc.maxFrame)
	}
	binary.LittleEndian.PutUint32(b[start:], uint32(frameLen))
	return b, nil
}

// Decode takes one frame off the front of buf. It returns (nil, nil) while the frame
// is incomplete. ErrUnknownMessage and ErrBadBody consume the frame; ErrFrameTooLarge
// and ErrMalformedFrame mean the stream is unusable.
func (pc *ProtoCodec) Decode(buf *bytes.Buffer) (proto.Message, error) {
	data := buf.Bytes()
	if len(data) < _lenSize {
		return nil, nil
	}
	frameLen := int(binary.LittleEndian.Uint32(data))
	if frameLen > pc.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, frameLen, pc.maxFrame)
	}
	if frameLen < _nameLenSize {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedFrame, frameLen)
	}
	if len(data) < _lenSize+frameLen {
		return nil, nil
	}

	frame := buf.Next(_lenSize + frameLen)[_lenSize:]
	nameLen := int(binary.LittleEndian.Uint16(frame))
	if _nameLenSize+nameLen > frameLen {
		return nil, fmt.Errorf("%w: name of %d bytes in a %d byte frame", ErrMalformedFrame, nameLen, frameLen)
	}
	name := protoreflect.FullName(frame[_nameLenSize : _nameLenSize+nameLen])
	body := frame[_nameLenSize+nameLen:]

	mt, err := pc.types.FindMessageByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, name)
	}
	msg := mt.New().Interface()
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadBody, name, err)
	}
	return msg, nil
}

// OnMessage decodes every complete frame in buf and calls the handler for each. It
// matches udp.MessageCallback. Frames the codec cannot resynchronize after force-close
// the connection.
func (pc *ProtoCodec) OnMessage(c *udp.Connection, buf *bytes.Buffer, receiveTime time.Time) {
	for {
		msg, err := pc.Decode(buf)
		switch {
		case err == nil && msg == nil:
			return
		case err == nil:
			pc.handler(c, msg, receiveTime)
		case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrBadBody):
			decodeError("skipped")
			log.Warn().Str("conn", c.Name()).Err(err).Msg("frame skipped")
		default:
			decodeError("fatal")
			log.Error().Str("conn", c.Name()).Err(err).Msg("undecodable stream, closing")
			buf.Reset()
			c.ForceClose()
			return
		}
	}
}

func decodeError(reason string) {
	metrics.IncrCounterWithDimGroup(metrics.NameCodecDecodeErrorTotal, metrics.GroupRealtinet, 1,
		metrics.Dimension{metrics.DimReason: reason})
}

// Send encodes m and sends the frame reliably.
func (pc *ProtoCodec) Send(c *udp.Connection, m proto.Message) error {
	return pc.SendWithMode(c, m, session.Reliable)
}

// SendWithMode encodes m and sends the frame on the given lane. Unreliable frames must fit
// in one datagram.
func (pc *ProtoCodec) SendWithMode(c *udp.Connection, m proto.Message, mode session.Mode) error {
	buf := _framePool.Get()
	defer _framePool.Put(buf)

	frame, err := pc.Encode(m, buf.AvailableBuffer())
	if err != nil {
		return err
	}
	c.SendWithMode(frame, mode)
	return nil
}
