package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"pgregory.net/rapid"
)

func rawFrame(name string, body []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(2+len(name)+len(body)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
	b = append(b, name...)
	return append(b, body...)
}

func TestFramingRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.SliceOf(rapid.Byte()), 1, 20).Draw(t, "values")
		pc := NewProtoCodec(nil)

		var wire []byte
		for _, v := range values {
			var err error
			wire, err = pc.Encode(wrapperspb.Bytes(v), wire)
			require.NoError(t, err)
		}

		// Feed the stream in arbitrary pieces, decoding whatever is complete.
		var buf bytes.Buffer
		var got [][]byte
		for len(wire) > 0 {
			n := rapid.IntRange(1, len(wire)).Draw(t, "piece")
			buf.Write(wire[:n])
			wire = wire[n:]
			for {
				msg, err := pc.Decode(&buf)
				require.NoError(t, err)
				if msg == nil {
					break
				}
				got = append(got, msg.(*wrapperspb.BytesValue).GetValue())
			}
		}

		require.Len(t, got, len(values))
		for i := range values {
			assert.True(t, bytes.Equal(values[i], got[i]), "value %d", i)
		}
		assert.Zero(t, buf.Len())
	})
}

func TestDecodeIncomplete(t *testing.T) {
	pc := NewProtoCodec(nil)
	frame, err := pc.Encode(wrapperspb.String("partial"), nil)
	require.NoError(t, err)

	for _, n := range []int{0, 3, 4, 6, len(frame) - 1} {
		buf := bytes.NewBuffer(append([]byte(nil), frame[:n]...))
		msg, err := pc.Decode(buf)
		assert.NoError(t, err)
		assert.Nil(t, msg)
		assert.Equal(t, n, buf.Len(), "incomplete frames are left in place")
	}
}

func TestDecodeSkipsUnknownMessages(t *testing.T) {
	types := new(protoregistry.Types)
	require.NoError(t, types.RegisterMessage((&wrapperspb.StringValue{}).ProtoReflect().Type()))
	pc := NewProtoCodec(nil, WithTypes(types))

	wire, err := pc.Encode(wrapperspb.Int64(7), nil)
	require.NoError(t, err)
	wire, err = pc.Encode(wrapperspb.String("known"), wire)
	require.NoError(t, err)
	buf := bytes.NewBuffer(wire)

	_, err = pc.Decode(buf)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.ErrorContains(t, err, "google.protobuf.Int64Value")

	msg, err := pc.Decode(buf)
	require.NoError(t, err)
	assert.True(t, proto.Equal(wrapperspb.String("known"), msg))
	assert.Zero(t, buf.Len())
}

func TestDecodeBadBody(t *testing.T) {
	pc := NewProtoCodec(nil)
	wire := rawFrame("google.protobuf.StringValue", []byte{0x0a, 0x05, 'a'})
	wire, err := pc.Encode(wrapperspb.Bool(true), wire)
	require.NoError(t, err)
	buf := bytes.NewBuffer(wire)

	_, err = pc.Decode(buf)
	assert.ErrorIs(t, err, ErrBadBody)

	msg, err := pc.Decode(buf)
	require.NoError(t, err)
	assert.True(t, msg.(*wrapperspb.BoolValue).GetValue())
}

func TestFrameLimits(t *testing.T) {
	pc := NewProtoCodec(nil, WithMaxFrameSize(64))

	prefix := []byte("keep")
	out, err := pc.Encode(wrapperspb.String(string(make([]byte, 100))), prefix)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, prefix, out)

	huge := binary.LittleEndian.AppendUint32(nil, 1000)
	_, err = pc.Decode(bytes.NewBuffer(huge))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	short := binary.LittleEndian.AppendUint32(nil, 1)
	_, err = pc.Decode(bytes.NewBuffer(append(short, 0)))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	lying := binary.LittleEndian.AppendUint32(nil, 4)
	lying = binary.LittleEndian.AppendUint16(lying, 40)
	_, err = pc.Decode(bytes.NewBuffer(append(lying, 'a', 'b')))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
