package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	s := Shape{F: 8, D: 48, E: 0}
	require.NoError(t, s.Validate())

	id := bytes.Repeat([]byte{0x01}, 8)
	data := bytes.Repeat([]byte{0xAA}, 48)

	buf := make([]byte, MaxSize)
	enc, err := s.Encode(id, data, buf)
	require.NoError(t, err)
	require.Len(t, enc, 57)
	require.Equal(t, byte(0), enc[8])

	gotID, gotData, err := s.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, data, gotData)
}

func TestEncode_WrongLengths(t *testing.T) {
	s := Shape{F: 8, D: 48, E: 0}
	buf := make([]byte, MaxSize)

	_, err := s.Encode(make([]byte, 7), make([]byte, 48), buf)
	require.Error(t, err)

	_, err = s.Encode(make([]byte, 8), make([]byte, 47), buf)
	require.Error(t, err)
}

func TestDecode_BadGuardByte(t *testing.T) {
	s := Shape{F: 4, D: 4, E: 0}
	buf := make([]byte, 9)
	buf[4] = 1 // should be zero
	_, _, err := s.Decode(buf)
	require.Error(t, err)
}

func TestDecode_WrongLength(t *testing.T) {
	s := Shape{F: 4, D: 4, E: 0}
	_, _, err := s.Decode(make([]byte, 8))
	require.Error(t, err)
}

func TestShape_MaxSizeBoundary(t *testing.T) {
	ok := Shape{F: 200, D: 54, E: 0} // 200+1+54 = 255
	require.NoError(t, ok.Validate())

	tooBig := Shape{F: 200, D: 55, E: 0} // 256
	require.Error(t, tooBig.Validate())
}

func TestShape_ExtraPadZeroed(t *testing.T) {
	s := Shape{F: 2, D: 2, E: 4}
	buf := make([]byte, s.Size())
	for i := range buf {
		buf[i] = 0xFF
	}
	enc, err := s.Encode([]byte{1, 2}, []byte{3, 4}, buf)
	require.NoError(t, err)
	for i := s.F + 1 + s.D; i < s.Size(); i++ {
		require.Equal(t, byte(0), enc[i])
	}
}

func TestShape_ZeroIDSizeInvalid(t *testing.T) {
	require.Error(t, Shape{F: 0, D: 1}.Validate())
}
