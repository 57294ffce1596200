package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEapolRoundTrip(t *testing.T) {
	body := []byte{0xca, 0xfe, 0x42}
	buf := NewEapol(EapolTypeKey, body)
	assert.Equal(t, []byte{3, 3, 0, 3}, buf[:4])

	hdr, parsed, err := ParseEapol(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), hdr.Version)
	assert.Equal(t, EapolTypeKey, hdr.PacketType)
	assert.Equal(t, uint16(3), hdr.BodyLength)
	assert.Equal(t, body, parsed)
}

func TestEapolBodyLengthBigEndian(t *testing.T) {
	buf := NewEapol(EapolTypeEap, make([]byte, 0x0102))
	assert.Equal(t, []byte{3, 0, 1, 2}, buf[:4])
}

func TestEapolParsePadding(t *testing.T) {
	buf := append(NewEapol(EapolTypeEap, []byte{1, 2}), 0, 0, 0)
	hdr, body, err := ParseEapol(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), hdr.BodyLength)
	// Lower layers may pad; the header says where the payload ends.
	assert.Equal(t, []byte{1, 2, 0, 0, 0}, body)
}

func TestEapolParseShort(t *testing.T) {
	for _, buf := range [][]byte{nil, {3}, {3, 0, 0}} {
		_, _, err := ParseEapol(buf)
		assert.Error(t, err)
	}
}

func TestKmpIdString(t *testing.T) {
	assert.Equal(t, "eap", Kmp8021x.String())
	assert.Equal(t, "4wh", Kmp4wh.String())
	assert.Equal(t, "gkh", KmpGkh.String())
	assert.Equal(t, "kmp-9", KmpId(9).String())
}
