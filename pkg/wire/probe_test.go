package wire_test

import (
	"testing"

	"github.com/malbeclabs/netpoke/pkg/udpx"
	"github.com/malbeclabs/netpoke/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestProbePacket_Roundtrip(t *testing.T) {
	t.Parallel()

	p := &wire.ProbePacket{
		Seq:         42,
		TimestampMS: 1234567,
		Direction:   wire.DirectionS2C,
		SendOptions: &wire.SendOptions{TTL: 3, DF: true},
	}
	b, err := p.Marshal()
	require.NoError(t, err)

	got, err := wire.UnmarshalProbePacket(b)
	require.NoError(t, err)
	require.Equal(t, p.Seq, got.Seq)
	require.Equal(t, p.TimestampMS, got.TimestampMS)
	require.Equal(t, p.Direction, got.Direction)
	require.Equal(t, udpx.Options{TTL: 3, DF: true}, got.SendOptions.Options())
}

func TestProbePacket_RejectsBadDirection(t *testing.T) {
	t.Parallel()

	_, err := wire.UnmarshalProbePacket([]byte(`{"seq":1,"timestamp_ms":2,"direction":"UP"}`))
	require.ErrorIs(t, err, wire.ErrInvalidPacket)

	p := &wire.ProbePacket{Seq: 1, Direction: "sideways"}
	_, err = p.Marshal()
	require.ErrorIs(t, err, wire.ErrInvalidPacket)
}

func TestProbePacket_PadToSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{296, 576, 1024, 1200, 1400, 1472, 1500} {
		p := &wire.ProbePacket{Seq: 9, TimestampMS: 1, Direction: wire.DirectionS2C,
			SendOptions: &wire.SendOptions{TTL: 8, DF: true}}
		b, err := p.PadToSize(size)
		require.NoError(t, err)
		require.Len(t, b, size)

		got, err := wire.UnmarshalProbePacket(b)
		require.NoError(t, err)
		require.Equal(t, uint64(9), got.Seq)
	}
}

func TestProbePacket_PadToSizeTooSmall(t *testing.T) {
	t.Parallel()

	p := &wire.ProbePacket{Seq: 1, TimestampMS: 1, Direction: wire.DirectionS2C}
	_, err := p.PadToSize(10)
	require.Error(t, err)
}

func TestSendOptions_NilMeansDefaults(t *testing.T) {
	t.Parallel()

	var o *wire.SendOptions
	require.True(t, o.Options().IsZero())
	require.Nil(t, wire.SendOptionsFrom(udpx.Options{}))
	require.Equal(t, &wire.SendOptions{TTL: 1}, wire.SendOptionsFrom(udpx.Options{TTL: 1}))
}
