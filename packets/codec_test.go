// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, pk Packet) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, pk.Write(buf))
	return buf
}

func TestReadPacketPublishFlags(t *testing.T) {
	buf := encode(t, Packet{
		FixedHeader: FixedHeader{Type: Publish, Qos: 1, Dup: true, Retain: true},
		TopicName:   "sensors/room1/temp",
		PacketID:    7,
		Payload:     []byte("21.5"),
	})

	pk, err := ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, Publish, pk.FixedHeader.Type)
	require.Equal(t, byte(1), pk.FixedHeader.Qos)
	require.True(t, pk.FixedHeader.Dup)
	require.True(t, pk.FixedHeader.Retain)
	require.Equal(t, "sensors/room1/temp", pk.TopicName)
	require.Equal(t, uint16(7), pk.PacketID)
	require.Equal(t, []byte("21.5"), pk.Payload)
	require.NotZero(t, pk.Created)
}

func TestReadPacketConnect(t *testing.T) {
	buf := encode(t, Packet{
		FixedHeader:     FixedHeader{Type: Connect},
		ProtocolVersion: ProtocolVersion311,
		Connect: ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ClientIdentifier: "c1",
			Clean:            true,
			Keepalive:        30,
			WillFlag:         true,
			WillTopic:        "clients/c1/status",
			WillPayload:      []byte("gone"),
			WillQos:          1,
			UsernameFlag:     true,
			Username:         []byte("melon"),
			PasswordFlag:     true,
			Password:         []byte("pass"),
		},
	})

	pk, err := ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, Connect, pk.FixedHeader.Type)
	require.Equal(t, ProtocolVersion311, pk.ProtocolVersion)
	require.Equal(t, "c1", pk.Connect.ClientIdentifier)
	require.True(t, pk.Connect.Clean)
	require.Equal(t, uint16(30), pk.Connect.Keepalive)
	require.True(t, pk.Connect.WillFlag)
	require.Equal(t, "clients/c1/status", pk.Connect.WillTopic)
	require.Equal(t, []byte("gone"), pk.Connect.WillPayload)
	require.Equal(t, byte(1), pk.Connect.WillQos)
	require.Equal(t, []byte("melon"), pk.Connect.Username)
	require.Equal(t, []byte("pass"), pk.Connect.Password)
}

func TestReadPacketSubscribeFilters(t *testing.T) {
	buf := encode(t, Packet{
		FixedHeader: FixedHeader{Type: Subscribe, Qos: 1},
		PacketID:    3,
		Filters: Subscriptions{
			{Filter: "a/+/c", Qos: 1},
			{Filter: "d/#", Qos: 2},
		},
	})

	pk, err := ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(3), pk.PacketID)
	require.Equal(t, Subscriptions{
		{Filter: "a/+/c", Qos: 1},
		{Filter: "d/#", Qos: 2},
	}, pk.Filters)
}

func TestReadPacketPubrelDup(t *testing.T) {
	buf := encode(t, Packet{
		FixedHeader: FixedHeader{Type: Pubrel, Dup: true},
		PacketID:    11,
	})

	pk, err := ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, Pubrel, pk.FixedHeader.Type)
	require.Equal(t, byte(1), pk.FixedHeader.Qos)
	require.Equal(t, uint16(11), pk.PacketID)
}

func TestReadPacketMalformed(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0x00, 0x00}))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedPacket))
}

func TestReadPacketEOF(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{}))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadPacketDeadline(t *testing.T) {
	r, w := net.Pipe()
	defer w.Close()
	defer r.Close()
	require.NoError(t, r.SetReadDeadline(time.Now().Add(-time.Second)))

	_, err := ReadPacket(r)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrMalformedPacket))

	var nerr net.Error
	require.True(t, errors.As(err, &nerr))
	require.True(t, nerr.Timeout())
}

func TestWriteUnknownType(t *testing.T) {
	err := Packet{FixedHeader: FixedHeader{Type: Reserved}}.Write(new(bytes.Buffer))
	require.ErrorIs(t, err, ErrProtocolViolationUnknownPacket)
}
