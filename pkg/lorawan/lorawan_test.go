package lorawan

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestCalculateMIC_RFC4493(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"empty", "", "bb1d6929"},
		{"one block", "6bc1bee22e409f96e93d7e117393172a", "070a16b4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic, err := CalculateMIC(key, mustHex(t, tt.msg))
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(mic[:]))
		})
	}
}

func buildUplink(t *testing.T, key AES128Key, addr DevAddr, fullFCnt uint32) *PHYPayload {
	t.Helper()
	port := uint8(1)
	mac := MACPayload{
		FHDR:       FHDR{DevAddr: addr, FCnt: uint16(fullFCnt)},
		FPort:      &port,
		FRMPayload: []byte{0x01, 0x02, 0x03},
	}
	raw, err := mac.Marshal(true)
	require.NoError(t, err)

	phy := &PHYPayload{MHDR: MHDR{MType: UnconfirmedDataUp}, MACPayload: raw}
	require.NoError(t, phy.SetUplinkDataMIC(key, fullFCnt))
	return phy
}

func TestUplinkDataMIC(t *testing.T) {
	key := AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	addr := DevAddr{0x26, 0x01, 0x1b, 0xda}

	phy := buildUplink(t, key, addr, 0x00010005)

	ok, err := phy.ValidateUplinkDataMIC(key, 0x00010005)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = phy.ValidateUplinkDataMIC(key, 0x00000005)
	require.NoError(t, err)
	assert.False(t, ok, "high bits take part in the MIC")

	ok, err = phy.ValidateUplinkDataMIC(AES128Key{}, 0x00010005)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPHYPayloadBinaryRoundTrip(t *testing.T) {
	key := AES128Key{0xAA}
	phy := buildUplink(t, key, DevAddr{1, 2, 3, 4}, 7)

	raw, err := phy.MarshalBinary()
	require.NoError(t, err)

	var decoded PHYPayload
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, *phy, decoded)

	mac, err := decoded.DecodeMACPayload()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), mac.FHDR.FCnt)
	assert.Equal(t, DevAddr{1, 2, 3, 4}, mac.FHDR.DevAddr)
	require.NotNil(t, mac.FPort)
	assert.Equal(t, uint8(1), *mac.FPort)
}

func TestDecodeMACPayloadRejectsJoin(t *testing.T) {
	phy := &PHYPayload{MHDR: MHDR{MType: JoinRequest}, MACPayload: make([]byte, 18)}
	_, err := phy.DecodeMACPayload()
	assert.ErrorIs(t, err, ErrNotDataPayload)
}

func TestJoinRequestMIC(t *testing.T) {
	appKey := AES128Key{0x01}
	jr := JoinRequestPayload{
		JoinEUI:  EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DevEUI:   EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		DevNonce: [2]byte{0x34, 0x12},
	}
	raw, err := jr.MarshalBinary()
	require.NoError(t, err)

	phy := &PHYPayload{MHDR: MHDR{MType: JoinRequest}, MACPayload: raw}
	require.NoError(t, phy.SetUplinkJoinMIC(appKey))

	ok, err := phy.ValidateUplinkJoinMIC(appKey)
	require.NoError(t, err)
	assert.True(t, ok)

	decoded, err := phy.DecodeJoinRequest()
	require.NoError(t, err)
	assert.Equal(t, jr, *decoded)
	assert.Equal(t, uint16(0x1234), decoded.Nonce())
}

func TestGetFullFCnt(t *testing.T) {
	tests := []struct {
		last uint32
		wire uint16
		want uint32
	}{
		{9, 19, 19},
		{0x0000FFF0, 0x0005, 0x00010005},
		{0x00010005, 0x0006, 0x00010006},
		{100, 50, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetFullFCnt(tt.last, tt.wire))
	}
}

func TestFullFCntCandidates(t *testing.T) {
	assert.Equal(t, []uint32{5}, FullFCntCandidates(3, 5)[:1])
	assert.Equal(t, []uint32{5, 0x10005}, FullFCntCandidates(3, 5))
	assert.Equal(t, []uint32{0x20005, 0x30005, 0x10005}, FullFCntCandidates(0x2FFFF, 5))
}

func TestLinkADRReqPayload(t *testing.T) {
	p := LinkADRReqPayload{DataRate: 5, TXPower: 2, ChMask: 0x00FF, NbRep: 1}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x52, 0xFF, 0x00, 0x01}, b)

	var decoded LinkADRReqPayload
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.Equal(t, p, decoded)

	_, err = LinkADRReqPayload{DataRate: 16}.MarshalBinary()
	assert.Error(t, err)
}

func TestParseMACCommands(t *testing.T) {
	cmds, err := ParseMACCommands(true, []byte{LinkCheckReq, LinkADRAns, 0x07, DevStatusAns, 0xFE, 0x05})
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, []byte{0x07}, cmds[1].Payload)
	assert.Equal(t, []byte{0xFE, 0x05}, cmds[2].Payload)

	_, err = ParseMACCommands(true, []byte{0x7F})
	assert.Error(t, err)

	encoded := EncodeMACCommands(cmds)
	assert.Equal(t, []byte{LinkCheckReq, LinkADRAns, 0x07, DevStatusAns, 0xFE, 0x05}, encoded)
}

func TestRegion(t *testing.T) {
	region, err := GetRegionConfiguration("eu868")
	require.NoError(t, err)

	dr, err := region.DataRateIndex("SF7BW125")
	require.NoError(t, err)
	assert.Equal(t, uint8(5), dr)

	_, err = region.DataRateIndex("SF5BW125")
	assert.Error(t, err)

	snr, err := region.RequiredSNR(0)
	require.NoError(t, err)
	assert.Equal(t, -20.0, snr)

	assert.Equal(t, uint16(0x0007), region.DefaultChannelMask())

	_, err = GetRegionConfiguration("XX000")
	assert.Error(t, err)
}

func TestEncryptFRMPayloadSymmetric(t *testing.T) {
	key := AES128Key{0x42}
	plain := []byte("hello lorawan payload that spans two blocks")
	enc, err := EncryptFRMPayload(key, DevAddr{1, 2, 3, 4}, 10, true, plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, enc)

	dec, err := EncryptFRMPayload(key, DevAddr{1, 2, 3, 4}, 10, true, enc)
	require.NoError(t, err)
	assert.Equal(t, plain, dec)
}

func TestDeriveSessionKeys10(t *testing.T) {
	nwk, app, err := DeriveSessionKeys10(AES128Key{1}, [3]byte{1, 2, 3}, [3]byte{0, 0, 1}, [2]byte{9, 9})
	require.NoError(t, err)
	assert.NotEqual(t, nwk, app)
	assert.False(t, nwk.IsZero())
}
