package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

func TestReportedMerge(t *testing.T) {
	r := ReportedProperties{FCntUp: Uint32(9), FCntDown: Uint32(3), DataRate: Uint8(0)}
	r.Merge(ReportedProperties{FCntUp: Uint32(19), LastStation: "st-1"})

	assert.Equal(t, uint32(19), *r.FCntUp)
	assert.Equal(t, uint32(3), *r.FCntDown)
	assert.Equal(t, uint8(0), *r.DataRate)
	assert.Equal(t, "st-1", r.LastStation)
}

func TestReportedPatchOmitsUnsetFields(t *testing.T) {
	b, err := json.Marshal(ReportedProperties{FCntUp: Uint32(0)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fCntUp":0}`, string(b))
}

func TestParseDeduplicationMode(t *testing.T) {
	tests := map[string]DeduplicationMode{
		"drop": DeduplicationDrop,
		"Mark": DeduplicationMark,
		"none": DeduplicationNone,
	}
	for in, want := range tests {
		got, err := ParseDeduplicationMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want, must(ParseDeduplicationMode(got.String())))
	}

	_, err := ParseDeduplicationMode("sometimes")
	assert.Error(t, err)
}

func must(m DeduplicationMode, err error) DeduplicationMode {
	if err != nil {
		panic(err)
	}
	return m
}

func TestActivationMode(t *testing.T) {
	key := lorawan.AES128Key{1}
	assert.Equal(t, lorawan.OTAA, (&Twin{Desired: DesiredProperties{AppKey: &key}}).ActivationMode())
	assert.Equal(t, lorawan.ABP, (&Twin{Desired: DesiredProperties{NwkSKey: &key}}).ActivationMode())
}
