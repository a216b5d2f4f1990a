package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtensionListAddFind(t *testing.T) {
	el := ExtensionList{}
	require.Nil(t, el.Add(SupportedVersionsExtension{[]uint8{uint8(ProtocolVersionMLS10)}}))
	require.Nil(t, el.Add(ParentHashExtension{unhex("00010203")}))
	require.Len(t, el.Entries, 2)

	var sv SupportedVersionsExtension
	found, err := el.Find(&sv)
	require.True(t, found)
	require.Nil(t, err)
	require.Equal(t, []uint8{uint8(ProtocolVersionMLS10)}, sv.Versions)

	// Adding the same type replaces in place
	require.Nil(t, el.Add(SupportedVersionsExtension{[]uint8{0x02}}))
	require.Len(t, el.Entries, 2)

	found, err = el.Find(&sv)
	require.True(t, found)
	require.Nil(t, err)
	require.Equal(t, []uint8{0x02}, sv.Versions)
}

func TestExtensionListFindStrict(t *testing.T) {
	el := ExtensionList{
		Entries: []Extension{{
			ExtensionType: ExtensionTypeParentHash,
			// Valid body plus a trailing byte
			ExtensionData: unhex("0400010203" + "ff"),
		}},
	}

	var ph ParentHashExtension
	found, err := el.Find(&ph)
	require.True(t, found)
	require.Error(t, err)
}

func TestExtensionListAbsent(t *testing.T) {
	el := ExtensionList{}

	var sv SupportedVersionsExtension
	found, err := el.Find(&sv)
	require.False(t, found)
	require.Nil(t, err)
}
