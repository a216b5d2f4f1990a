package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeSupportedVersions ExtensionType = 0x0001
	ExtensionTypeParentHash        ExtensionType = 0x0005
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// Replace any existing extension of the same type
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType != dst.Type() {
			continue
		}

		read, err := syntax.Unmarshal(ext.ExtensionData, dst)
		if err != nil {
			return true, err
		}

		if read != len(ext.ExtensionData) {
			return true, fmt.Errorf("%w: extension failed to consume all data", ErrMalformedMessage)
		}

		return true, nil
	}
	return false, nil
}

//////////

type SupportedVersionsExtension struct {
	Versions []uint8 `tls:"head=1"`
}

func (sve SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (phe ParentHashExtension) Type() ExtensionType {
	return ExtensionTypeParentHash
}
