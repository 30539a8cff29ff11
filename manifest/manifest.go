// Package manifest holds the statically declared list of devices the
// application is permitted to acquire by name and type. The manifest is
// compiled from JSON by the host toolchain, linked into the unikernel and
// validated before the application runs; this package only carries the
// entry table and the lookup the device drivers consult at acquisition
// time.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
)

// Version is the manifest ABI version understood by this package.
const Version = 1

// MaxEntries is the maximum number of entries a manifest may declare,
// including the reserved first entry.
const MaxEntries = 64

// MaxNameLen is the maximum length of a declared device name.
const MaxNameLen = 67

// Type identifies the kind of device a manifest entry declares.
type Type uint32

const (
	// TypeBlockBasic is a basic block device.
	TypeBlockBasic Type = 1 + iota
	// TypeNetBasic is a basic network device.
	TypeNetBasic
)

// TypeReservedFirst marks the reserved first entry every compiled manifest
// carries at index zero, so that valid device indexes (and thus handles)
// never collide with it.
const TypeReservedFirst Type = 1 << 30

func (t Type) String() string {
	switch t {
	case TypeBlockBasic:
		return "BLOCK_BASIC"
	case TypeNetBasic:
		return "NET_BASIC"
	case TypeReservedFirst:
		return "RESERVED_FIRST"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Entry is one named, typed device declaration.
type Entry struct {
	Name string
	Type Type
}

// Manifest is the validated device table. Entry zero is always the
// reserved entry.
type Manifest struct {
	Version int
	Entries []Entry
}

// Lookup returns the index and entry of the device declared under the
// given name with the given type. The index doubles as the handle value
// handed to the application. Called exactly once per acquisition.
func (m *Manifest) Lookup(name string, t Type) (uint, *Entry, bool) {
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Type == t && e.Name == name {
			return uint(i), e, true
		}
	}
	return 0, nil, false
}

// jsonDoc mirrors the manifest source format produced and consumed by the
// host-side tooling.
type jsonDoc struct {
	Type    string       `json:"type"`
	Version int          `json:"version"`
	Devices []jsonDevice `json:"devices"`
}

type jsonDevice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DocType is the identifying value of the "type" field of a manifest
// source document.
const DocType = "guestnet.manifest"

// FromJSON decodes and checks a manifest source document, returning the
// entry table with the reserved first entry in place. The checks here
// cover only what the guest relies on; full schema validation is the host
// toolchain's job.
func FromJSON(r io.Reader) (*Manifest, error) {
	var doc jsonDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if doc.Type != DocType {
		return nil, fmt.Errorf("manifest document type %q is not %q", doc.Type, DocType)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("manifest version %d is not %d", doc.Version, Version)
	}
	if len(doc.Devices)+1 > MaxEntries {
		return nil, fmt.Errorf("manifest declares %d devices, limit is %d",
			len(doc.Devices), MaxEntries-1)
	}

	m := Manifest{
		Version: doc.Version,
		Entries: make([]Entry, 0, len(doc.Devices)+1),
	}
	m.Entries = append(m.Entries, Entry{Type: TypeReservedFirst})

	for _, d := range doc.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("manifest declares a device with an empty name")
		}
		if len(d.Name) > MaxNameLen {
			return nil, fmt.Errorf("device name %q exceeds %d characters", d.Name, MaxNameLen)
		}
		var t Type
		switch d.Type {
		case "NET_BASIC":
			t = TypeNetBasic
		case "BLOCK_BASIC":
			t = TypeBlockBasic
		default:
			return nil, fmt.Errorf("device %q has unknown type %q", d.Name, d.Type)
		}
		if _, _, ok := m.Lookup(d.Name, t); ok {
			return nil, fmt.Errorf("device %q of type %s is declared twice", d.Name, t)
		}
		m.Entries = append(m.Entries, Entry{Name: d.Name, Type: t})
	}

	return &m, nil
}
