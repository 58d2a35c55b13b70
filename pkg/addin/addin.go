// Package addin implements the addin registry (C3): a name-and-subsystem
// indexed table of statically linked and dynamically discovered protocol
// handlers, resolving an entry point given (channel-name, subsystem,
// entry-kind).
//
// The Registry's mutex-guarded map-of-maps shape is grounded on a typical
// resource registry: RWMutex-guarded maps, Register*/Get*/List* method
// triads, and descriptive fmt.Errorf messages — but keyed by
// (channel-name, subsystem, kind) instead of named backend resources. The
// four entry-point kinds are modeled as a tagged sum (EntryPoint.Kind)
// rather than four parallel function-pointer types, per the "dynamic
// dispatch" design note.
package addin

import (
	"fmt"
	"sync"
)

// Kind identifies which of the four entry-point shapes an addin exposes.
type Kind int

const (
	// KindVirtualChannelEntry is the classic static virtual-channel entry point.
	KindVirtualChannelEntry Kind = iota + 1
	// KindVirtualChannelEntryEx is the extended static virtual-channel entry point.
	KindVirtualChannelEntryEx
	// KindDVCPluginEntry is a dynamic-virtual-channel plugin entry point.
	KindDVCPluginEntry
	// KindDeviceServiceEntry is a device-redirection service entry point.
	KindDeviceServiceEntry
)

// String renders the entry-point kind using the names from spec.md §3.
func (k Kind) String() string {
	switch k {
	case KindVirtualChannelEntry:
		return "VirtualChannelEntry"
	case KindVirtualChannelEntryEx:
		return "VirtualChannelEntryEx"
	case KindDVCPluginEntry:
		return "DVCPluginEntry"
	case KindDeviceServiceEntry:
		return "DeviceServiceEntry"
	default:
		return "UnknownKind"
	}
}

// LoadFlags selects which entry-point kind load-static-addin expects,
// mirroring the DYNAMIC_CHANNEL / DEVICE / STATIC_CHANNEL / ENTRYEX flags
// of spec.md §4.3.
type LoadFlags uint32

const (
	// FlagDynamicChannel selects KindDVCPluginEntry.
	FlagDynamicChannel LoadFlags = 1 << iota
	// FlagDevice selects KindDeviceServiceEntry.
	FlagDevice
	// FlagStaticChannel selects KindVirtualChannelEntry or, combined with
	// FlagEntryEx, KindVirtualChannelEntryEx.
	FlagStaticChannel
	// FlagEntryEx modifies FlagStaticChannel to request the Ex entry point.
	FlagEntryEx
)

func (f LoadFlags) expectedKind() (Kind, bool) {
	switch {
	case f&FlagDynamicChannel != 0:
		return KindDVCPluginEntry, true
	case f&FlagDevice != 0:
		return KindDeviceServiceEntry, true
	case f&FlagStaticChannel != 0 && f&FlagEntryEx != 0:
		return KindVirtualChannelEntryEx, true
	case f&FlagStaticChannel != 0:
		return KindVirtualChannelEntry, true
	default:
		return 0, false
	}
}

// EntryPoint is a tagged sum: a single entry-point value carrying its Kind
// and the function to invoke. Fn is typed as `any`; each Kind defines its
// own calling convention, matched by the caller via a type assertion (this
// mirrors the C union of four distinct function-pointer types without
// reproducing that weak typing in Go).
type EntryPoint struct {
	Kind Kind
	Fn   any
}

// Subsystem is one named backend within an addin channel. An empty Name
// denotes the default subsystem (selected when the caller supplies "").
type Subsystem struct {
	Name string
	Type string
	Fn   any
}

// record is one immutable addin table entry compiled/registered at startup.
type record struct {
	channel    string
	kindString Kind
	entry      EntryPoint
	subsystems []Subsystem
}

// Record is the externally visible view of one addin produced by
// Enumerate: a channel-level record (EnumFlagName) or a per-subsystem
// record (EnumFlagName|EnumFlagSubsystem[|EnumFlagType]).
type Record struct {
	ChannelName string
	Subsystem   string
	Type        string
	Kind        Kind
	Flags       EnumFlags
	Static      bool
}

// EnumFlags marks which fields of a Record are meaningful, per spec.md §4.3.
type EnumFlags uint32

const (
	// EnumFlagName marks ChannelName as populated.
	EnumFlagName EnumFlags = 1 << iota
	// EnumFlagSubsystem marks Subsystem as populated.
	EnumFlagSubsystem
	// EnumFlagType marks Type as populated.
	EnumFlagType
)

// DiscoveryScanner is the interface contract for dynamically discovering
// addins on the platform shared-library search path. Per spec.md §1/§4.3,
// the directory-walking implementation is out of scope for this core; a
// concrete scanner is supplied by the embedding application.
type DiscoveryScanner interface {
	// Scan returns one Record per discovered library file whose name
	// matches <prefix><name>-client[-<subsystem>[-<type>]].<extension>.
	// Implementations must skip (with a warning, not an error) files whose
	// dash count or component parsing fails spec.md §4.3's rules.
	Scan(nameFilter, subsystemFilter, typeFilter string) ([]Record, error)
}

// Registry is the immutable-after-startup addin table described in
// spec.md §4.3. All lookups are safe for concurrent use without locking
// once startup registration is complete; the mutex below only protects the
// registration phase itself (callers typically finish registering before
// serving any channel).
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]*record
	exCapable map[string]struct{}
	scanner   DiscoveryScanner
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		channels:  make(map[string]*record),
		exCapable: make(map[string]struct{}),
	}
}

// SetDiscoveryScanner installs the dynamic-discovery collaborator used by
// Enumerate's dynamic path. Optional; Enumerate(dynamic) returns an error
// if none is installed.
func (r *Registry) SetDiscoveryScanner(s DiscoveryScanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanner = s
}

// RegisterStatic adds a statically linked addin for channel, with its
// top-level entry point and zero or more named subsystems. The first
// subsystem in subsystems is the default, selected by an empty subsystem
// name in LoadStaticAddin.
func (r *Registry) RegisterStatic(channel string, entry EntryPoint, subsystems ...Subsystem) error {
	if channel == "" {
		return fmt.Errorf("addin: cannot register entry with empty channel name")
	}
	if len(channel) > 7 {
		return fmt.Errorf("addin: channel name %q exceeds 7 characters", channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[channel]; exists {
		return fmt.Errorf("addin: channel %q already registered", channel)
	}

	r.channels[channel] = &record{
		channel:    channel,
		kindString: entry.Kind,
		entry:      entry,
		subsystems: subsystems,
	}
	return nil
}

// MarkEntryExCapable records that channel supports the ENTRYEX variant, per
// the separately maintained "entry-ex capable" set of spec.md §4.3.
func (r *Registry) MarkEntryExCapable(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exCapable[channel] = struct{}{}
}

// FindStaticEntry looks up the channel by name and returns its top-level
// entry point if that entry is of the given kind (find-static-entry).
func (r *Registry) FindStaticEntry(kind Kind, name string) (EntryPoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.channels[name]
	if !ok || rec.kindString != kind {
		return EntryPoint{}, false
	}
	return rec.entry, true
}

// LoadStaticAddin resolves an entry point by (channel, subsystem, type,
// flags), implementing load-static-addin from spec.md §4.3.
func (r *Registry) LoadStaticAddin(channel, subsystem, typ string, flags LoadFlags) (any, error) {
	expected, ok := flags.expectedKind()
	if !ok {
		return nil, fmt.Errorf("addin: no entry-point kind selected by flags %v", flags)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.channels[channel]
	if !exists || rec.kindString != expected {
		return nil, nil
	}

	if expected == KindVirtualChannelEntryEx {
		if _, ok := r.exCapable[channel]; !ok {
			return nil, nil
		}
	}

	if subsystem == "" {
		if typ != "" && (len(rec.subsystems) == 0 || rec.subsystems[0].Type != typ) {
			return nil, nil
		}
		if len(rec.subsystems) > 0 {
			return rec.subsystems[0].Fn, nil
		}
		return rec.entry.Fn, nil
	}

	for _, sub := range rec.subsystems {
		if sub.Name != subsystem {
			continue
		}
		if typ != "" && sub.Type != typ {
			return nil, nil
		}
		return sub.Fn, nil
	}
	return nil, nil
}

// Enumerate lists addin records matching the given filters (empty string
// matches anything), restricted to the static or dynamic table per
// spec.md §4.3. The static path always succeeds; the dynamic path requires
// a DiscoveryScanner to have been installed via SetDiscoveryScanner.
func (r *Registry) Enumerate(nameFilter, subsystemFilter, typeFilter string, dynamic bool) ([]Record, error) {
	if dynamic {
		r.mu.RLock()
		scanner := r.scanner
		r.mu.RUnlock()
		if scanner == nil {
			return nil, fmt.Errorf("addin: dynamic enumeration requested but no DiscoveryScanner installed")
		}
		return scanner.Scan(nameFilter, subsystemFilter, typeFilter)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for name, rec := range r.channels {
		if nameFilter != "" && nameFilter != name {
			continue
		}

		if subsystemFilter == "" && typeFilter == "" {
			out = append(out, Record{
				ChannelName: name,
				Kind:        rec.kindString,
				Flags:       EnumFlagName,
				Static:      true,
			})
		}

		for _, sub := range rec.subsystems {
			if subsystemFilter != "" && subsystemFilter != sub.Name {
				continue
			}
			if typeFilter != "" && typeFilter != sub.Type {
				continue
			}
			out = append(out, Record{
				ChannelName: name,
				Subsystem:   sub.Name,
				Type:        sub.Type,
				Kind:        rec.kindString,
				Flags:       EnumFlagName | EnumFlagSubsystem,
				Static:      true,
			})
		}
	}
	return out, nil
}
