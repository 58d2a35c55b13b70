package addin

import "testing"

func TestRegisterStaticRejectsBadNames(t *testing.T) {
	r := New()

	if err := r.RegisterStatic("", EntryPoint{Kind: KindVirtualChannelEntry, Fn: func() {}}); err == nil {
		t.Fatalf("expected error for empty channel name")
	}
	if err := r.RegisterStatic("toolongname", EntryPoint{Kind: KindVirtualChannelEntry, Fn: func() {}}); err == nil {
		t.Fatalf("expected error for channel name longer than 7 characters")
	}
}

func TestRegisterStaticDuplicateRejected(t *testing.T) {
	r := New()
	entry := EntryPoint{Kind: KindVirtualChannelEntry, Fn: func() {}}

	if err := r.RegisterStatic("cliprdr", entry); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.RegisterStatic("cliprdr", entry); err == nil {
		t.Fatalf("expected error re-registering the same channel")
	}
}

func TestFindStaticEntry(t *testing.T) {
	r := New()
	fn := func() string { return "cliprdr-entry" }
	if err := r.RegisterStatic("cliprdr", EntryPoint{Kind: KindVirtualChannelEntry, Fn: fn}); err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}

	got, ok := r.FindStaticEntry(KindVirtualChannelEntry, "cliprdr")
	if !ok {
		t.Fatalf("expected to find entry for cliprdr")
	}
	if got.Fn.(func() string)() != "cliprdr-entry" {
		t.Fatalf("unexpected entry function returned")
	}

	if _, ok := r.FindStaticEntry(KindDVCPluginEntry, "cliprdr"); ok {
		t.Fatalf("expected no match for mismatched kind")
	}
	if _, ok := r.FindStaticEntry(KindVirtualChannelEntry, "unknown"); ok {
		t.Fatalf("expected no match for unknown channel")
	}
}

func TestLoadStaticAddinDefaultSubsystem(t *testing.T) {
	r := New()
	defaultFn := func() string { return "default" }
	namedFn := func() string { return "named" }

	err := r.RegisterStatic("usbdr", EntryPoint{Kind: KindDeviceServiceEntry, Fn: func() {}},
		Subsystem{Name: "", Type: "", Fn: defaultFn},
		Subsystem{Name: "hub", Type: "composite", Fn: namedFn},
	)
	if err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}

	fn, err := r.LoadStaticAddin("usbdr", "", "", FlagDevice)
	if err != nil {
		t.Fatalf("LoadStaticAddin(default): %v", err)
	}
	if fn == nil || fn.(func() string)() != "default" {
		t.Fatalf("expected default subsystem fn, got %v", fn)
	}

	fn, err = r.LoadStaticAddin("usbdr", "hub", "composite", FlagDevice)
	if err != nil {
		t.Fatalf("LoadStaticAddin(hub): %v", err)
	}
	if fn == nil || fn.(func() string)() != "named" {
		t.Fatalf("expected named subsystem fn, got %v", fn)
	}

	fn, err = r.LoadStaticAddin("usbdr", "hub", "mismatched-type", FlagDevice)
	if err != nil {
		t.Fatalf("LoadStaticAddin(type mismatch): %v", err)
	}
	if fn != nil {
		t.Fatalf("expected nil fn on type mismatch, got %v", fn)
	}
}

func TestLoadStaticAddinEntryExGating(t *testing.T) {
	r := New()
	if err := r.RegisterStatic("drdynvc", EntryPoint{Kind: KindVirtualChannelEntryEx, Fn: func() {}}); err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}

	fn, err := r.LoadStaticAddin("drdynvc", "", "", FlagStaticChannel|FlagEntryEx)
	if err != nil {
		t.Fatalf("LoadStaticAddin: %v", err)
	}
	if fn != nil {
		t.Fatalf("expected nil: channel not yet marked entry-ex capable")
	}

	r.MarkEntryExCapable("drdynvc")

	fn, err = r.LoadStaticAddin("drdynvc", "", "", FlagStaticChannel|FlagEntryEx)
	if err != nil {
		t.Fatalf("LoadStaticAddin: %v", err)
	}
	if fn == nil {
		t.Fatalf("expected entry point once marked entry-ex capable")
	}
}

func TestLoadStaticAddinNoFlagsIsError(t *testing.T) {
	r := New()
	if _, err := r.LoadStaticAddin("cliprdr", "", "", 0); err == nil {
		t.Fatalf("expected error when no entry-point kind is selected")
	}
}

func TestEnumerateFilters(t *testing.T) {
	r := New()
	if err := r.RegisterStatic("cliprdr", EntryPoint{Kind: KindVirtualChannelEntry, Fn: func() {}}); err != nil {
		t.Fatalf("RegisterStatic(cliprdr): %v", err)
	}
	err := r.RegisterStatic("usbdr", EntryPoint{Kind: KindDeviceServiceEntry, Fn: func() {}},
		Subsystem{Name: "hub", Type: "composite", Fn: func() {}},
		Subsystem{Name: "storage", Type: "mass-storage", Fn: func() {}},
	)
	if err != nil {
		t.Fatalf("RegisterStatic(usbdr): %v", err)
	}

	all, err := r.Enumerate("", "", "", false)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	// cliprdr (name-only) + usbdr (name-only) + usbdr subsystems "hub" and
	// "storage" = 4 records.
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d: %+v", len(all), all)
	}

	byName, err := r.Enumerate("usbdr", "", "", false)
	if err != nil {
		t.Fatalf("Enumerate(usbdr): %v", err)
	}
	for _, rec := range byName {
		if rec.ChannelName != "usbdr" {
			t.Fatalf("unexpected record outside filter: %+v", rec)
		}
	}

	bySub, err := r.Enumerate("", "hub", "", false)
	if err != nil {
		t.Fatalf("Enumerate(subsystem=hub): %v", err)
	}
	if len(bySub) != 1 || bySub[0].Subsystem != "hub" {
		t.Fatalf("expected single hub record, got %+v", bySub)
	}
}

func TestEnumerateDynamicWithoutScannerErrors(t *testing.T) {
	r := New()
	if _, err := r.Enumerate("", "", "", true); err == nil {
		t.Fatalf("expected error: no DiscoveryScanner installed")
	}
}

type fakeScanner struct {
	records []Record
}

func (f *fakeScanner) Scan(nameFilter, subsystemFilter, typeFilter string) ([]Record, error) {
	return f.records, nil
}

func TestEnumerateDynamicDelegatesToScanner(t *testing.T) {
	r := New()
	want := []Record{{ChannelName: "rail", Flags: EnumFlagName}}
	r.SetDiscoveryScanner(&fakeScanner{records: want})

	got, err := r.Enumerate("", "", "", true)
	if err != nil {
		t.Fatalf("Enumerate(dynamic): %v", err)
	}
	if len(got) != 1 || got[0].ChannelName != "rail" {
		t.Fatalf("expected scanner records passed through, got %+v", got)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindVirtualChannelEntry:   "VirtualChannelEntry",
		KindVirtualChannelEntryEx: "VirtualChannelEntryEx",
		KindDVCPluginEntry:        "DVCPluginEntry",
		KindDeviceServiceEntry:    "DeviceServiceEntry",
		Kind(99):                  "UnknownKind",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
