package qos

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleXML = `<dds>
  <qos_library name="Lib">
    <qos_profile name="Profile1">
      <datawriter_qos><reliability><kind>RELIABLE_RELIABILITY_QOS</kind></reliability></datawriter_qos>
    </qos_profile>
  </qos_library>
</dds>`

func newStoreWithFile(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lib.xml"), []byte(sampleXML), 0o644); err != nil {
		t.Fatalf("write xml: %v", err)
	}
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestFindOrReloadExternalProfile(t *testing.T) {
	s := newStoreWithFile(t)

	pack, found := s.FindOrReload("Lib", "Profile1")
	if !found {
		t.Fatal("expected Lib::Profile1 to be found")
	}
	if pack.OriginFile == "" {
		t.Error("OriginFile should name the source XML file")
	}
	if pack.Writer == "" {
		t.Error("Writer block should carry the profile XML")
	}
}

func TestFindOrReloadMissingProfile(t *testing.T) {
	s := newStoreWithFile(t)
	if _, found := s.FindOrReload("Nope", "Nothing"); found {
		t.Fatal("expected Nope::Nothing to be not found")
	}
}

func TestAddOrUpdateProfileIsDynamicAndInMemoryOnly(t *testing.T) {
	s := newStoreWithFile(t)

	name, err := s.AddOrUpdateProfile("DynLib", "DynProf", "<qos_profile/>")
	if err != nil {
		t.Fatalf("AddOrUpdateProfile: %v", err)
	}
	if name != "DynLib::DynProf" {
		t.Errorf("name = %q, want DynLib::DynProf", name)
	}

	pack, found := s.FindOrReload("DynLib", "DynProf")
	if !found {
		t.Fatal("expected dynamic profile to resolve")
	}
	if pack.OriginFile != "dynamic" {
		t.Errorf("OriginFile = %q, want dynamic", pack.OriginFile)
	}
}

func TestAddOrUpdateProfileRejectsEmptyNames(t *testing.T) {
	s := newStoreWithFile(t)
	if _, err := s.AddOrUpdateProfile("", "x", "<a/>"); err == nil {
		t.Fatal("expected error for empty library")
	}
}

func TestListProfilesIncludesBuiltinAndExternal(t *testing.T) {
	s := newStoreWithFile(t)
	names := s.ListProfiles(true)

	var sawExternal, sawBuiltin bool
	for _, n := range names {
		if n == "Lib::Profile1" {
			sawExternal = true
		}
		if n == "BuiltinQosLib::Default" {
			sawBuiltin = true
		}
	}
	if !sawExternal {
		t.Error("expected Lib::Profile1 in the listing")
	}
	if !sawBuiltin {
		t.Error("expected a builtin profile in the listing")
	}

	withoutBuiltin := s.ListProfiles(false)
	for _, n := range withoutBuiltin {
		if n == "BuiltinQosLib::Default" {
			t.Error("builtin profile present when include_builtin=false")
		}
	}
}

func TestDetailProfilesSourceKind(t *testing.T) {
	s := newStoreWithFile(t)
	s.AddOrUpdateProfile("DynLib", "DynProf", "<x/>")

	details := s.DetailProfiles(true)
	kinds := make(map[string]string)
	for _, d := range details {
		kinds[d.Name] = d.SourceKind
	}
	if kinds["Lib::Profile1"] != "external" {
		t.Errorf("Lib::Profile1 source = %q, want external", kinds["Lib::Profile1"])
	}
	if kinds["DynLib::DynProf"] != "dynamic" {
		t.Errorf("DynLib::DynProf source = %q, want dynamic", kinds["DynLib::DynProf"])
	}
	if kinds["BuiltinQosLib::Default"] != "builtin" {
		t.Errorf("BuiltinQosLib::Default source = %q, want builtin", kinds["BuiltinQosLib::Default"])
	}
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		in              string
		wantLib, wantPr string
	}{
		{"Lib::Profile", "Lib", "Profile"},
		{"JustLib", "JustLib", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		lib, profile := SplitName(c.in)
		if lib != c.wantLib || profile != c.wantPr {
			t.Errorf("SplitName(%q) = (%q,%q), want (%q,%q)", c.in, lib, profile, c.wantLib, c.wantPr)
		}
	}
}

func TestMissingDirectoryIsNotAnError(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, found := s.FindOrReload("Any", "Thing"); found {
		t.Fatal("expected not found against a missing directory")
	}
}
