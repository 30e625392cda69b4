// Package qos discovers, caches and serves QoS profile bundles keyed by
// "library::profile". Profiles are read from an XML directory (the
// schema itself is treated as an opaque, read-only input — parsing the
// full DDS QoS XML dialect is out of scope here, matching the rest of
// the pub/sub runtime being a stand-in rather than a full reproduction)
// and can also be registered dynamically, in memory only, at runtime.
package qos

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

// Pack bundles the six DDS QoS blocks an entity needs, plus the file (or
// dynamic marker) it came from. This stand-in does not split the XML
// profile body by entity kind — every block holds the same opaque
// profile text — since parsing the DDS QoS XML dialect itself is an
// external, read-only concern.
type Pack struct {
	Participant string
	Publisher   string
	Subscriber  string
	Topic       string
	Writer      string
	Reader      string
	OriginFile  string
	Revision    string
}

// ProfileDetail is one entry of a detail_profiles-style listing.
type ProfileDetail struct {
	Name       string // "library::profile"
	SourceKind string // external | dynamic | builtin
	XML        string
}

type xmlProfile struct {
	XMLName xml.Name `xml:"qos_profile"`
	Name    string   `xml:"name,attr"`
	Inner   string   `xml:",innerxml"`
}

type xmlLibrary struct {
	XMLName  xml.Name     `xml:"qos_library"`
	Name     string       `xml:"name,attr"`
	Profiles []xmlProfile `xml:"qos_profile"`
}

type xmlRoot struct {
	XMLName   xml.Name     `xml:"dds"`
	Libraries []xmlLibrary `xml:"qos_library"`
}

type providerEntry struct {
	path     string
	profiles map[string]string // "lib::profile" -> innerXML
}

// builtinProfiles are names that need no XML file and are only listed
// (ListProfiles/DetailProfiles with includeBuiltin); FindOrReload does not
// resolve them.
var builtinProfiles = []string{"BuiltinQosLib::Default"}

// Store discovers and caches QoS packs under dir. The zero value is not
// usable; construct with NewStore.
type Store struct {
	dir string

	mu               sync.RWMutex
	providers        []providerEntry
	dynamicLibraries map[string]string // library -> XML of the profile last registered under it
	dynamicProfiles  map[string]string // "lib::profile" -> innerXML

	cache *ristretto.Cache[string, Pack]
}

// NewStore constructs a Store rooted at dir. Call Initialize before use.
func NewStore(dir string) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Pack]{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("qos: construct cache: %w", err)
	}
	return &Store{
		dir:              dir,
		dynamicLibraries: make(map[string]string),
		dynamicProfiles:  make(map[string]string),
		cache:            cache,
	}, nil
}

// Initialize scans dir for *.xml files and indexes their profiles.
// A missing or unreadable directory is not an error — the store simply
// serves builtin and dynamic profiles.
func (s *Store) Initialize() error {
	return s.ReloadAll()
}

// ReloadAll rescans the XML directory and invalidates the cache.
func (s *Store) ReloadAll() error {
	providers := s.loadProvidersFromDirNothrow()

	s.mu.Lock()
	s.providers = providers
	s.mu.Unlock()
	s.cache.Clear()
	return nil
}

func (s *Store) loadProvidersFromDirNothrow() []providerEntry {
	var out []providerEntry
	if s.dir == "" {
		return out
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return out
	}
	for _, de := range entries {
		if de.IsDir() || !strings.EqualFold(filepath.Ext(de.Name()), ".xml") {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var root xmlRoot
		if err := xml.Unmarshal(data, &root); err != nil {
			continue
		}
		profiles := make(map[string]string)
		for _, lib := range root.Libraries {
			for _, p := range lib.Profiles {
				profiles[key(lib.Name, p.Name)] = p.Inner
			}
		}
		if len(profiles) == 0 {
			continue
		}
		out = append(out, providerEntry{path: path, profiles: profiles})
	}
	return out
}

func key(lib, profile string) string {
	return lib + "::" + profile
}

// SplitName splits a "library::profile" string on the first "::",
// tolerating a missing separator (whole string is treated as library,
// empty profile).
func SplitName(name string) (library, profile string) {
	if idx := strings.Index(name, "::"); idx >= 0 {
		return name[:idx], name[idx+2:]
	}
	return name, ""
}

// FindOrReload resolves library::profile, searching the dynamic
// registrations, then the external file providers, then retrying a full
// directory reload once before giving up.
func (s *Store) FindOrReload(library, profile string) (Pack, bool) {
	name := key(library, profile)

	if cached, found := s.cache.Get(name); found {
		return cached, true
	}

	if pack, found := s.resolveFromDynamic(name); found {
		s.cache.Set(name, pack, 1)
		return pack, true
	}
	if pack, found := s.resolveFromProviders(name); found {
		s.cache.Set(name, pack, 1)
		return pack, true
	}

	// Not found in the current index — reload once in case the file was
	// added after the last scan, then try again.
	_ = s.ReloadAll()
	if pack, found := s.resolveFromProviders(name); found {
		s.cache.Set(name, pack, 1)
		return pack, true
	}
	return Pack{}, false
}

func (s *Store) resolveFromDynamic(name string) (Pack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inner, ok := s.dynamicProfiles[name]
	if !ok {
		return Pack{}, false
	}
	return newPack(inner, "dynamic", name), true
}

func (s *Store) resolveFromProviders(name string) (Pack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if inner, ok := p.profiles[name]; ok {
			return newPack(inner, p.path, name), true
		}
	}
	return Pack{}, false
}

func newPack(inner, originFile, name string) Pack {
	return Pack{
		Participant: inner,
		Publisher:   inner,
		Subscriber:  inner,
		Topic:       inner,
		Writer:      inner,
		Reader:      inner,
		OriginFile:  originFile,
		Revision:    uuid.NewString(),
	}
}

// ListProfiles returns every known "library::profile" name, sorted and
// deduplicated, optionally including the builtin defaults.
func (s *Store) ListProfiles(includeBuiltin bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, p := range s.providers {
		for name := range p.profiles {
			set[name] = struct{}{}
		}
	}
	for name := range s.dynamicProfiles {
		set[name] = struct{}{}
	}
	if includeBuiltin {
		for _, name := range builtinProfiles {
			set[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetailProfiles returns every known profile tagged with its source kind
// and raw XML.
func (s *Store) DetailProfiles(includeBuiltin bool) []ProfileDetail {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var details []ProfileDetail
	for _, p := range s.providers {
		for name, inner := range p.profiles {
			details = append(details, ProfileDetail{Name: name, SourceKind: "external", XML: inner})
		}
	}
	for name, inner := range s.dynamicProfiles {
		details = append(details, ProfileDetail{Name: name, SourceKind: "dynamic", XML: inner})
	}
	if includeBuiltin {
		for _, name := range builtinProfiles {
			details = append(details, ProfileDetail{Name: name, SourceKind: "builtin"})
		}
	}

	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return details
}

// AddOrUpdateProfile registers profileXML under library::profile, in
// memory only — nothing is written to disk, matching the no-persistence
// contract for created entities. Returns the full "library::profile"
// name, or an error if library or profile is empty.
func (s *Store) AddOrUpdateProfile(library, profile, profileXML string) (string, error) {
	if library == "" || profile == "" {
		return "", fmt.Errorf("qos: library and profile must both be non-empty")
	}
	name := key(library, profile)

	s.mu.Lock()
	s.dynamicLibraries[library] = profileXML
	s.dynamicProfiles[name] = profileXML
	s.mu.Unlock()

	s.cache.Del(name)
	return name, nil
}

// ExtractProfileXML reads filePath and returns the raw inner XML of
// library::profile, or "" if not present.
func ExtractProfileXML(filePath, library, profile string) string {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return ""
	}
	var root xmlRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return ""
	}
	for _, lib := range root.Libraries {
		if lib.Name != library {
			continue
		}
		for _, p := range lib.Profiles {
			if p.Name == profile {
				return p.Inner
			}
		}
	}
	return ""
}
