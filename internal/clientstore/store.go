// Package clientstore implements the persistent set of authorized clients:
// every device that has successfully completed the pairing handshake, keyed
// by a stable UUID and carrying the client's long-term X.509 certificate.
//
// Persistence follows the same load-or-create-on-missing, whole-file
// rewrite-on-save discipline as the teacher's equipment store
// (server/equipment.go in the pack this was grounded on), except the wire
// format here is JSON rather than a packed binary blob, per the spec this
// store implements.
package clientstore

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pairhost/hostd/internal/concurrency"
)

// NamedCertificate binds a stable identifier and a human-readable name to a
// client's long-term PEM-encoded X.509 certificate.
type NamedCertificate struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Cert string `json:"cert"`
}

// Store is the ordered, mutex-protected collection of NamedCertificates. The
// zero value is not usable; construct one with Load.
type Store struct {
	mu concurrency.DebugMutex

	path       string
	serverUUID string
	clients    []NamedCertificate
}

type fileRoot struct {
	UniqueID     string             `json:"uniqueid"`
	NamedDevices []NamedCertificate `json:"named_devices"`
}

// legacy pre-NamedCertificate format: root.devices[*].certs[*].
type legacyFileRoot struct {
	UniqueID string `json:"uniqueid"`
	Devices  []struct {
		Certs []string `json:"certs"`
	} `json:"devices"`
}

type legacyRoot struct {
	Root legacyFileRoot `json:"root"`
}

type wireRoot struct {
	Root fileRoot `json:"root"`
}

// Load reads the store from path. If the file does not exist, a fresh store
// is created with a new server UUID. If the file exists but predates the
// named_devices format, the legacy root.devices[*].certs[*] shape is
// migrated in memory (each raw cert becomes a NamedCertificate with an
// empty name and a fresh UUID); the migration is only written back to disk
// on the next Save.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			id, err := uuid.NewRandom()
			if err != nil {
				return nil, fmt.Errorf("clientstore: generating server uuid: %w", err)
			}
			s.serverUUID = id.String()
			return s, nil
		}
		return nil, fmt.Errorf("clientstore: reading %s: %w", path, err)
	}

	var wr wireRoot
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("clientstore: parsing %s: %w", path, err)
	}

	s.serverUUID = wr.Root.UniqueID
	s.clients = wr.Root.NamedDevices

	if len(s.clients) == 0 {
		// No named_devices: the file may be in the legacy shape, whose raw
		// certs are migrated here.
		var lr legacyRoot
		if err := json.Unmarshal(raw, &lr); err == nil {
			for _, dev := range lr.Root.Devices {
				for _, cert := range dev.Certs {
					id, err := uuid.NewRandom()
					if err != nil {
						return nil, fmt.Errorf("clientstore: generating client uuid: %w", err)
					}
					s.clients = append(s.clients, NamedCertificate{UUID: id.String(), Cert: cert})
				}
			}
		}
	}

	if s.serverUUID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("clientstore: generating server uuid: %w", err)
		}
		s.serverUUID = id.String()
	}
	return s, nil
}

// ServerUUID returns the server's own stable UUID.
func (s *Store) ServerUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverUUID
}

// All returns a copy of the currently authorized clients, in insertion
// order.
func (s *Store) All() []NamedCertificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NamedCertificate, len(s.clients))
	copy(out, s.clients)
	return out
}

// FindByCert returns the NamedCertificate matching certPEM exactly, if any.
func (s *Store) FindByCert(certPEM string) (NamedCertificate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.Cert == certPEM {
			return c, true
		}
	}
	return NamedCertificate{}, false
}

// AddAuthorizedClient appends a new NamedCertificate. If an entry with the
// same certificate already exists, the add is a no-op and the existing
// entry is returned. Unless freshState is true, the store is saved and then
// reloaded so that subsequent lookups see the exact post-disambiguation
// state (see dedupeAndRenameLocked).
func (s *Store) AddAuthorizedClient(nc NamedCertificate, freshState bool) (NamedCertificate, error) {
	s.mu.Lock()
	for _, c := range s.clients {
		if c.Cert == nc.Cert {
			s.mu.Unlock()
			return c, nil
		}
	}
	s.clients = append(s.clients, nc)
	s.mu.Unlock()

	if freshState {
		return nc, nil
	}
	if err := s.Save(); err != nil {
		return nc, err
	}
	reloaded, err := Load(s.path)
	if err != nil {
		return nc, err
	}
	s.mu.Lock()
	s.clients = reloaded.clients
	s.serverUUID = reloaded.serverUUID
	s.mu.Unlock()

	found, _ := s.FindByCert(nc.Cert)
	return found, nil
}

// UnpairClient removes the client with the given UUID, returning the number
// of entries removed (0 or 1 -- UUIDs are unique by construction, but the
// spec describes this as a count for symmetry with EraseAllClients).
func (s *Store) UnpairClient(clientUUID string) (int, error) {
	s.mu.Lock()
	removed := 0
	kept := s.clients[:0:0]
	for _, c := range s.clients {
		if c.UUID == clientUUID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.clients = kept
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	return removed, s.Save()
}

// EraseAllClients removes every authorized client and persists the empty
// store, returning the number removed.
func (s *Store) EraseAllClients() (int, error) {
	s.mu.Lock()
	removed := len(s.clients)
	s.clients = nil
	s.mu.Unlock()
	return removed, s.Save()
}

var trailingDisambiguation = regexp.MustCompile(`\s\(\d+\)$`)

// dedupeAndRenameLocked deduplicates by certificate string (first write
// wins, insertion order preserved) and rewrites any name collisions with a
// " (N)" suffix, N = 2, 3, ... in insertion order. Any existing " (N)"
// suffix is stripped first so repeated save/load/save cycles are stable.
func dedupeAndRenameLocked(clients []NamedCertificate) []NamedCertificate {
	seenCert := make(map[string]bool, len(clients))
	deduped := make([]NamedCertificate, 0, len(clients))
	for _, c := range clients {
		if seenCert[c.Cert] {
			continue
		}
		seenCert[c.Cert] = true
		c.Name = trailingDisambiguation.ReplaceAllString(c.Name, "")
		deduped = append(deduped, c)
	}

	nameCount := make(map[string]int, len(deduped))
	for i, c := range deduped {
		nameCount[c.Name]++
		if n := nameCount[c.Name]; n > 1 {
			deduped[i].Name = c.Name + " (" + strconv.Itoa(n) + ")"
		}
	}
	return deduped
}

// Save rewrites the whole persisted file. It is not required to be atomic
// on disk, but every call replaces the prior content in full, and names are
// normalized via dedupeAndRenameLocked before writing.
func (s *Store) Save() error {
	s.mu.Lock()
	s.clients = dedupeAndRenameLocked(s.clients)
	wr := wireRoot{Root: fileRoot{UniqueID: s.serverUUID, NamedDevices: s.clients}}
	s.mu.Unlock()

	data, err := json.MarshalIndent(wr, "", "  ")
	if err != nil {
		return fmt.Errorf("clientstore: marshaling store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("clientstore: writing %s: %w", s.path, err)
	}
	return nil
}

// SanitizeDeviceName applies the spec's display-name escaping: '(' and ')'
// are rewritten to '[' and ']' so a device name can never be confused with
// the " (N)" disambiguation suffix Save applies.
func SanitizeDeviceName(name string) string {
	name = strings.ReplaceAll(name, "(", "[")
	name = strings.ReplaceAll(name, ")", "]")
	return name
}
