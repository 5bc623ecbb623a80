package config

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// PeerEntry is one roster line. Index is the line's position among the
// non blank lines.
type PeerEntry struct {
	PeerID  string
	Addr    models.Addr
	HasFile bool
	Index   int
}

// ParseRoster reads "peerID host port hasFile" lines.
func ParseRoster(r io.Reader) ([]PeerEntry, error) {
	var entries []PeerEntry
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		entry, err := parseEntry(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "roster line %d", line)
		}
		if seen[entry.PeerID] {
			return nil, errors.Wrapf(ErrConfigurationInvalid, "roster line %d: duplicate peer %s", line, entry.PeerID)
		}
		seen[entry.PeerID] = true
		entry.Index = len(entries)
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading roster")
	}
	if len(entries) == 0 {
		return nil, errors.Wrap(ErrConfigurationInvalid, "empty roster")
	}
	return entries, nil
}

func parseEntry(fields []string) (PeerEntry, error) {
	if len(fields) != 4 {
		return PeerEntry{}, errors.Wrapf(ErrConfigurationInvalid, "expected 4 fields, got %d", len(fields))
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil || port == 0 {
		return PeerEntry{}, errors.Wrapf(ErrConfigurationInvalid, "invalid port %q", fields[2])
	}
	var hasFile bool
	switch fields[3] {
	case "0":
	case "1":
		hasFile = true
	default:
		return PeerEntry{}, errors.Wrapf(ErrConfigurationInvalid, "invalid hasFile flag %q", fields[3])
	}
	return PeerEntry{
		PeerID:  fields[0],
		Addr:    models.Addr{Host: fields[1], Port: uint16(port)},
		HasFile: hasFile,
	}, nil
}

// Find returns the entry for peerID.
func Find(entries []PeerEntry, peerID string) (PeerEntry, bool) {
	for _, e := range entries {
		if e.PeerID == peerID {
			return e, true
		}
	}
	return PeerEntry{}, false
}

func AllComplete(entries []PeerEntry) bool {
	for _, e := range entries {
		if !e.HasFile {
			return false
		}
	}
	return len(entries) > 0
}

// RosterStore is the external roster: re-readable at any time and able to
// persist a peer's completion flag.
type RosterStore interface {
	Load() ([]PeerEntry, error)
	MarkComplete(peerID string) error
}

type FileRosterStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

func NewFileRosterStore(fs afero.Fs, path string) *FileRosterStore {
	return &FileRosterStore{fs: fs, path: path}
}

func (s *FileRosterStore) Path() string {
	return s.path
}

func (s *FileRosterStore) Load() ([]PeerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigurationInvalid, "read %s: %v", s.path, err)
	}
	return ParseRoster(bytes.NewReader(content))
}

// MarkComplete rewrites the peer's line with hasFile set. Other lines are
// kept byte for byte.
func (s *FileRosterStore) MarkComplete(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return errors.Wrapf(err, "read %s", s.path)
	}
	lines := strings.Split(string(content), "\n")
	found := false
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != peerID {
			continue
		}
		found = true
		if fields[3] == "1" {
			return nil
		}
		fields[3] = "1"
		lines[i] = strings.Join(fields, " ")
	}
	if !found {
		return errors.Wrapf(ErrConfigurationInvalid, "peer %s not in roster", peerID)
	}
	return errors.Wrapf(afero.WriteFile(s.fs, s.path, []byte(strings.Join(lines, "\n")), os.FileMode(0o644)), "write %s", s.path)
}
