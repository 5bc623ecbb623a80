// Package config loads the common settings and the peer roster, and persists
// completion flags back to the roster file.
package config

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/WendelHime/peershare/internal/p2p"
	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var ErrConfigurationInvalid = errors.New("configuration invalid")

type Settings struct {
	PreferredNeighborCount      int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
	FileName                    string
	FileSize                    int
	PieceSize                   int
}

func (s Settings) NumPieces() int {
	if s.PieceSize <= 0 {
		return 0
	}
	return (s.FileSize + s.PieceSize - 1) / s.PieceSize
}

// ApplyMetafile replaces the shared file description with the metafile's.
func (s Settings) ApplyMetafile(meta models.Metafile) (Settings, error) {
	s.FileName = meta.Name
	s.FileSize = meta.Length
	s.PieceSize = meta.PieceLength
	if err := checkPieceSize(s.PieceSize); err != nil {
		return Settings{}, errors.Wrap(err, "metafile")
	}
	return s, nil
}

// checkPieceSize rejects pieces whose PIECE message would exceed the frame limit.
func checkPieceSize(size int) error {
	if size > p2p.MaxPieceSize {
		return errors.Wrapf(ErrConfigurationInvalid, "piece size %d exceeds %d", size, p2p.MaxPieceSize)
	}
	return nil
}

const (
	keyPreferredNeighbors = "numberofpreferredneighbors"
	keyUnchokingInterval  = "unchokinginterval"
	keyOptimisticInterval = "optimisticunchokinginterval"
	keyFileName           = "filename"
	keyFileSize           = "filesize"
	keyPieceSize          = "piecesize"
)

// LoadCommon parses "Key Value" lines. Keys are case insensitive and unknown
// keys are ignored; every known key is required.
func LoadCommon(r io.Reader) (Settings, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 2 {
			return Settings{}, errors.Wrapf(ErrConfigurationInvalid, "common line %d: expected key and value, got %q", line, scanner.Text())
		}
		values[strings.ToLower(fields[0])] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return Settings{}, errors.Wrap(err, "reading common settings")
	}

	var s Settings
	var err error
	if s.PreferredNeighborCount, err = positiveInt(values, keyPreferredNeighbors); err != nil {
		return Settings{}, err
	}
	unchoking, err := positiveInt(values, keyUnchokingInterval)
	if err != nil {
		return Settings{}, err
	}
	optimistic, err := positiveInt(values, keyOptimisticInterval)
	if err != nil {
		return Settings{}, err
	}
	s.UnchokingInterval = time.Duration(unchoking) * time.Second
	s.OptimisticUnchokingInterval = time.Duration(optimistic) * time.Second

	if s.FileName = values[keyFileName]; s.FileName == "" {
		return Settings{}, errors.Wrap(ErrConfigurationInvalid, "missing FileName")
	}
	if s.FileSize, err = positiveInt(values, keyFileSize); err != nil {
		return Settings{}, err
	}
	if s.PieceSize, err = positiveInt(values, keyPieceSize); err != nil {
		return Settings{}, err
	}
	if err := checkPieceSize(s.PieceSize); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func LoadCommonFile(fs afero.Fs, path string) (Settings, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Settings{}, errors.Wrapf(ErrConfigurationInvalid, "open %s: %v", path, err)
	}
	defer f.Close()
	s, err := LoadCommon(f)
	return s, errors.Wrapf(err, "load %s", path)
}

func positiveInt(values map[string]string, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, errors.Wrapf(ErrConfigurationInvalid, "missing %s", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.Wrapf(ErrConfigurationInvalid, "%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}
