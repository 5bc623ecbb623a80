// Package inventory tracks which pieces of the shared file the local peer
// holds and reads and writes them at their offsets in the backing file.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

var (
	ErrPieceIO      = errors.New("piece i/o failed")
	ErrPieceIndex   = errors.New("piece index out of range")
	ErrPieceMissing = errors.New("piece not present")
)

// Written reports the outcome of WritePiece. Present and Complete are sampled
// under the same lock as the presence update.
type Written struct {
	Stored   bool
	Present  int
	Complete bool
}

type Inventory struct {
	mu        sync.RWMutex
	file      afero.File
	fileSize  int
	pieceSize int
	have      *Bitfield
	sources   map[int]string
	log       *slog.Logger
}

// New opens the backing file at path. A peer that starts with the file must
// already have it in place; otherwise a zero filled file of fileSize bytes is
// created.
func New(fs afero.Fs, path string, fileSize, pieceSize int, hasFile bool, logger *slog.Logger) (*Inventory, error) {
	if fileSize <= 0 || pieceSize <= 0 {
		return nil, fmt.Errorf("%w: file size %d, piece size %d", ErrPieceIO, fileSize, pieceSize)
	}
	numPieces := (fileSize + pieceSize - 1) / pieceSize

	inv := &Inventory{
		fileSize:  fileSize,
		pieceSize: pieceSize,
		sources:   make(map[int]string),
		log:       logger,
	}

	var err error
	if hasFile {
		inv.file, err = fs.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrPieceIO, path, err)
		}
		inv.have = FullBitfield(numPieces)
		logger.Info("opened complete file", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(fileSize))))
		return inv, nil
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory for %s: %w", ErrPieceIO, path, err)
	}
	inv.file, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrPieceIO, path, err)
	}
	if err := inv.file.Truncate(int64(fileSize)); err != nil {
		inv.file.Close()
		return nil, fmt.Errorf("%w: preallocate %s: %w", ErrPieceIO, path, err)
	}
	inv.have = NewBitfield(numPieces)
	logger.Info("preallocated empty file", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(fileSize))))
	return inv, nil
}

func (inv *Inventory) NumPieces() int {
	return inv.have.Len()
}

func (inv *Inventory) PresentCount() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.have.Count()
}

func (inv *Inventory) IsComplete() bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.have.IsComplete()
}

func (inv *Inventory) Has(index int) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.have.Has(index)
}

// Bitfield returns a snapshot of the local presence flags.
func (inv *Inventory) Bitfield() *Bitfield {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.have.Clone()
}

func (inv *Inventory) WireBytes() []byte {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.have.WireBytes()
}

func (inv *Inventory) FirstDifferingIndex(remote *Bitfield) int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.have.FirstDifferingIndex(remote)
}

// Source returns the peer a piece was retrieved from, empty for pieces held
// since startup.
func (inv *Inventory) Source(index int) string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.sources[index]
}

// PieceLength is pieceSize for every piece but the last, which may be short.
func (inv *Inventory) PieceLength(index int) int {
	begin := index * inv.pieceSize
	end := begin + inv.pieceSize
	if end > inv.fileSize {
		end = inv.fileSize
	}
	return end - begin
}

// WritePiece stores data at the piece offset and marks it present. Writing a
// piece that is already present does not touch the file.
func (inv *Inventory) WritePiece(index int, data []byte, from string) (Written, error) {
	if err := inv.checkIndex(index); err != nil {
		return Written{}, err
	}
	if expected := inv.PieceLength(index); len(data) != expected {
		return Written{}, fmt.Errorf("%w: piece %d has %d bytes, expected %d", ErrPieceIO, index, len(data), expected)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.have.Has(index) {
		inv.log.Info("piece already present", slog.Int("piece", index), slog.String("from", from))
		return Written{Present: inv.have.Count(), Complete: inv.have.IsComplete()}, nil
	}

	_, err := inv.file.WriteAt(data, int64(index*inv.pieceSize))
	if err != nil {
		return Written{}, fmt.Errorf("%w: write piece %d: %w", ErrPieceIO, index, err)
	}
	inv.have.Set(index)
	inv.sources[index] = from

	return Written{Stored: true, Present: inv.have.Count(), Complete: inv.have.IsComplete()}, nil
}

func (inv *Inventory) ReadPiece(index int) ([]byte, error) {
	if err := inv.checkIndex(index); err != nil {
		return nil, err
	}

	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if !inv.have.Has(index) {
		return nil, fmt.Errorf("%w: %d", ErrPieceMissing, index)
	}
	buf := make([]byte, inv.PieceLength(index))
	n, err := inv.file.ReadAt(buf, int64(index*inv.pieceSize))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, fmt.Errorf("%w: read piece %d: %w", ErrPieceIO, index, err)
	}
	return buf, nil
}

func (inv *Inventory) Close() error {
	return inv.file.Close()
}

func (inv *Inventory) checkIndex(index int) error {
	if index < 0 || index >= inv.have.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPieceIndex, index, inv.have.Len())
	}
	return nil
}
