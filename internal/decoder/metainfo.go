package decoder

import (
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

var ErrInvalidMetafile = errors.New("invalid metafile")

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

func (decoder) Decode(r io.Reader) (models.Metafile, error) {
	var meta models.Metafile
	err := bencode.Unmarshal(r, &meta)
	if err != nil {
		return models.Metafile{}, fmt.Errorf("failed to decode metafile: %w", err)
	}

	switch {
	case meta.Name == "":
		return models.Metafile{}, fmt.Errorf("%w: missing name", ErrInvalidMetafile)
	case meta.Length <= 0:
		return models.Metafile{}, fmt.Errorf("%w: length must be positive, got %d", ErrInvalidMetafile, meta.Length)
	case meta.PieceLength <= 0:
		return models.Metafile{}, fmt.Errorf("%w: piece length must be positive, got %d", ErrInvalidMetafile, meta.PieceLength)
	}

	return meta, nil
}
