package models

// Metafile describes the shared file. It is the bencoded alternative to the
// file fields of Common.cfg.
type Metafile struct {
	Name        string `bencode:"name"`
	Length      int    `bencode:"length"`
	PieceLength int    `bencode:"piece length"`
}
