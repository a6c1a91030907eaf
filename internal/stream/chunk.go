// Package stream turns paged rows into a chunked NDJSON feature stream.
package stream

import "encoding/json"

const collectionType = "FeatureCollection"

// Chunk is one NDJSON line. Index starts at 1 and has no gaps. Features are
// already encoded so a chunk can always be written.
type Chunk struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
	Chunk    int               `json:"chunk"`
}

// Assembler groups the features of one window into a chunk.
type Assembler struct {
	next     int
	features []json.RawMessage
}

func NewAssembler() *Assembler {
	return &Assembler{next: 1}
}

func (a *Assembler) Add(f json.RawMessage) {
	a.features = append(a.features, f)
}

// Finalize closes the current window. A window without features yields no
// chunk and does not consume an index.
func (a *Assembler) Finalize() (Chunk, bool) {
	if len(a.features) == 0 {
		return Chunk{}, false
	}
	c := Chunk{Type: collectionType, Features: a.features, Chunk: a.next}
	a.next++
	a.features = nil
	return c, true
}
