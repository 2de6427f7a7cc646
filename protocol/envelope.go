package protocol

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Storage-API message kinds, one TLV type letter each.
const (
	KindPut          byte = 'P'
	KindGet          byte = 'G'
	KindRemove       byte = 'R'
	KindVisit        byte = 'T'
	KindMergeTrigger byte = 'M'
	KindDiffChunk    byte = 'D'
	KindDiffAck      byte = 'A'
	KindHostInfo     byte = 'H'
	KindResult       byte = 'S'
	KindBye          byte = 'B'
)

var ErrBadMessage = errors.New("bad storage-api message")

// PutBody carries a document write. Seq is the per-connection sequence
// responses are ordered by; 0 opts out of ordering.
type PutBody struct {
	Bucket    uint64 `cbor:"1,keyasint"`
	DocID     string `cbor:"2,keyasint"`
	Timestamp uint64 `cbor:"3,keyasint"`
	Body      []byte `cbor:"4,keyasint"`
	Seq       uint64 `cbor:"9,keyasint,omitempty"`
}

type GetBody struct {
	Bucket uint64 `cbor:"1,keyasint"`
	DocID  string `cbor:"2,keyasint"`
	Seq    uint64 `cbor:"9,keyasint,omitempty"`
}

type RemoveBody struct {
	Bucket    uint64 `cbor:"1,keyasint"`
	DocID     string `cbor:"2,keyasint"`
	Timestamp uint64 `cbor:"3,keyasint"`
	Seq       uint64 `cbor:"9,keyasint,omitempty"`
}

type VisitBody struct {
	Bucket uint64 `cbor:"1,keyasint"`
	Seq    uint64 `cbor:"9,keyasint,omitempty"`
}

// ResultBody carries the outcome of an operation back to its
// originating connection.
type ResultBody struct {
	Seq       uint64 `cbor:"1,keyasint,omitempty"`
	Error     string `cbor:"2,keyasint,omitempty"`
	Timestamp uint64 `cbor:"3,keyasint,omitempty"`
	Body      []byte `cbor:"4,keyasint,omitempty"`
	Applied   int    `cbor:"5,keyasint,omitempty"`
}

// WireEntry is one document entry of a diff, with the copy-presence
// bitmap and, for entries being transferred, the document body.
type WireEntry struct {
	DocID     string `cbor:"1,keyasint"`
	Timestamp uint64 `cbor:"2,keyasint"`
	Checksum  uint64 `cbor:"3,keyasint"`
	Tombstone bool   `cbor:"4,keyasint,omitempty"`
	Presence  uint32 `cbor:"5,keyasint,omitempty"`
	Body      []byte `cbor:"6,keyasint,omitempty"`
}

// DiffChunkBody is one bounded slice of an apply-bucket-diff. Chunks of
// one session must arrive in Index order; Last marks the final chunk.
type DiffChunkBody struct {
	Session string      `cbor:"1,keyasint"`
	Bucket  uint64      `cbor:"2,keyasint"`
	Index   int         `cbor:"3,keyasint"`
	Last    bool        `cbor:"4,keyasint,omitempty"`
	Entries []WireEntry `cbor:"5,keyasint"`
}

type DiffAckBody struct {
	Session string `cbor:"1,keyasint"`
	Index   int    `cbor:"2,keyasint"`
	Applied int    `cbor:"3,keyasint"`
	Error   string `cbor:"4,keyasint,omitempty"`
}

type MergeTriggerBody struct {
	Bucket uint64   `cbor:"1,keyasint"`
	Nodes  []uint16 `cbor:"2,keyasint"`
}

// HostInfoBody is the resource-usage snapshot sent to the cluster
// controller. All categories travel together; there are no partial
// snapshots.
type HostInfoBody struct {
	Disk      float64 `cbor:"1,keyasint"`
	Memory    float64 `cbor:"2,keyasint"`
	UnixNanos int64   `cbor:"3,keyasint"`
}

// Message encodes a storage-API message: a TLV record of the given
// kind with a CBOR body.
func Message(kind byte, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	return Record(kind, raw), nil
}

// ParseMessage splits a received record into kind and decoded body.
// Pass a pointer of the type matching the kind.
func ParseMessage(rec []byte, body any) (kind byte, err error) {
	kind, raw, _ := TakeAny(rec)
	if kind == 0 || kind == '-' || raw == nil {
		return 0, ErrBadMessage
	}
	if body != nil {
		if err = cbor.Unmarshal(raw, body); err != nil {
			return kind, err
		}
	}
	return kind, nil
}
