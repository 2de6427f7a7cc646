package vespa

import "github.com/parthasl/vespa/protocol"

// Conversions between engine diff entries and their wire form.

func wireOf(d DiffEntry) protocol.WireEntry {
	return protocol.WireEntry{
		DocID:     d.Entry.DocID,
		Timestamp: d.Entry.Timestamp,
		Checksum:  d.Entry.Checksum,
		Tombstone: d.Entry.Tombstone,
		Presence:  d.Presence,
		Body:      d.Body,
	}
}

func diffOf(w protocol.WireEntry) DiffEntry {
	return DiffEntry{
		Entry: DocumentEntry{
			DocID:     w.DocID,
			Timestamp: w.Timestamp,
			Checksum:  w.Checksum,
			Tombstone: w.Tombstone,
		},
		Presence: w.Presence,
		Body:     w.Body,
	}
}

func diffEntries(wires []protocol.WireEntry) []DiffEntry {
	out := make([]DiffEntry, 0, len(wires))
	for _, w := range wires {
		out = append(out, diffOf(w))
	}
	return out
}
