package vespa

// MessageKind discriminates inbound storage messages.
type MessageKind byte

const (
	MsgPut MessageKind = iota
	MsgGet
	MsgRemove
	MsgVisit
	MsgApplyDiff
)

func (k MessageKind) String() string {
	return [...]string{"put", "get", "remove", "visit", "applydiff"}[k]
}

// Message is one inbound storage operation. Conn and Seq identify the
// originating connection and its per-connection sequence; responses to
// one connection are delivered in Seq order (Seq 0 opts out).
type Message struct {
	Kind      MessageKind
	Bucket    BucketID
	DocID     string
	Timestamp uint64
	Body      []byte
	Diff      []DiffEntry
	Conn      string
	Seq       uint64

	// OnVisit receives every entry of a visit operation, streamed on
	// the persistence thread under a visitor-pool slot.
	OnVisit func(DocumentEntry, []byte) error

	// Done receives the result exactly once, on a thread chosen by
	// the response sequencer.
	Done func(*Result)
}

// Result is the outcome of one executed storage operation.
type Result struct {
	Msg     *Message
	Entry   DocumentEntry
	Value   []byte
	Applied int
	Err     error
}
