package vespa

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/parthasl/vespa/network"
	"github.com/parthasl/vespa/protocol"
	"github.com/parthasl/vespa/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	outQueueLimit     = 4096
	outQueueTimeLimit = 30 * time.Second
	outQueueBatch     = 1 << 20
)

// Transport carries storage-API messages between this node and its
// peers over the network layer. Each connection gets a peerHandler
// whose outbound queue the Peer's write loop feeds from; inbound
// records are decoded here and dispatched into the node under a
// network-pool slot.
type Transport struct {
	node *Node
	log  utils.Logger
	net  *network.Net

	outqs    *xsync.MapOf[string, *utils.FDQueue[protocol.Records]]
	sessions *xsync.MapOf[string, *diffSession]
}

// diffSession reassembles one inbound chunked diff. A session that
// breaks ordering is dropped whole; the sender restarts the merge.
type diffSession struct {
	re      *Reassembler
	session string
}

func NewTransport(node *Node, log utils.Logger, opts ...network.NetOpt) *Transport {
	t := &Transport{
		node:     node,
		log:      log,
		outqs:    xsync.NewMapOf[string, *utils.FDQueue[protocol.Records]](),
		sessions: xsync.NewMapOf[string, *diffSession](),
	}
	t.net = network.NewNet(log, t.install, t.destroy, opts...)
	return t
}

func (t *Transport) Listen(addr string) error {
	return t.net.Listen(addr)
}

func (t *Transport) Connect(addr string) error {
	return t.net.Connect(addr)
}

func (t *Transport) Disconnect(name string) error {
	return t.net.Disconnect(name)
}

func (t *Transport) NetStats() network.NetStats {
	return t.net.GetStats()
}

func (t *Transport) Close() error {
	return t.net.Close()
}

func (t *Transport) install(name string) protocol.FeedDrainCloserTraced {
	queue := utils.NewFDQueue[protocol.Records](outQueueLimit, outQueueTimeLimit, outQueueBatch)
	t.outqs.Store(name, queue)
	return &peerHandler{
		t:       t,
		name:    name,
		traceID: uuid.Must(uuid.NewV7()).String(),
		outq:    queue,
	}
}

func (t *Transport) destroy(name string, _ protocol.Traced) {
	if queue, ok := t.outqs.LoadAndDelete(name); ok {
		queue.Close()
	}
	t.sessions.Range(func(key string, s *diffSession) bool {
		if s.session != "" && keyPeer(key) == name {
			t.sessions.Delete(key)
		}
		return true
	})
}

// Broadcast queues one record on every live connection. Used for host
// info; a full queue just means that peer misses one snapshot.
func (t *Transport) Broadcast(rec []byte) {
	t.outqs.Range(func(name string, queue *utils.FDQueue[protocol.Records]) bool {
		if err := queue.Drain(context.Background(), protocol.Records{rec}); err != nil {
			t.log.Warn("transport: broadcast dropped", "name", name, "err", err)
		}
		return true
	})
}

// ReportResourceUsage implements Reporter by broadcasting the snapshot
// to every connected peer.
func (t *Transport) ReportResourceUsage(s ResourceSample) {
	rec, err := protocol.Message(protocol.KindHostInfo, &protocol.HostInfoBody{
		Disk:      s.Disk,
		Memory:    s.Memory,
		UnixNanos: s.When.UnixNano(),
	})
	if err != nil {
		t.log.Error("transport: encode host info", "err", err)
		return
	}
	t.Broadcast(rec)
}

// HostInfoRelay lets the sampler report through a transport that is
// constructed after the node. Unbound, it drops snapshots.
type HostInfoRelay struct {
	t atomic.Pointer[Transport]
}

func (r *HostInfoRelay) Bind(t *Transport) {
	r.t.Store(t)
}

func (r *HostInfoRelay) ReportResourceUsage(s ResourceSample) {
	if t := r.t.Load(); t != nil {
		t.ReportResourceUsage(s)
	}
}

// peerHandler is the protocol side of one connection. Feed hands the
// write loop whatever responses and acks have queued up; Drain decodes
// inbound records and pushes them into the node.
type peerHandler struct {
	t       *Transport
	name    string
	traceID string
	outq    *utils.FDQueue[protocol.Records]
}

func (h *peerHandler) GetTraceId() string {
	return h.traceID
}

func (h *peerHandler) Feed(ctx context.Context) (protocol.Records, error) {
	return h.outq.Feed(ctx)
}

func (h *peerHandler) Drain(ctx context.Context, recs protocol.Records) error {
	pool := h.t.node.pools.Network()
	pool.Acquire()
	defer pool.Release()
	for _, rec := range recs {
		if err := h.t.handleRecord(ctx, h, rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *peerHandler) Close() error {
	return h.outq.Close()
}

// send queues one outbound record for this connection.
func (h *peerHandler) send(ctx context.Context, rec []byte) {
	if err := h.outq.Drain(ctx, protocol.Records{rec}); err != nil {
		h.t.log.Warn("transport: outbound record dropped", "name", h.name, "err", err)
	}
}

// sendResult encodes one operation outcome for the wire.
func (h *peerHandler) sendResult(r *Result) {
	body := &protocol.ResultBody{
		Seq:       r.Msg.Seq,
		Timestamp: r.Entry.Timestamp,
		Body:      r.Value,
		Applied:   r.Applied,
	}
	if r.Err != nil {
		body.Error = r.Err.Error()
	}
	rec, err := protocol.Message(protocol.KindResult, body)
	if err != nil {
		h.t.log.Error("transport: encode result", "name", h.name, "err", err)
		return
	}
	h.send(context.Background(), rec)
}

func (t *Transport) handleRecord(ctx context.Context, h *peerHandler, rec []byte) error {
	kind, err := protocol.ParseMessage(rec, nil)
	if err != nil {
		return err
	}

	switch kind {
	case protocol.KindPut:
		var b protocol.PutBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		return t.node.Schedule(&Message{
			Kind: MsgPut, Bucket: BucketID(b.Bucket),
			DocID: b.DocID, Timestamp: b.Timestamp, Body: b.Body,
			Conn: h.name, Seq: b.Seq, Done: h.sendResult,
		})

	case protocol.KindGet:
		var b protocol.GetBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		return t.node.Schedule(&Message{
			Kind: MsgGet, Bucket: BucketID(b.Bucket), DocID: b.DocID,
			Conn: h.name, Seq: b.Seq, Done: h.sendResult,
		})

	case protocol.KindRemove:
		var b protocol.RemoveBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		return t.node.Schedule(&Message{
			Kind: MsgRemove, Bucket: BucketID(b.Bucket),
			DocID: b.DocID, Timestamp: b.Timestamp,
			Conn: h.name, Seq: b.Seq, Done: h.sendResult,
		})

	case protocol.KindVisit:
		var b protocol.VisitBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		return t.handleVisit(h, &b)

	case protocol.KindMergeTrigger:
		var b protocol.MergeTriggerBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		t.handleMergeTrigger(h, &b)
		return nil

	case protocol.KindDiffChunk:
		var b protocol.DiffChunkBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		return t.handleDiffChunk(ctx, h, &b)

	case protocol.KindDiffAck:
		var b protocol.DiffAckBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		if b.Error != "" {
			t.log.Warn("transport: diff rejected by peer",
				"name", h.name, "session", b.Session, "err", b.Error)
		} else {
			t.log.Debug("transport: diff acked",
				"name", h.name, "session", b.Session, "applied", b.Applied)
		}
		return nil

	case protocol.KindHostInfo:
		var b protocol.HostInfoBody
		if _, err := protocol.ParseMessage(rec, &b); err != nil {
			return err
		}
		t.log.Debug("transport: peer host info",
			"name", h.name, "disk", b.Disk, "memory", b.Memory)
		return nil

	case protocol.KindResult:
		// responses to requests this node sent; nothing outstanding yet
		return nil

	case protocol.KindBye:
		return network.ErrDisconnected

	default:
		return fmt.Errorf("%w: kind %q from %s", protocol.ErrBadMessage, kind, h.name)
	}
}

// handleVisit runs a bucket visit and returns all entries in one
// result. The iteration itself runs on a persistence thread under a
// visitor slot.
func (t *Transport) handleVisit(h *peerHandler, b *protocol.VisitBody) error {
	var entries []protocol.WireEntry
	return t.node.Schedule(&Message{
		Kind: MsgVisit, Bucket: BucketID(b.Bucket),
		Conn: h.name, Seq: b.Seq,
		OnVisit: func(e DocumentEntry, body []byte) error {
			entries = append(entries, protocol.WireEntry{
				DocID:     e.DocID,
				Timestamp: e.Timestamp,
				Checksum:  e.Checksum,
				Tombstone: e.Tombstone,
				Body:      body,
			})
			return nil
		},
		Done: func(r *Result) {
			if r.Err == nil {
				if raw, err := cbor.Marshal(entries); err == nil {
					r.Value = raw
				} else {
					r.Err = err
				}
			}
			h.sendResult(r)
		},
	})
}

func (t *Transport) handleMergeTrigger(h *peerHandler, b *protocol.MergeTriggerBody) {
	bucket := BucketID(b.Bucket)
	go func() {
		res := &Result{Msg: &Message{Bucket: bucket}}
		if err := t.checkTriggerCopySet(bucket, b.Nodes); err != nil {
			res.Err = err
			h.sendResult(res)
			return
		}
		stats, err := t.node.TriggerMerge(context.Background(), bucket)
		res.Err = err
		if stats != nil {
			res.Applied = stats.EntriesMoved
		}
		h.sendResult(res)
	}()
}

// checkTriggerCopySet compares the copy set a merge trigger carried
// with current ownership. A trigger for a reassigned copy set is
// refused up front, the same way a running merge aborts.
func (t *Transport) checkTriggerCopySet(bucket BucketID, nodes []uint16) error {
	if len(nodes) == 0 {
		return nil
	}
	want := make(MergeChain, len(nodes))
	for i, id := range nodes {
		want[i] = NodeID(id)
	}
	slices.Sort(want)
	cur, err := t.node.ownership.CopySet(bucket)
	if err != nil {
		return err
	}
	if !cur.Equal(want) {
		return fmt.Errorf("%w: bucket %s", ErrCopySetChanged, bucket)
	}
	return nil
}

// handleDiffChunk feeds one inbound chunk into its session. The last
// chunk schedules the apply; the ack carries the applied count or the
// first error.
func (t *Transport) handleDiffChunk(ctx context.Context, h *peerHandler, b *protocol.DiffChunkBody) error {
	bucket := BucketID(b.Bucket)
	key := sessionKey(h.name, b.Session)
	s, _ := t.sessions.LoadOrStore(key, &diffSession{
		re:      NewReassembler(bucket),
		session: b.Session,
	})

	chunk := DiffChunk{
		Bucket:  bucket,
		Index:   b.Index,
		Last:    b.Last,
		Entries: diffEntries(b.Entries),
	}
	if err := s.re.Add(chunk); err != nil {
		t.sessions.Delete(key)
		h.sendDiffAck(ctx, b.Session, b.Index, 0, err)
		return nil
	}
	if !b.Last {
		return nil
	}

	t.sessions.Delete(key)
	session, index := b.Session, b.Index
	return t.node.Schedule(&Message{
		Kind: MsgApplyDiff, Bucket: bucket,
		Diff: s.re.Diff(0).Entries,
		Conn: h.name,
		Done: func(r *Result) {
			h.sendDiffAck(context.Background(), session, index, r.Applied, r.Err)
		},
	})
}

func (h *peerHandler) sendDiffAck(ctx context.Context, session string, index, applied int, opErr error) {
	body := &protocol.DiffAckBody{Session: session, Index: index, Applied: applied}
	if opErr != nil {
		body.Error = opErr.Error()
	}
	rec, err := protocol.Message(protocol.KindDiffAck, body)
	if err != nil {
		h.t.log.Error("transport: encode diff ack", "name", h.name, "err", err)
		return
	}
	h.send(ctx, rec)
}

func sessionKey(peer, session string) string {
	return peer + "/" + session
}

func keyPeer(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
