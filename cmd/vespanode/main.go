package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/parthasl/vespa"
	"github.com/parthasl/vespa/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("status"),
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("remove"),
	readline.PcItem("merge"),
	readline.PcItem("noise"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const help = `help                    this text
listen <addr>           accept storage connections, e.g. tcp://:9700
connect <addr>          keep a connection to a peer node
status                  counters, host info, per-connection net stats
put <docid> <ts> <body> write a document version
get <docid>             read a document
remove <docid> <ts>     write a tombstone
merge <bucket-hex>      reconcile one bucket's copy set
noise <level>           set the resource reporter noise gate
exit, quit              shut the node down`

// soloOwnership serves single-node runs; merges need real peers.
type soloOwnership struct{ id vespa.NodeID }

func (o soloOwnership) CopySet(vespa.BucketID) (vespa.MergeChain, error) {
	return vespa.MergeChain{o.id}, nil
}

func status(node *vespa.Node, tr *vespa.Transport) {
	s := node.Stats()
	fmt.Printf("scheduled %d, inline %d, responses %d, batches %d\n",
		s.MessagesScheduled.Load(), s.InlineExecutions.Load(),
		s.ResponsesDelivered.Load(), s.ResponseBatches.Load())
	fmt.Printf("merges started %d, completed %d, aborted %d\n",
		s.MergesStarted.Load(), s.MergesCompleted.Load(), s.MergesAborted.Load())
	if info, ok := node.LastHostInfo(); ok {
		fmt.Printf("host info: disk %.4f, memory %.4f (noise %g)\n",
			info.Disk, info.Memory, node.NoiseLevel())
	} else {
		fmt.Printf("host info: nothing reported yet (noise %g)\n", node.NoiseLevel())
	}
	ns := tr.NetStats()
	for name, buf := range ns.ReadBuffers {
		fmt.Printf("conn %s: read buffer %d, write batch %d\n",
			name, buf, ns.WriteBatches[name])
	}
}

func main() {
	var (
		nodeID   = flag.Uint("node", 1, "content node id")
		mounts   = flag.String("mounts", "", "comma-separated data directories")
		threads  = flag.Int("threads", 0, "persistence threads per mountpoint")
		rthreads = flag.Int("response-threads", 2, "response threads; 0 sync, <0 from hardware")
		seqType  = flag.String("sequencer", "ADAPTIVE", "LATENCY, THROUGHPUT or ADAPTIVE")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	dirs := strings.Split(*mounts, ",")
	if *mounts == "" {
		dir, err := os.MkdirTemp("", "vespanode")
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-1)
		}
		dirs = []string{dir}
	}

	cfg := vespa.NewConfig(dirs...)
	if *threads > 0 {
		cfg.NumThreads = *threads
	}
	cfg.NumResponseThreads = *rthreads
	st, err := vespa.ParseSequencerType(*seqType)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}
	cfg.ResponseSequencerType = st

	id := vespa.NodeID(*nodeID)
	relay := &vespa.HostInfoRelay{}
	node, err := vespa.NewNode(id, cfg, soloOwnership{id: id}, relay, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	tr := vespa.NewTransport(node, log)
	relay.Bind(tr)

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◍ ",
		HistoryFile:     "/tmp/vespanode.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	shutdown := func() int {
		ex := 0
		if err := tr.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			ex = -1
		}
		if err := node.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			ex = -1
		}
		return ex
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "", "help":
			fmt.Println(help)
		case "listen":
			if len(args) != 1 {
				err = fmt.Errorf("usage: listen <addr>")
				break
			}
			err = tr.Listen(args[0])
		case "connect":
			if len(args) != 1 {
				err = fmt.Errorf("usage: connect <addr>")
				break
			}
			err = tr.Connect(args[0])
		case "status":
			status(node, tr)
		case "put":
			if len(args) < 3 {
				err = fmt.Errorf("usage: put <docid> <ts> <body>")
				break
			}
			var ts uint64
			if ts, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				break
			}
			err = node.Put(args[0], ts, []byte(strings.Join(args[2:], " ")))
		case "get":
			if len(args) != 1 {
				err = fmt.Errorf("usage: get <docid>")
				break
			}
			var entry vespa.DocumentEntry
			var body []byte
			if entry, body, err = node.Get(args[0]); err == nil {
				fmt.Printf("ts %d: %s\n", entry.Timestamp, body)
			}
		case "remove":
			if len(args) != 2 {
				err = fmt.Errorf("usage: remove <docid> <ts>")
				break
			}
			var ts uint64
			if ts, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				break
			}
			err = node.Remove(args[0], ts)
		case "merge":
			if len(args) != 1 {
				err = fmt.Errorf("usage: merge <bucket-hex>")
				break
			}
			var b uint64
			if b, err = strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64); err != nil {
				break
			}
			var stats *vespa.MergeStats
			if stats, err = node.TriggerMerge(context.Background(), vespa.BucketID(b)); err == nil {
				fmt.Printf("rounds %d, moved %d entries, %d bytes, %d chunks\n",
					stats.Rounds, stats.EntriesMoved, stats.BytesMoved, stats.Chunks)
			}
		case "noise":
			if len(args) != 1 {
				err = fmt.Errorf("usage: noise <level>")
				break
			}
			var level float64
			if level, err = strconv.ParseFloat(args[0], 64); err != nil {
				break
			}
			err = node.SetNoiseLevel(level)
		case "exit", "quit":
			os.Exit(shutdown())
		default:
			fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
	os.Exit(shutdown())
}
