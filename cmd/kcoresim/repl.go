package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/oichkatzele/kcore/bufcache"
	"github.com/oichkatzele/kcore/internal/diag"
	"github.com/oichkatzele/kcore/internal/syncd"
	"github.com/oichkatzele/kcore/mem"
)

// REPL drives the page allocator and buffer cache interactively:
// alloc/free against mem.PageAllocator and bread/bwrite/brelse/pin/
// unpin against bufcache.Cache, each held handle addressed by a small
// integer id printed back to the user.
type REPL struct {
	pa     *mem.PageAllocator
	cache  *bufcache.Cache
	events *diag.EventRing
	daemon *syncd.Daemon

	open map[int]*bufcache.Buf
	held map[int]mem.Pa_t
	next int
}

// NewREPL returns a REPL wired to the given allocator, cache, event
// log, and (optionally nil) sync daemon.
func NewREPL(pa *mem.PageAllocator, cache *bufcache.Cache, events *diag.EventRing, daemon *syncd.Daemon) *REPL {
	return &REPL{
		pa:     pa,
		cache:  cache,
		events: events,
		daemon: daemon,
		open:   make(map[int]*bufcache.Buf),
		held:   make(map[int]mem.Pa_t),
	}
}

// Run starts the liner-backed prompt loop until the user quits or
// sends EOF.
func (r *REPL) Run() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("kcoresim interactive mode — type 'help' for commands")
	for {
		input, err := line.Prompt("kcoresim> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("bye")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if r.dispatch(input) {
			return nil
		}
	}
}

func (r *REPL) dispatch(input string) (quit bool) {
	defer func() {
		if err := recover(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}()

	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "help":
		r.help()
	case "alloc":
		r.cmdAlloc()
	case "free":
		r.cmdFree(args)
	case "bread":
		r.cmdBread(args)
	case "bwrite":
		r.cmdBwrite(args)
	case "brelse":
		r.cmdBrelse(args)
	case "pin":
		r.cmdPin(args)
	case "unpin":
		r.cmdUnpin(args)
	case "stats":
		r.stats()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Printf("unknown command %q, type 'help'\n", cmd)
	}
	return false
}

func (r *REPL) cmdAlloc() {
	p, ok := r.pa.Alloc()
	if !ok {
		fmt.Println("heap exhausted")
		return
	}
	id := r.next
	r.next++
	r.held[id] = p
	fmt.Printf("frame %d -> %#x\n", id, p)
}

func (r *REPL) cmdFree(args []string) {
	id := mustAtoi(args, 0)
	p, ok := r.held[id]
	if !ok {
		fmt.Println("no such frame handle")
		return
	}
	r.pa.Free(p)
	delete(r.held, id)
	fmt.Printf("freed frame %d\n", id)
}

func (r *REPL) cmdBread(args []string) {
	dev := mustAtoi(args, 0)
	blockno := mustAtoi(args, 1)
	b, err := r.cache.Read(dev, blockno)
	if err != nil {
		fmt.Println("read error:", err)
		return
	}
	id := r.next
	r.next++
	r.open[id] = b
	fmt.Printf("buf %d -> dev=%d block=%d first byte=%#x\n", id, b.Dev, b.Blockno, b.Data[0])
}

func (r *REPL) cmdBwrite(args []string) {
	id := mustAtoi(args, 0)
	b, ok := r.open[id]
	if !ok {
		fmt.Println("no such buf handle")
		return
	}
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Println("invalid byte value:", args[1])
			return
		}
		b.Data[0] = byte(v)
	}
	r.cache.MarkDirty(b)
	if err := r.cache.Write(b); err != nil {
		fmt.Println("write error:", err)
		return
	}
	fmt.Printf("wrote buf %d\n", id)
}

func (r *REPL) cmdBrelse(args []string) {
	id := mustAtoi(args, 0)
	b, ok := r.open[id]
	if !ok {
		fmt.Println("no such buf handle")
		return
	}
	r.cache.Release(b)
	delete(r.open, id)
	fmt.Printf("released buf %d\n", id)
}

func (r *REPL) cmdPin(args []string) {
	id := mustAtoi(args, 0)
	b, ok := r.open[id]
	if !ok {
		fmt.Println("no such buf handle")
		return
	}
	r.cache.Pin(b)
	if r.daemon != nil {
		r.daemon.Watch(b)
	}
	fmt.Printf("pinned buf %d\n", id)
}

func (r *REPL) cmdUnpin(args []string) {
	id := mustAtoi(args, 0)
	b, ok := r.open[id]
	if !ok {
		fmt.Println("no such buf handle")
		return
	}
	r.cache.Unpin(b)
	fmt.Printf("unpinned buf %d\n", id)
}

func (r *REPL) stats() {
	m := r.pa.Metrics()
	c := r.cache.Metrics()
	fmt.Printf("mem:      allocs=%d frees=%d misses=%d free_frames=%d frame_count=%d\n",
		m.Allocs, m.Frees, m.Misses, r.pa.FreeListLen(), r.pa.FrameCount())
	fmt.Printf("bufcache: hits=%d evicts=%d steals=%d nobuf=%d writes=%d pins=%d unpins=%d flushes=%d\n",
		c.Hits, c.Evicts, c.Steals, c.NoBuf, c.Writes, c.Pins, c.Unpins, c.Flushes)
	if r.events != nil {
		fmt.Printf("events logged: %d\n", len(r.events.Snapshot()))
	}
}

func (r *REPL) help() {
	fmt.Println(`commands:
  alloc                    allocate a physical frame, prints a handle id
  free <id>                free a previously allocated frame
  bread <dev> <blockno>    read (and lock) a cache block, prints a handle id
  bwrite <id> [byte]       mark dirty and write back a held buffer
  brelse <id>              release a held buffer
  pin <id>                 pin a held buffer and register it with the sync daemon
  unpin <id>               unpin a held buffer
  stats                    print allocator and cache counters
  quit                     exit`)
}

func mustAtoi(args []string, i int) int {
	if i >= len(args) {
		panic(fmt.Sprintf("missing argument %d", i))
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		panic(fmt.Sprintf("invalid integer %q", args[i]))
	}
	return v
}
