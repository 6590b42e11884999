// bkv is a simple CLI for bruce key-value trees.
//
// Usage:
//
//	bkv -e mem://            put <key> <value>   # prints the new root
//	bkv -e disk:///tmp/kv -r <root> get <key>
//	bkv -e disk:///tmp/kv -r <root> del <key>
//	bkv -e disk:///tmp/kv -r <root> [-n 20] scan
//
// Keys and values are strings stored with a length prefix. Roots are
// 40-character hex ids; omitting -r starts from an empty tree.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/dacapoday/bruce"
	"github.com/dacapoday/bruce/be/disk"
	"github.com/dacapoday/bruce/be/mem"
	"github.com/dacapoday/bruce/be/sqlite"
	"github.com/dacapoday/bruce/bptree"
)

func main() {
	mem.Register()
	disk.Register()
	sqlite.Register()

	engineFlag := flag.String("e", "disk://./bkv.blocks", "block engine spec")
	rootFlag := flag.String("r", "", "root id (hex), empty for a fresh tree")
	countFlag := flag.Int("n", 0, "number of items to scan (0 = all)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: bkv [-e spec] [-r root] put|get|del|scan ...")
		os.Exit(1)
	}

	store, err := bruce.Open(*engineFlag)
	if err != nil {
		fatal(err)
	}

	var root bruce.NodeID
	if *rootFlag != "" {
		if root, err = bruce.ParseNodeID(*rootFlag); err != nil {
			fatal(err)
		}
	}

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "put":
		if len(args) != 2 {
			fatal(fmt.Errorf("put needs <key> <value>"))
		}
		runPut(store, root, args[0], args[1])
	case "get":
		if len(args) != 1 {
			fatal(fmt.Errorf("get needs <key>"))
		}
		runGet(store, root, args[0])
	case "del":
		if len(args) != 1 {
			fatal(fmt.Errorf("del needs <key>"))
		}
		runDel(store, root, args[0])
	case "scan":
		runScan(store, root, *countFlag)
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "bkv:", err)
	os.Exit(1)
}

// Strings are stored with a u32 length prefix so they describe their
// own size on a page.
func encode(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func decode(b []byte) string {
	return string(b[4:])
}

func size(buf []byte) uint32 {
	return 4 + binary.LittleEndian.Uint32(buf)
}

func compare(a, b []byte) int {
	as, bs := decode(a), decode(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

var funcs = bruce.Funcs{
	KeyCompare: compare,
	ValCompare: compare,
	KeySize:    size,
	ValSize:    size,
}

func commit(store bruce.BlockStore, edit *bptree.EditTree) {
	mut, err := edit.Write()
	if err != nil {
		fatal(err)
	}
	if !mut.Success {
		bruce.Finish(store, mut, false)
		fatal(fmt.Errorf("write failed: %s", mut.FailureReason))
	}
	if !bruce.Finish(store, mut, true) {
		fmt.Fprintln(os.Stderr, "bkv: warning: some obsolete blocks were not deleted")
	}
	fmt.Println(mut.NewRoot)
}

func runPut(store bruce.BlockStore, root bruce.NodeID, key, value string) {
	edit := bptree.NewEditTree(store, root, funcs)
	if err := edit.Upsert(encode(key), encode(value), false); err != nil {
		fatal(err)
	}
	commit(store, edit)
}

func runDel(store bruce.BlockStore, root bruce.NodeID, key string) {
	edit := bptree.NewEditTree(store, root, funcs)
	if _, err := edit.Remove(encode(key), false); err != nil {
		fatal(err)
	}
	commit(store, edit)
}

func runGet(store bruce.BlockStore, root bruce.NodeID, key string) {
	query := bptree.NewQueryTree(store, root, funcs)
	value, err := query.Get(encode(key))
	if err != nil {
		fatal(err)
	}
	if value == nil {
		os.Exit(1)
	}
	fmt.Println(decode(value))
}

func runScan(store bruce.BlockStore, root bruce.NodeID, count int) {
	query := bptree.NewQueryTree(store, root, funcs)
	it, err := query.Begin()
	if err != nil {
		fatal(err)
	}
	for n := 0; it.Valid() && (count == 0 || n < count); n++ {
		fmt.Printf("%s\t%s\n", decode(it.Key()), decode(it.Value()))
		if err := it.Next(); err != nil {
			fatal(err)
		}
	}
}
