package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Journal layout: a four line header followed by one operation per line.
//
//	sketch.disk
//	1
//	none|zstd
//	<blank>
//	DIRTY <name>
//	CLEAN <name> <size>
//	READ <name>
//	REMOVE <name>
const (
	journalFile    = "journal"
	journalTmpFile = "journal.tmp"
	journalMagic   = "sketch.disk"
	journalVersion = "1"

	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRead   = "READ"
	opRemove = "REMOVE"

	// compactThreshold is the number of redundant journal lines tolerated
	// before the journal is rewritten.
	compactThreshold = 2000
)

var errJournalHeader = errors.New("journal header mismatch")

func compressionName(enabled bool) string {
	if enabled {
		return "zstd"
	}
	return "none"
}

func writeHeader(w io.Writer, compressed bool) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n\n", journalMagic, journalVersion, compressionName(compressed))
	return err
}

// replayed is the state reconstructed from a journal.
type replayed struct {
	seq     map[string]int // last touch; higher is more recent
	clean   map[string]int64
	dirty   map[string]bool
	lines   int
	partial bool
}

// readJournal parses the journal at path. A header that does not match the
// expected version or compression returns errJournalHeader. A truncated final
// line is ignored and reported through partial.
func readJournal(path string, compressed bool) (*replayed, error) {
	f, err := os.Open(path) //nolint:gosec // journal path is fixed inside the cache dir
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	want := []string{journalMagic, journalVersion, compressionName(compressed), ""}
	for _, expected := range want {
		line, err := r.ReadString('\n')
		if err != nil || strings.TrimSuffix(line, "\n") != expected {
			return nil, errJournalHeader
		}
	}

	st := &replayed{
		seq:   make(map[string]int),
		clean: make(map[string]int64),
		dirty: make(map[string]bool),
	}
	touch := func(name string) {
		st.seq[name] = st.lines
	}

	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			st.partial = line != ""
			break
		}
		if err != nil {
			return nil, err
		}
		st.lines++
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed journal line %q", strings.TrimSpace(line))
		}
		op, name := fields[0], fields[1]
		switch op {
		case opDirty:
			if len(fields) != 2 {
				return nil, fmt.Errorf("malformed journal line %q", strings.TrimSpace(line))
			}
			st.dirty[name] = true
			touch(name)
		case opClean:
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed journal line %q", strings.TrimSpace(line))
			}
			size, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || size < 0 {
				return nil, fmt.Errorf("malformed journal size %q", fields[2])
			}
			delete(st.dirty, name)
			st.clean[name] = size
			touch(name)
		case opRead:
			if _, ok := st.clean[name]; ok {
				touch(name)
			}
		case opRemove:
			delete(st.dirty, name)
			delete(st.clean, name)
			delete(st.seq, name)
		default:
			return nil, fmt.Errorf("unknown journal op %q", op)
		}
	}
	return st, nil
}

// order returns the live names from least to most recently used.
func (st *replayed) order() []string {
	names := make([]string, 0, len(st.seq))
	for name := range st.seq {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return st.seq[names[i]] < st.seq[names[j]] })
	return names
}
