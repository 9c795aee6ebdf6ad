// Package watcher implements Component H: periodic discovery and streaming
// parse of log files into domain.RawLogEntry values for the classifier.
// File discovery uses an operator-configured doublestar glob
// (github.com/bmatcuk/doublestar/v4), a real teacher go.mod dependency the
// teacher's own code never actually imports (declared but unused there) —
// wired here for the first time for the purpose its name promises. The
// persisted dedup set follows the shared atomicfile write-then-rename
// idiom.
package watcher

import (
	"bufio"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

const dedupCap = 10000

// Config parameterizes a Watcher.
type Config struct {
	LogDir         string
	Glob           string // default "**/*.log"
	ProcessedPath  string // state file tracking already-emitted hashes
	HeaderMarkers  []string // default ["[ERROR]", "[FATAL]"]
	ContinuationIndent int // default 4
}

// Watcher scans LogDir for files matching Glob on each Scan call, parsing
// each into RawLogEntry values and deduplicating by its own content hash
// of header+stack (see entryHash), persisted so an entry never reaches the
// classifier twice even across restarts.
type Watcher struct {
	mu sync.Mutex

	logDir        string
	glob          string
	processedPath string
	headerMarkers []string
	indent        int

	processed map[string]processedEntry
}

type processedEntry struct {
	Timestamp time.Time `json:"timestamp"`
}

// New constructs a Watcher, loading any persisted dedup set.
func New(cfg Config) (*Watcher, error) {
	if cfg.Glob == "" {
		cfg.Glob = "**/*.log"
	}
	if len(cfg.HeaderMarkers) == 0 {
		cfg.HeaderMarkers = []string{"[ERROR]", "[FATAL]"}
	}
	if cfg.ContinuationIndent <= 0 {
		cfg.ContinuationIndent = 4
	}
	w := &Watcher{
		logDir:        cfg.LogDir,
		glob:          cfg.Glob,
		processedPath: cfg.ProcessedPath,
		headerMarkers: cfg.HeaderMarkers,
		indent:        cfg.ContinuationIndent,
		processed:     make(map[string]processedEntry),
	}
	if cfg.ProcessedPath != "" {
		var loaded map[string]processedEntry
		found, err := atomicfile.ReadJSON(cfg.ProcessedPath, &loaded)
		if err != nil {
			return nil, err
		}
		if found {
			w.processed = loaded
		}
	}
	return w, nil
}

// Scan enumerates every file matching the configured glob under LogDir, in
// deterministic file order, reads each file in full, and returns the
// RawLogEntry values from lines not already recorded as processed. Entries
// are in file-order then line-order (spec §5 ordering guarantee).
func (w *Watcher) Scan() ([]domain.RawLogEntry, error) {
	files, err := w.matchFiles()
	if err != nil {
		return nil, err
	}

	var out []domain.RawLogEntry
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, f := range files {
		entries, err := w.parseFile(f)
		if err != nil {
			continue // a single unreadable file never halts the scan
		}
		for _, e := range entries {
			hash := entryHash(e)
			if _, seen := w.processed[hash]; seen {
				continue
			}
			w.markProcessedLocked(hash, e.Timestamp)
			out = append(out, e)
		}
	}

	if err := w.persistLocked(); err != nil {
		return out, err
	}
	return out, nil
}

func (w *Watcher) matchFiles() ([]string, error) {
	pattern := filepath.ToSlash(filepath.Join(w.logDir, w.glob))
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (w *Watcher) isHeader(line string) bool {
	for _, marker := range w.headerMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

var timestampRe = regexp.MustCompile(`\[(\d{4})-(\d{2})-(\d{2}) (\d{2}):(\d{2}):(\d{2})\]`)

// parseFile streams path line by line, grouping a header line with any
// immediately-following ≥-indent continuation lines into one RawLogEntry
// (spec §4.H).
func (w *Watcher) parseFile(path string) ([]domain.RawLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []domain.RawLogEntry
	var current *domain.RawLogEntry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if isContinuation(line, w.indent) && current != nil {
			current.StackLines = append(current.StackLines, strings.TrimRight(line, "\r"))
			continue
		}
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
		if w.isHeader(line) {
			current = &domain.RawLogEntry{
				Timestamp: extractTimestamp(line),
				Level:     levelOf(line),
				Message:   line,
			}
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries, scanner.Err()
}

func isContinuation(line string, indent int) bool {
	count := 0
	for _, r := range line {
		if r != ' ' {
			break
		}
		count++
	}
	return count >= indent && strings.TrimSpace(line) != ""
}

func levelOf(line string) domain.Level {
	switch {
	case strings.Contains(line, "[FATAL]"):
		return domain.LevelFatal
	case strings.Contains(line, "[WARN]"):
		return domain.LevelWarn
	default:
		return domain.LevelError
	}
}

// extractTimestamp pulls a bracketed "[YYYY-MM-DD HH:MM:SS]" prefix out of
// line, falling back to the ingest-time substitution (spec §6) if absent.
func extractTimestamp(line string) time.Time {
	m := timestampRe.FindStringSubmatch(line)
	if m == nil {
		return time.Now().UTC()
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}

// entryHash dedups on header message + joined stack, independent of the
// classifier's own fingerprint (which also folds in normalization); the
// watcher's job is "have I emitted this exact logical entry before", not
// "is this the same underlying issue as another entry". blake3 is used
// rather than the classifier's md5 because this key is purely an
// in-process/on-disk dedup lookup with no integrity requirement, and the
// processed-errors document benefits from a bounded-length key regardless
// of how many stack lines a given entry carries.
func entryHash(e domain.RawLogEntry) string {
	raw := e.Message + "\x00" + strings.Join(e.StackLines, "\x00")
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (w *Watcher) markProcessedLocked(hash string, ts time.Time) {
	w.processed[hash] = processedEntry{Timestamp: ts}
	if len(w.processed) > dedupCap {
		w.evictOldestLocked()
	}
}

// evictOldestLocked trims the dedup set back under dedupCap by dropping the
// oldest-timestamped entries, bounding the processed-errors.json document
// size per spec §6.
func (w *Watcher) evictOldestLocked() {
	type kv struct {
		hash string
		ts   time.Time
	}
	all := make([]kv, 0, len(w.processed))
	for h, e := range w.processed {
		all = append(all, kv{h, e.Timestamp})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
	excess := len(all) - dedupCap
	for i := 0; i < excess; i++ {
		delete(w.processed, all[i].hash)
	}
}

func (w *Watcher) persistLocked() error {
	if w.processedPath == "" {
		return nil
	}
	return atomicfile.WriteJSON(w.processedPath, w.processed)
}
