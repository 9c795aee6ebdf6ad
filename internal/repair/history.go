package repair

import (
	"path/filepath"
	"sync"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

// historyStore owns the append-only repair history: one detail file per
// attempt plus a summary index, both under dir, both written via the
// atomicfile idiom.
type historyStore struct {
	mu  sync.Mutex
	dir string
}

func newHistoryStore(dir string) *historyStore {
	return &historyStore{dir: dir}
}

func (h *historyStore) detailPath(repairID string) string {
	return filepath.Join(h.dir, repairID+".json")
}

func (h *historyStore) indexPath() string {
	return filepath.Join(h.dir, "index.json")
}

// Append records one completed repair attempt: its full detail file plus an
// entry in the summary index.
func (h *historyStore) Append(entry domain.RepairHistoryEntry) error {
	if h.dir == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := atomicfile.WriteJSON(h.detailPath(entry.RepairID), entry); err != nil {
		return err
	}

	var index []domain.RepairHistoryEntry
	if _, err := atomicfile.ReadJSON(h.indexPath(), &index); err != nil {
		return err
	}
	index = append(index, entry)
	return atomicfile.WriteJSON(h.indexPath(), index)
}

// Index returns a snapshot of the summary index.
func (h *historyStore) Index() ([]domain.RepairHistoryEntry, error) {
	if h.dir == "" {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var index []domain.RepairHistoryEntry
	if _, err := atomicfile.ReadJSON(h.indexPath(), &index); err != nil {
		return nil, err
	}
	return index, nil
}
