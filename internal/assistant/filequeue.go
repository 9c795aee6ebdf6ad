package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
)

// FileQueue is the default RequestQueue/ResponseQueue implementation: one
// JSON file per request under RequestDir, one per response under
// ResponseDir, written via the shared write-then-rename idiom. It plays
// the same durable-handoff role for the assistant boundary that
// internal/bus plays for coordinator<->worker traffic.
type FileQueue struct {
	RequestDir  string
	ResponseDir string
}

// NewFileQueue creates the request/response directories if absent.
func NewFileQueue(requestDir, responseDir string) (*FileQueue, error) {
	if err := os.MkdirAll(requestDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(responseDir, 0o755); err != nil {
		return nil, err
	}
	return &FileQueue{RequestDir: requestDir, ResponseDir: responseDir}, nil
}

// Enqueue writes req to RequestDir, assigning a RequestID if absent.
func (q *FileQueue) Enqueue(_ context.Context, req Request) error {
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}
	path := filepath.Join(q.RequestDir, req.RequestID+".json")
	return atomicfile.WriteJSON(path, req)
}

// Poll returns and deletes the oldest response file in ResponseDir, if
// any. The external service is expected to write one file per Response
// under ResponseDir; a parse failure is treated as "not yet available"
// and the file is left for operator inspection rather than deleted.
func (q *FileQueue) Poll(_ context.Context) (Response, bool, error) {
	entries, err := os.ReadDir(q.ResponseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Response{}, false, nil
		}
		return Response{}, false, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(q.ResponseDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue // dead-letter: left on disk
		}
		_ = os.Remove(path)
		return resp, true, nil
	}
	return Response{}, false, nil
}

// Requeue writes resp back to ResponseDir under a fresh filename so a
// later Poll can pick it up again for whichever caller is actually
// waiting on its RequestID.
func (q *FileQueue) Requeue(_ context.Context, resp Response) error {
	name := fmt.Sprintf("%d_%s.json", time.Now().UnixNano(), resp.RequestID)
	return atomicfile.WriteJSON(filepath.Join(q.ResponseDir, name), resp)
}
