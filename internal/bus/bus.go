// Package bus implements Component I: a filesystem message bus between the
// coordinator and worker agents. Each message is one file under the
// recipient's inbox directory, written via the shared atomicfile
// write-then-rename idiom so a reader never observes a half-written
// message. Delivery is at-least-once: a crash between read and delete
// replays the message, so recipients must be idempotent on id (spec §4.I).
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

// encodingMsgpack is the opt-in binary wire format for a single message
// file (domain.Message.Encoding); every other value, including the empty
// string, is plain JSON per spec §6.
const encodingMsgpack = "msgpack"

func marshalMessage(msg domain.Message) ([]byte, error) {
	if msg.Encoding == encodingMsgpack {
		return msgpack.Marshal(msg)
	}
	return json.MarshalIndent(msg, "", "  ")
}

func unmarshalMessage(data []byte, name string, msg *domain.Message) error {
	if filepath.Ext(name) == ".msgpack" {
		return msgpack.Unmarshal(data, msg)
	}
	return json.Unmarshal(data, msg)
}

// Bus roots every agent's inbox/outbox under Root.
type Bus struct {
	root     string
	idSource func() string
	now      func() time.Time
}

// Config parameterizes a Bus.
type Config struct {
	Root string
}

// New constructs a Bus rooted at cfg.Root.
func New(cfg Config) (*Bus, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("bus root is required")
	}
	return &Bus{
		root:     cfg.Root,
		idSource: func() string { return ulid.Make().String() },
		now:      time.Now,
	}, nil
}

func (b *Bus) inboxDir(agent string) string  { return filepath.Join(b.root, agent, "inbox") }
func (b *Bus) outboxDir(agent string) string { return filepath.Join(b.root, agent, "outbox") }

// Send assigns id/timestamp if absent, writes msg to the recipient's inbox,
// and mirrors a copy to the sender's outbox for observability.
func (b *Bus) Send(msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = b.idSource()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	data, err := marshalMessage(msg)
	if err != nil {
		return domain.Message{}, err
	}
	name := filename(msg)

	if err := atomicfile.Write(filepath.Join(b.inboxDir(msg.To), name), data); err != nil {
		return domain.Message{}, err
	}
	if msg.From != "" {
		_ = atomicfile.Write(filepath.Join(b.outboxDir(msg.From), name), data)
	}
	return msg, nil
}

func filename(msg domain.Message) string {
	ext := "json"
	if msg.Encoding == encodingMsgpack {
		ext = "msgpack"
	}
	return fmt.Sprintf("%s_%s_%s.%s", timestampKey(msg.Timestamp), msg.ID, msg.Type, ext)
}

func timestampKey(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// PollInbox lists agent's inbox files in filename (timestamp) order, parses
// each, and deletes it after a successful parse. A file that fails to
// parse is left in place as a dead-letter rather than deleted, and is
// skipped in the returned slice.
func (b *Bus) PollInbox(agent string) ([]domain.Message, error) {
	dir := b.inboxDir(agent)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	var out []domain.Message
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var msg domain.Message
		if err := unmarshalMessage(data, name, &msg); err != nil {
			continue // dead-letter: left on disk for operator inspection
		}
		_ = os.Remove(path)
		out = append(out, msg)
	}
	return out, nil
}

// EnsureDirs creates the inbox/outbox directories for agent if absent.
func (b *Bus) EnsureDirs(agent string) error {
	if err := os.MkdirAll(b.inboxDir(agent), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(b.outboxDir(agent), 0o755)
}
