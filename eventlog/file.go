package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"taskorchestrator/correlation"
)

// Codec encodes/decodes the domain-specific Message payload carried by
// MessageReceived events (replies and the TimeoutSignal sentinel). The
// engine has no knowledge of reply message shapes, so a File log needs a
// codec supplied by the caller to persist them as JSON.
type Codec interface {
	Encode(msg any) (tag string, payload []byte, err error)
	Decode(tag string, payload []byte) (any, error)
}

// wireEvent is the on-disk JSON representation of Event.
type wireEvent struct {
	Kind          Kind
	StartID       uint64                    `json:",omitempty"`
	TaskIndex     uint32                    `json:",omitempty"`
	DeliveryID    correlation.DeliveryID    `json:",omitempty"`
	CorrelationID correlation.CorrelationID `json:",omitempty"`
	MessageTag    string                    `json:",omitempty"`
	MessagePayload []byte                   `json:",omitempty"`
	Snapshot      []byte                    `json:",omitempty"`
}

// File is a Log backed by a directory on disk: an append-only
// newline-delimited JSON event file, plus an atomically-replaced
// snapshot.json, following the same atomic-write-then-rename-then-fsync
// discipline a run/checkpoint store uses for its own metadata files.
type File struct {
	mu    sync.Mutex
	dir   string
	codec Codec

	eventsFile *os.File
}

// NewFile opens (creating if absent) a File log rooted at dir.
func NewFile(dir string, codec Codec) (*File, error) {
	if codec == nil {
		return nil, fmt.Errorf("eventlog: codec is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: creating %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening event log: %w", err)
	}
	return &File{dir: dir, codec: codec, eventsFile: f}, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventsFile.Close()
}

func (f *File) snapshotPath() string {
	return filepath.Join(f.dir, "snapshot.json")
}

func (f *File) Append(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	we, err := f.toWire(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.eventsFile.Write(data); err != nil {
		return fmt.Errorf("eventlog: append event: %w", err)
	}
	return f.eventsFile.Sync()
}

func (f *File) toWire(event Event) (wireEvent, error) {
	we := wireEvent{
		Kind:          event.Kind,
		StartID:       event.StartID,
		TaskIndex:     event.TaskIndex,
		DeliveryID:    event.DeliveryID,
		CorrelationID: event.CorrelationID,
		Snapshot:      event.Snapshot,
	}
	if event.Kind == MessageReceivedEvent {
		tag, payload, err := f.codec.Encode(event.Message)
		if err != nil {
			return wireEvent{}, fmt.Errorf("eventlog: encode message: %w", err)
		}
		we.MessageTag = tag
		we.MessagePayload = payload
	}
	return we, nil
}

func (f *File) fromWire(we wireEvent) (Event, error) {
	event := Event{
		Kind:          we.Kind,
		StartID:       we.StartID,
		TaskIndex:     we.TaskIndex,
		DeliveryID:    we.DeliveryID,
		CorrelationID: we.CorrelationID,
		Snapshot:      we.Snapshot,
	}
	if we.Kind == MessageReceivedEvent {
		msg, err := f.codec.Decode(we.MessageTag, we.MessagePayload)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: decode message: %w", err)
		}
		event.Message = msg
	}
	return event, nil
}

// wireSnapshot wraps the opaque state blob with the event count at the
// time the snapshot was taken, so Replay knows how many leading lines of
// events.jsonl the snapshot already accounts for and must skip.
type wireSnapshot struct {
	EventCount int64
	State      []byte
}

func (f *File) Replay() ([]byte, bool, []Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var snapshot []byte
	hasSnapshot := false
	var skip int64
	if data, err := os.ReadFile(f.snapshotPath()); err == nil {
		var ws wireSnapshot
		if err := json.Unmarshal(data, &ws); err != nil {
			return nil, false, nil, fmt.Errorf("eventlog: decode snapshot: %w", err)
		}
		snapshot = ws.State
		skip = ws.EventCount
		hasSnapshot = true
	} else if !os.IsNotExist(err) {
		return nil, false, nil, fmt.Errorf("eventlog: reading snapshot: %w", err)
	}

	rf, err := os.Open(filepath.Join(f.dir, "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot, hasSnapshot, nil, nil
		}
		return nil, false, nil, fmt.Errorf("eventlog: opening event log for replay: %w", err)
	}
	defer rf.Close()

	var events []Event
	var lineNo int64
	scanner := bufio.NewScanner(rf)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineNo++
		if len(line) == 0 {
			continue
		}
		if lineNo <= skip {
			continue
		}
		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			return nil, false, nil, fmt.Errorf("eventlog: decode event: %w", err)
		}
		if we.Kind == SnapshotOfferEvent {
			// The snapshot's state is returned as the snapshot result, not
			// as an event.
			continue
		}
		event, err := f.fromWire(we)
		if err != nil {
			return nil, false, nil, err
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, nil, fmt.Errorf("eventlog: scanning event log: %w", err)
	}
	return snapshot, hasSnapshot, events, nil
}

func (f *File) SaveSnapshot(state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lineCount, err := countLines(filepath.Join(f.dir, "events.jsonl"))
	if err != nil {
		return fmt.Errorf("eventlog: counting event log lines: %w", err)
	}

	ws := wireSnapshot{EventCount: lineCount, State: state}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("eventlog: marshal snapshot: %w", err)
	}
	if err := atomicReplaceSnapshot(f.dir, data); err != nil {
		return fmt.Errorf("eventlog: writing snapshot: %w", err)
	}

	we := wireEvent{Kind: SnapshotOfferEvent, Snapshot: state}
	wedata, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("eventlog: marshal snapshot event: %w", err)
	}
	wedata = append(wedata, '\n')
	if _, err := f.eventsFile.Write(wedata); err != nil {
		return fmt.Errorf("eventlog: append snapshot event: %w", err)
	}
	return f.eventsFile.Sync()
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}
