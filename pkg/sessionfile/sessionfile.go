package sessionfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/apache/arrow/go/v16/parquet/file"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"

	"github.com/vantage6/vantage6/pkg/log"
)

// StateFileName is the append-only session log inside each session folder.
const StateFileName = "session_state.parquet"

// Actions recorded in the session state log.
const (
	ActionCreate = "create"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// StateEvent is one row of the session state log.
type StateEvent struct {
	Action    string
	File      string
	Timestamp time.Time
	Message   string
	Dataframe string
}

var stateSchema = arrow.NewSchema([]arrow.Field{
	{Name: "action", Type: arrow.BinaryTypes.String},
	{Name: "file", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "message", Type: arrow.BinaryTypes.String},
	{Name: "dataframe", Type: arrow.BinaryTypes.String},
}, nil)

// Manager owns one session's scratch directory under the node's data root:
// the state log plus one parquet file per dataframe handle. The
// orchestrator guarantees a single writer per session; the mutex only
// guards this process's own goroutines.
type Manager struct {
	dir string
	mu  sync.Mutex
}

// NewManager creates (or reopens) the session folder. A fresh folder gets
// a state log seeded with its creation row.
func NewManager(dataRoot string, sessionID int) (*Manager, error) {
	dir := filepath.Join(dataRoot, "sessions", fmt.Sprintf("session%09d", sessionID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	m := &Manager{dir: dir}
	statePath := filepath.Join(dir, StateFileName)
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		seed := StateEvent{
			Action:    ActionCreate,
			File:      StateFileName,
			Timestamp: time.Now(),
			Message:   "session state created",
		}
		if err := writeState(statePath, []StateEvent{seed}); err != nil {
			return nil, fmt.Errorf("failed to seed session state: %w", err)
		}
	}

	return m, nil
}

// Dir returns the session folder path on the host.
func (m *Manager) Dir() string { return m.dir }

// DataframePath returns the host path of a dataframe's parquet file.
func (m *Manager) DataframePath(handle string) string {
	return filepath.Join(m.dir, handle+".parquet")
}

// HasDataframe reports whether the handle's parquet file exists locally.
func (m *Manager) HasDataframe(handle string) bool {
	_, err := os.Stat(m.DataframePath(handle))
	return err == nil
}

// WriteDataframe atomically persists raw parquet bytes produced by a
// session-modifying step, then appends a write event to the state log.
func (m *Manager) WriteDataframe(handle string, parquetData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.DataframePath(handle)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, parquetData, 0644); err != nil {
		return fmt.Errorf("failed to write dataframe: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move dataframe into place: %w", err)
	}

	return m.appendLocked(StateEvent{
		Action:    ActionWrite,
		File:      handle + ".parquet",
		Timestamp: time.Now(),
		Message:   "dataframe written",
		Dataframe: handle,
	})
}

// DeleteDataframe removes the handle's parquet file and records the
// deletion. A missing file is a warning, not an error.
func (m *Manager) DeleteDataframe(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.DataframePath(handle)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete dataframe: %w", err)
		}
		logger := log.WithComponent("sessionfile")
		logger.Warn().Str("handle", handle).
			Msg("dataframe file already absent")
	}

	return m.appendLocked(StateEvent{
		Action:    ActionDelete,
		File:      handle + ".parquet",
		Timestamp: time.Now(),
		Message:   "dataframe deleted",
		Dataframe: handle,
	})
}

// AppendStateEvent records an arbitrary event in the session log.
func (m *Manager) AppendStateEvent(action, fileName, message, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(StateEvent{
		Action:    action,
		File:      fileName,
		Timestamp: time.Now(),
		Message:   message,
		Dataframe: handle,
	})
}

// ReadState returns every row of the state log in append order.
func (m *Manager) ReadState() ([]StateEvent, error) {
	return readState(filepath.Join(m.dir, StateFileName))
}

// Columns reports (name, arrow dtype) pairs of a stored dataframe, used
// for the node's column share with the coordinator.
func (m *Manager) Columns(handle string) ([][2]string, error) {
	rdr, err := file.OpenParquetFile(m.DataframePath(handle), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataframe %s: %w", handle, err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataframe schema: %w", err)
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to read dataframe schema: %w", err)
	}

	cols := make([][2]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		cols = append(cols, [2]string{f.Name, f.Type.String()})
	}
	return cols, nil
}

// appendLocked rewrites the state log with the new row attached. Parquet
// files are immutable, so the append is a read-all, add-one, atomic
// replace; the log stays append-only in content.
func (m *Manager) appendLocked(event StateEvent) error {
	path := filepath.Join(m.dir, StateFileName)
	events, err := readState(path)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}
	return writeState(path, append(events, event))
}

func writeState(path string, events []StateEvent) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, stateSchema)
	defer b.Release()

	for _, e := range events {
		b.Field(0).(*array.StringBuilder).Append(e.Action)
		b.Field(1).(*array.StringBuilder).Append(e.File)
		b.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(e.Timestamp.UnixMilli()))
		b.Field(3).(*array.StringBuilder).Append(e.Message)
		b.Field(4).(*array.StringBuilder).Append(e.Dataframe)
	}

	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(stateSchema, []arrow.Record{rec})
	defer tbl.Release()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	if err := pqarrow.WriteTable(tbl, f, int64(len(events))+1, nil, pqarrow.DefaultWriterProps()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move state file into place: %w", err)
	}
	return nil
}

func readState(path string) ([]StateEvent, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, err
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	events := make([]StateEvent, 0, tbl.NumRows())
	var actions, files, messages, dataframes []string
	var stamps []time.Time

	for _, chunk := range tbl.Column(0).Data().Chunks() {
		col := chunk.(*array.String)
		for i := 0; i < col.Len(); i++ {
			actions = append(actions, col.Value(i))
		}
	}
	for _, chunk := range tbl.Column(1).Data().Chunks() {
		col := chunk.(*array.String)
		for i := 0; i < col.Len(); i++ {
			files = append(files, col.Value(i))
		}
	}
	for _, chunk := range tbl.Column(2).Data().Chunks() {
		col := chunk.(*array.Timestamp)
		for i := 0; i < col.Len(); i++ {
			stamps = append(stamps, time.UnixMilli(int64(col.Value(i))).UTC())
		}
	}
	for _, chunk := range tbl.Column(3).Data().Chunks() {
		col := chunk.(*array.String)
		for i := 0; i < col.Len(); i++ {
			messages = append(messages, col.Value(i))
		}
	}
	for _, chunk := range tbl.Column(4).Data().Chunks() {
		col := chunk.(*array.String)
		for i := 0; i < col.Len(); i++ {
			dataframes = append(dataframes, col.Value(i))
		}
	}

	for i := range actions {
		events = append(events, StateEvent{
			Action:    actions[i],
			File:      files[i],
			Timestamp: stamps[i],
			Message:   messages[i],
			Dataframe: dataframes[i],
		})
	}
	return events, nil
}
