package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bandbot-go/internal/execution"
)

// TradeSink receives every closed trade.
type TradeSink interface {
	Record(execution.TradeRecord) error
}

// DateKey formats the UTC calendar date used to name per-day files.
func DateKey(ts time.Time) string { return ts.UTC().Format("2006-01-02") }

// JSONLRecorder appends trades as JSON lines to dir/YYYY-MM-DD.jsonl, keyed by close date.
type JSONLRecorder struct {
	dir  string
	mu   sync.Mutex
	day  string
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates the target directory and returns a recorder.
func NewJSONLRecorder(dir string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JSONLRecorder{dir: dir}, nil
}

// Path returns the file a trade closed at ts is written to.
func (r *JSONLRecorder) Path(ts time.Time) string {
	return filepath.Join(r.dir, DateKey(ts)+".jsonl")
}

// Record writes a single trade, rolling to a new file when the close date changes.
func (r *JSONLRecorder) Record(rec execution.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := DateKey(rec.ClosedAt)
	if r.file == nil || day != r.day {
		if r.file != nil {
			_ = r.file.Close()
		}
		file, err := os.OpenFile(r.Path(rec.ClosedAt), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.file = nil
			return fmt.Errorf("open trade file: %w", err)
		}
		r.file = file
		r.enc = json.NewEncoder(file)
		r.day = day
	}
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
