package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bandbot-go/internal/util"
)

// PerformanceSnapshot is the dashboard-facing view of a run at one instant.
type PerformanceSnapshot struct {
	Ts             time.Time                   `json:"ts"`
	Equity         float64                     `json:"equity"`
	Cash           float64                     `json:"cash"`
	RealizedPnL    float64                     `json:"realized_pnl"`
	Unrealized     float64                     `json:"unrealized"`
	OpenPositions  int                         `json:"open_positions"`
	Positions      map[string]PositionSnapshot `json:"positions,omitempty"`
	DayStartEquity float64                     `json:"day_start_equity"`
	DayReturnPct   float64                     `json:"day_return_pct"`
	TradesToday    int                         `json:"trades_today"`
	TotalTrades    int                         `json:"total_trades"`
	WinRate        float64                     `json:"win_rate"`
	CircuitBreaker bool                        `json:"circuit_breaker"`
	InTargetBand   bool                        `json:"in_target_band"`
}

// SnapshotStore writes one performance file per UTC date, replacing it atomically.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore returns a store rooted at dir.
func NewSnapshotStore(dir string) *SnapshotStore { return &SnapshotStore{dir: dir} }

// Path returns the file holding the snapshot for ts's date.
func (s *SnapshotStore) Path(ts time.Time) string {
	return filepath.Join(s.dir, DateKey(ts)+".json")
}

// Write replaces the day's snapshot.
func (s *SnapshotStore) Write(snap PerformanceSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return util.WriteFileAtomic(s.Path(snap.Ts), data, 0o644)
}

// Load reads the snapshot for day.
func (s *SnapshotStore) Load(day time.Time) (PerformanceSnapshot, error) {
	return readSnapshot(s.Path(day))
}

// Latest reads the most recent snapshot on disk.
func (s *SnapshotStore) Latest() (PerformanceSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return PerformanceSnapshot{}, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return PerformanceSnapshot{}, os.ErrNotExist
	}
	sort.Strings(names)
	return readSnapshot(filepath.Join(s.dir, names[len(names)-1]))
}

func readSnapshot(path string) (PerformanceSnapshot, error) {
	var snap PerformanceSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}
