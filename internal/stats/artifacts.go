package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	runIndexFile     = "run_index.json"
	runConfigFile    = "run_config.json"
	epochHistoryFile = "epoch_history.csv"
)

// RunConfig is the persisted description of a training run.
type RunConfig struct {
	RunID        string          `json:"run_id"`
	CreatedAtUTC string          `json:"created_at_utc"`
	Prior        string          `json:"prior"`
	Dataset      string          `json:"dataset"`
	Settings     json.RawMessage `json:"settings"`
}

// EpochRecord summarizes one finished epoch.
type EpochRecord struct {
	Epoch             int
	TrainLoss         float64
	TestLoss          float64
	TestAccuracy      float64
	TreeAccuracy      float64
	Leaves            int
	Stopped           bool
	ElapsedSeconds    float64
	GlobalStep        int64
	BestEpoch         int
	EpochsSinceBetter int
}

var epochHistoryHeader = []string{
	"epoch", "train_loss", "test_loss", "test_accuracy", "tree_accuracy", "leaves",
	"stopped", "elapsed_seconds", "global_step", "best_epoch", "epochs_since_improvement",
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Prior        string  `json:"prior"`
	Dataset      string  `json:"dataset"`
	Epochs       int     `json:"epochs"`
	BestEpoch    int     `json:"best_epoch"`
	BestLoss     float64 `json:"best_loss"`
	Stopped      bool    `json:"stopped"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunConfig(dir string, cfg RunConfig) error {
	if strings.TrimSpace(cfg.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, runConfigFile), cfg)
}

func ReadRunConfig(dir string) (RunConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, runConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}
	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

// AppendEpochHistory adds one row to epoch_history.csv, writing the header
// when the file is new.
func AppendEpochHistory(dir string, rec EpochRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, epochHistoryFile)
	_, statErr := os.Stat(path)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if os.IsNotExist(statErr) {
		if err := writer.Write(epochHistoryHeader); err != nil {
			return err
		}
	}
	row := []string{
		strconv.Itoa(rec.Epoch),
		formatFloat(rec.TrainLoss),
		formatFloat(rec.TestLoss),
		formatFloat(rec.TestAccuracy),
		formatFloat(rec.TreeAccuracy),
		strconv.Itoa(rec.Leaves),
		strconv.FormatBool(rec.Stopped),
		formatFloat(rec.ElapsedSeconds),
		strconv.FormatInt(rec.GlobalStep, 10),
		strconv.Itoa(rec.BestEpoch),
		strconv.Itoa(rec.EpochsSinceBetter),
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func ReadEpochHistory(dir string) ([]EpochRecord, bool, error) {
	file, err := os.Open(filepath.Join(dir, epochHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []EpochRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) != len(epochHistoryHeader) {
		return nil, false, fmt.Errorf("epoch history header must have %d columns, got %d", len(epochHistoryHeader), len(header))
	}

	var out []EpochRecord
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		rec, err := parseEpochRecord(record)
		if err != nil {
			return nil, false, err
		}
		out = append(out, rec)
	}
	return out, true, nil
}

func parseEpochRecord(r []string) (EpochRecord, error) {
	var (
		rec  EpochRecord
		errs []error
	)
	atoi := func(s string) int {
		v, err := strconv.Atoi(s)
		errs = append(errs, err)
		return v
	}
	atof := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		errs = append(errs, err)
		return v
	}
	rec.Epoch = atoi(r[0])
	rec.TrainLoss = atof(r[1])
	rec.TestLoss = atof(r[2])
	rec.TestAccuracy = atof(r[3])
	rec.TreeAccuracy = atof(r[4])
	rec.Leaves = atoi(r[5])
	stopped, err := strconv.ParseBool(r[6])
	errs = append(errs, err)
	rec.Stopped = stopped
	rec.ElapsedSeconds = atof(r[7])
	step, err := strconv.ParseInt(r[8], 10, 64)
	errs = append(errs, err)
	rec.GlobalStep = step
	rec.BestEpoch = atoi(r[9])
	rec.EpochsSinceBetter = atoi(r[10])
	for _, err := range errs {
		if err != nil {
			return EpochRecord{}, fmt.Errorf("parse epoch history row %v: %w", r, err)
		}
	}
	return rec, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
