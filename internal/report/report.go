// Package report writes the result artifacts of a run: a summary CSV, a
// JSON document with full histories and predictions, per-experiment CSVs
// and a plain-text comparison table.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gocarina/gocsv"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/evaluate"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/experiment"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/pathutil"
)

// Artifact names inside a run directory.
const (
	SummaryFile    = "summary.csv"
	ResultsFile    = "results.json"
	HistoryDir     = "history"
	PredictionsDir = "predictions"
)

// SummaryRow is one line of summary.csv. Unavailable metrics are empty.
type SummaryRow struct {
	ProbeSet   string `csv:"probe_set"`
	NFeatures  string `csv:"n_features"`
	MAE        string `csv:"mae"`
	R2         string `csv:"r2"`
	CCC        string `csv:"ccc"`
	EpochsRan  string `csv:"epochs_ran"`
	StopReason string `csv:"stop_reason"`
	Status     string `csv:"status"`
	Error      string `csv:"error"`
}

type historyRow struct {
	Epoch     int     `csv:"epoch"`
	TrainLoss float64 `csv:"train_loss"`
	ValLoss   float64 `csv:"val_loss"`
	ValMAE    float64 `csv:"val_mae"`
	LR        float64 `csv:"lr"`
}

type predictionRow struct {
	Actual    float64 `csv:"actual"`
	Predicted float64 `csv:"predicted"`
}

// Status values in the summary.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// SummaryRows flattens entries in their configured order.
func SummaryRows(entries []experiment.Entry) []*SummaryRow {
	rows := make([]*SummaryRow, 0, len(entries))
	for _, e := range entries {
		row := &SummaryRow{ProbeSet: e.ProbeSet, Status: StatusOK}
		if r := e.Result; r != nil {
			row.NFeatures = strconv.Itoa(r.NFeatures)
			row.EpochsRan = strconv.Itoa(r.EpochsRan)
			if r.EpochsRan > 0 {
				row.StopReason = r.StopReason.String()
			}
			if m := r.Metrics; m != nil {
				row.MAE, row.R2, row.CCC = formatFloat(m.MAE), formatFloat(m.R2), formatFloat(m.CCC)
			}
		}
		if e.Failure != nil {
			row.Status = StatusFailed
			row.Error = string(e.Failure.Kind) + ": " + e.Failure.Message
		}
		rows = append(rows, row)
	}
	return rows
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// WriteSummaryCSV writes summary.csv into dir.
func WriteSummaryCSV(dir string, entries []experiment.Entry) (string, error) {
	rows := SummaryRows(entries)
	path := filepath.Join(dir, SummaryFile)
	if err := writeCSV(path, &rows); err != nil {
		return "", err
	}
	return path, nil
}

// WriteSeriesCSV writes the training history and test predictions of every
// experiment that has them, one file per experiment and kind.
func WriteSeriesCSV(dir string, entries []experiment.Entry) error {
	for _, e := range entries {
		r := e.Result
		if r == nil {
			continue
		}
		name := pathutil.Slug(e.ProbeSet) + ".csv"

		if len(r.History) > 0 {
			rows := make([]*historyRow, len(r.History))
			for i, h := range r.History {
				rows[i] = &historyRow{Epoch: h.Epoch, TrainLoss: h.TrainLoss, ValLoss: h.ValLoss, ValMAE: h.ValMAE, LR: h.LR}
			}
			if err := writeCSV(filepath.Join(dir, HistoryDir, name), &rows); err != nil {
				return err
			}
		}
		if len(r.Predictions) > 0 {
			rows := make([]*predictionRow, len(r.Predictions))
			for i, p := range r.Predictions {
				rows[i] = &predictionRow{Actual: p.Actual, Predicted: p.Predicted}
			}
			if err := writeCSV(filepath.Join(dir, PredictionsDir, name), &rows); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCSV(path string, rows any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if err := gocsv.MarshalFile(rows, f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// ReadSummaryCSV parses a summary.csv written by WriteSummaryCSV.
func ReadSummaryCSV(path string) ([]*SummaryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening summary: %w", err)
	}
	defer f.Close()

	var rows []*SummaryRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("parsing summary: %w", err)
	}
	return rows, nil
}

// Document is the results.json layout. Non-finite numbers are written as
// null.
type Document struct {
	RunID       string          `json:"run_id"`
	StartedAt   string          `json:"started_at"`
	FinishedAt  string          `json:"finished_at"`
	Best        string          `json:"best,omitempty"`
	Experiments []DocExperiment `json:"experiments"`
}

// DocExperiment is one experiment in results.json.
type DocExperiment struct {
	ProbeSet        string                `json:"probe_set"`
	Status          string                `json:"status"`
	Failure         *experiment.Failure   `json:"failure,omitempty"`
	NFeatures       int                   `json:"n_features"`
	NSamples        int                   `json:"n_samples"`
	Split           experiment.SplitSizes `json:"split"`
	MAE             *float64              `json:"mae"`
	R2              *float64              `json:"r2"`
	CCC             *float64              `json:"ccc"`
	EpochsRan       int                   `json:"epochs_ran"`
	StopReason      string                `json:"stop_reason,omitempty"`
	BestEpoch       int                   `json:"best_epoch"`
	BestValLoss     *float64              `json:"best_val_loss"`
	Checkpoint      string                `json:"checkpoint,omitempty"`
	DurationSeconds float64               `json:"duration_seconds"`
	History         []DocRecord           `json:"history"`
	Predictions     []evaluate.Pair       `json:"test_predictions"`
}

// DocRecord is one training-history record in results.json.
type DocRecord struct {
	Epoch     int      `json:"epoch"`
	TrainLoss *float64 `json:"train_loss"`
	ValLoss   *float64 `json:"val_loss"`
	ValMAE    *float64 `json:"val_mae"`
	LR        *float64 `json:"lr"`
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// NewDocument converts a run summary into its JSON document.
func NewDocument(sum *experiment.Summary) *Document {
	doc := &Document{
		RunID:       sum.RunID,
		StartedAt:   sum.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		FinishedAt:  sum.FinishedAt.Format("2006-01-02T15:04:05Z07:00"),
		Best:        sum.Best,
		Experiments: make([]DocExperiment, 0, len(sum.Entries)),
	}
	for _, e := range sum.Entries {
		de := DocExperiment{ProbeSet: e.ProbeSet, Status: StatusOK, Failure: e.Failure}
		if e.Failure != nil {
			de.Status = StatusFailed
		}
		if r := e.Result; r != nil {
			de.NFeatures = r.NFeatures
			de.NSamples = r.NSamples
			de.Split = r.Split
			de.EpochsRan = r.EpochsRan
			if r.EpochsRan > 0 {
				de.StopReason = r.StopReason.String()
				de.BestValLoss = finite(r.BestValLoss)
			}
			de.BestEpoch = r.BestEpoch
			de.Checkpoint = r.Checkpoint
			de.DurationSeconds = r.Duration.Seconds()
			if m := r.Metrics; m != nil {
				de.MAE, de.R2, de.CCC = finite(m.MAE), finite(m.R2), finite(m.CCC)
			}
			for _, h := range r.History {
				de.History = append(de.History, DocRecord{
					Epoch:     h.Epoch,
					TrainLoss: finite(h.TrainLoss),
					ValLoss:   finite(h.ValLoss),
					ValMAE:    finite(h.ValMAE),
					LR:        finite(h.LR),
				})
			}
			de.Predictions = r.Predictions
		}
		doc.Experiments = append(doc.Experiments, de)
	}
	return doc
}

// WriteJSON writes results.json into dir.
func WriteJSON(dir string, sum *experiment.Summary) (string, error) {
	data, err := json.MarshalIndent(NewDocument(sum), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling results: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	path := filepath.Join(dir, ResultsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("writing results: %w", err)
	}
	return path, nil
}

// WriteAll writes every artifact of sum into dir.
func WriteAll(dir string, sum *experiment.Summary) error {
	if _, err := WriteSummaryCSV(dir, sum.Entries); err != nil {
		return err
	}
	if err := WriteSeriesCSV(dir, sum.Entries); err != nil {
		return err
	}
	_, err := WriteJSON(dir, sum)
	return err
}
