// Package storage persists training runs on disk, one directory per run:
// metadata.json, config.yaml, losses.csv and trajectory.csv.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/diffsim/internal/config"
	"github.com/san-kum/diffsim/internal/rollout"
)

const (
	metadataFile   = "metadata.json"
	configFile     = "config.yaml"
	lossesFile     = "losses.csv"
	trajectoryFile = "trajectory.csv"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Timestamp  time.Time          `json:"timestamp"`
	Seed       int64              `json:"seed"`
	Dt         float64            `json:"dt"`
	Horizon    int                `json:"horizon"`
	Epochs     int                `json:"epochs"`
	Integrator string             `json:"integrator"`
	Policy     string             `json:"policy"`
	Optimizer  string             `json:"optimizer"`
	LR         float64            `json:"lr"`
	FinalLoss  float64            `json:"final_loss"`
	Terminated int                `json:"terminated"`
	Params     []float64          `json:"params"`
	Metrics    map[string]float64 `json:"metrics"`
}

// RunRecord is everything Save writes for one run. Trajectory is the
// representative rollout stored in trajectory.csv and may be nil.
type RunRecord struct {
	Config     *config.Config
	Params     []float64
	Losses     []float64
	FinalLoss  float64
	Terminated int
	Trajectory *rollout.Trajectory
	Metrics    map[string]float64
}

// Save writes rec under a new run ID of the form <model>_<uuid>.
func (s *Store) Save(rec *RunRecord) (string, error) {
	cfg := rec.Config
	runID := fmt.Sprintf("%s_%s", cfg.Model, uuid.NewString())
	runDir := filepath.Join(s.baseDir, runID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := RunMetadata{
		ID:         runID,
		Model:      cfg.Model,
		Timestamp:  time.Now(),
		Seed:       cfg.Seed,
		Dt:         cfg.Dt,
		Horizon:    cfg.Horizon,
		Epochs:     cfg.Epochs,
		Integrator: cfg.Integrator,
		Policy:     cfg.Policy.Kind,
		Optimizer:  cfg.Optimizer,
		LR:         cfg.LR,
		FinalLoss:  rec.FinalLoss,
		Terminated: rec.Terminated,
		Params:     rec.Params,
		Metrics:    rec.Metrics,
	}
	if err := writeJSON(filepath.Join(runDir, metadataFile), meta); err != nil {
		return "", err
	}
	if err := config.Save(filepath.Join(runDir, configFile), cfg); err != nil {
		return "", err
	}
	if err := writeLosses(filepath.Join(runDir, lossesFile), rec.Losses); err != nil {
		return "", err
	}
	if rec.Trajectory != nil {
		if err := writeTrajectory(filepath.Join(runDir, trajectoryFile), rec.Trajectory); err != nil {
			return "", err
		}
	}
	return runID, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeLosses(path string, losses []float64) error {
	rows := [][]string{{"iteration", "loss"}}
	for i, l := range losses {
		rows = append(rows, []string{strconv.Itoa(i), formatFloat(l)})
	}
	return writeCSV(path, rows)
}

// trajectory.csv has one row per state: time, qpos, qvel, the control
// applied from that state and the cost it incurred. The final row carries
// zero controls and the terminal cost.
func writeTrajectory(path string, tr *rollout.Trajectory) error {
	first := tr.States[0]
	nq, nv, nu := len(first.Qpos), len(first.Qvel), len(first.Ctrl)

	header := []string{"time"}
	for i := 0; i < nq; i++ {
		header = append(header, fmt.Sprintf("q%d", i))
	}
	for i := 0; i < nv; i++ {
		header = append(header, fmt.Sprintf("v%d", i))
	}
	for i := 0; i < nu; i++ {
		header = append(header, fmt.Sprintf("u%d", i))
	}
	header = append(header, "cost")

	rows := [][]string{header}
	for k, st := range tr.States {
		row := []string{formatFloat(tr.Times[k])}
		for _, v := range st.Qpos {
			row = append(row, formatFloat(v))
		}
		for _, v := range st.Qvel {
			row = append(row, formatFloat(v))
		}
		for i := 0; i < nu; i++ {
			u := 0.0
			if k < len(tr.Controls) {
				u = tr.Controls[k][i]
			}
			row = append(row, formatFloat(u))
		}
		row = append(row, formatFloat(tr.Costs[k]))
		rows = append(rows, row)
	}
	return writeCSV(path, rows)
}

// List returns every readable run, newest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Timestamp.After(runs[j].Timestamp)
	})
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) LoadConfig(runID string) (*config.Config, error) {
	return config.Load(filepath.Join(s.baseDir, runID, configFile))
}

func (s *Store) LoadLosses(runID string) ([]float64, error) {
	records, err := readCSV(filepath.Join(s.baseDir, runID, lossesFile))
	if err != nil {
		return nil, err
	}
	losses := make([]float64, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("losses.csv: %w", err)
		}
		losses = append(losses, v)
	}
	return losses, nil
}

// TrajectoryData is trajectory.csv read back column-wise.
type TrajectoryData struct {
	Header []string
	Times  []float64
	// Rows holds every column after time.
	Rows [][]float64
}

func (s *Store) LoadTrajectory(runID string) (*TrajectoryData, error) {
	path := filepath.Join(s.baseDir, runID, trajectoryFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return &TrajectoryData{}, nil
	}

	td := &TrajectoryData{Header: all[0]}
	for _, rec := range all[1:] {
		vals := make([]float64, len(rec))
		for j, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("trajectory.csv: %w", err)
			}
			vals[j] = v
		}
		td.Times = append(td.Times, vals[0])
		td.Rows = append(td.Rows, vals[1:])
	}
	return td, nil
}

// readCSV returns the records after the header row.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, nil
	}
	return records[1:], nil
}
