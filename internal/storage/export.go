package storage

import (
	"encoding/json"
	"io"

	"github.com/san-kum/diffsim/internal/rollout"
)

type ExportData struct {
	Model        string             `json:"model"`
	Steps        int                `json:"steps"`
	Terminated   bool               `json:"terminated"`
	Total        float64            `json:"total_cost"`
	TerminalCost float64            `json:"terminal_cost"`
	Times        []float64          `json:"times"`
	Qpos         [][]float64        `json:"qpos"`
	Qvel         [][]float64        `json:"qvel"`
	Controls     [][]float64        `json:"controls"`
	Costs        []float64          `json:"costs"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

func NewExportData(model string, tr *rollout.Trajectory, metrics map[string]float64) *ExportData {
	data := &ExportData{
		Model:        model,
		Steps:        tr.Steps,
		Terminated:   tr.Terminated,
		Total:        tr.Total(),
		TerminalCost: tr.TerminalCost,
		Times:        tr.Times,
		Qpos:         make([][]float64, len(tr.States)),
		Qvel:         make([][]float64, len(tr.States)),
		Controls:     tr.Controls,
		Costs:        tr.Costs,
		Metrics:      metrics,
	}
	for i, s := range tr.States {
		data.Qpos[i] = s.Qpos
		data.Qvel[i] = s.Qvel
	}
	return data
}

// ExportJSON writes one trajectory as indented JSON.
func ExportJSON(w io.Writer, model string, tr *rollout.Trajectory, metrics map[string]float64) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewExportData(model, tr, metrics))
}
