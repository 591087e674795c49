package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"causalrl/internal/model"
)

func sampleCheckpoint(runID string) model.Checkpoint {
	return model.Checkpoint{
		VersionedRecord: Version(),
		RunID:           runID,
		Episode:         12,
		GraphSpec: model.GraphSpec{
			Variables: []model.VariableSpec{
				{Name: "a", Domain: []string{"no", "yes"}, Role: "action"},
				{Name: "b", Domain: []string{"low", "high"}, Role: "outcome"},
			},
			Edges: []model.EdgeSpec{{From: "a", To: "b", Strength: 0.7, Sign: -1}},
		},
		CPTs: []model.CPTRecord{
			{Variable: "a", Counts: [][]float64{{3, 1}}},
			{Variable: "b", Parents: []string{"a"}, Counts: [][]float64{{2, 5}, {6, 1}}},
		},
		ValueNetwork: model.NetworkWeights{Inputs: 1, Layers: []model.LayerWeights{
			{Activation: "identity", Weights: [][]float64{{0.5}}, Biases: []float64{0.1}},
		}},
		TargetNetwork: model.NetworkWeights{Inputs: 1, Layers: []model.LayerWeights{
			{Activation: "identity", Weights: [][]float64{{0.4}}, Biases: []float64{0.0}},
		}},
		TrainingStep: 340,
		ActSteps:     1200,
		Epsilon:      0.05,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cp := sampleCheckpoint("run-1")
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TrainingStep != 340 || got.Epsilon != 0.05 || got.Episode != 12 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if len(got.CPTs) != 2 || got.CPTs[1].Counts[1][0] != 6 {
		t.Fatalf("cpts not preserved: %+v", got.CPTs)
	}
	if got.GraphSpec.Edges[0].Sign != -1 {
		t.Fatalf("graph spec not preserved: %+v", got.GraphSpec)
	}
	if got.ValueNetwork.Layers[0].Weights[0][0] != 0.5 {
		t.Fatalf("weights not preserved: %+v", got.ValueNetwork)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	cp := sampleCheckpoint("run-1")
	cp.SchemaVersion = CurrentSchemaVersion + 1
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeCheckpoint(data)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "schema=2") || !strings.Contains(err.Error(), "schema=1") {
		t.Fatalf("error should name both versions: %v", err)
	}

	summaries := []model.EpisodeSummary{
		{VersionedRecord: Version(), RunID: "r", Episode: 0},
		{VersionedRecord: model.VersionedRecord{SchemaVersion: 1, CodecVersion: 9}, RunID: "r", Episode: 1},
	}
	data, err = EncodeEpisodeSummaries(summaries)
	if err != nil {
		t.Fatalf("encode summaries: %v", err)
	}
	if _, err := DecodeEpisodeSummaries(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected summary version mismatch, got %v", err)
	}

	data, err = EncodeRunRecord(model.RunRecord{RunID: "r"})
	if err != nil {
		t.Fatalf("encode run: %v", err)
	}
	if _, err := DecodeRunRecord(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected unversioned run to fail, got %v", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeCheckpoint([]byte("{")); err == nil {
		t.Fatal("expected malformed checkpoint to fail")
	}
	if _, err := DecodeEpisodeSummaries([]byte("[1,2")); err == nil {
		t.Fatal("expected malformed summaries to fail")
	}
}

func TestCheckpointFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp := sampleCheckpoint("run-file")
	if err := WriteCheckpointFile(path, cp); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadCheckpointFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RunID != "run-file" || got.ActSteps != 1200 {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	cp.CodecVersion = 0
	if err := WriteCheckpointFile(path, cp); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected unversioned write to fail, got %v", err)
	}
	if _, err := ReadCheckpointFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected missing file to fail")
	}
}
