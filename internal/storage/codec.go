package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"causalrl/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Version stamps a record with the running binary's versions.
func Version() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeCheckpoint(cp model.Checkpoint) ([]byte, error) {
	return json.Marshal(cp)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return cp, nil
}

func EncodeEpisodeSummaries(summaries []model.EpisodeSummary) ([]byte, error) {
	return json.Marshal(summaries)
}

func DecodeEpisodeSummaries(data []byte) ([]model.EpisodeSummary, error) {
	var summaries []model.EpisodeSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, err
	}
	for i, s := range summaries {
		if err := checkVersion(s.VersionedRecord); err != nil {
			return nil, fmt.Errorf("episode summary %d: %w", i, err)
		}
	}
	return summaries, nil
}

func EncodeRunRecord(run model.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRunRecord(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

// WriteCheckpointFile writes cp as indented JSON.
func WriteCheckpointFile(path string, cp model.Checkpoint) error {
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadCheckpointFile(path string) (model.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, err
	}
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return cp, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: record has schema=%d codec=%d, binary supports schema=%d codec=%d",
			ErrVersionMismatch, v.SchemaVersion, v.CodecVersion, CurrentSchemaVersion, CurrentCodecVersion)
	}
	return nil
}
