package deploy

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/mrkirby153/secnix/internal/manifest"
	"github.com/spf13/afero"
)

const (
	stateFilename          = "metadata.json"
	generationMetaFilename = ".metadata.json"
	generationsDirname     = "generations"
	activeLinkname         = "secrets"
	templatesDirname       = "templates"
)

// swapped in tests to get deterministic ordering
var nowFunc = time.Now

type generationRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func sortGenerations(recs []generationRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// state is the engine's persisted bookkeeping at the root of the secret
// directory: which generations exist and which one is active.
type state struct {
	Active      string             `json:"active_generation,omitempty"`
	Generations []generationRecord `json:"generations"`
}

// generationMeta indexes the managed paths of one deployed generation. The
// next run reconciles against it to remove stale links. A copy of the
// manifest is included when write_manifest is set.
type generationMeta struct {
	Generation string             `json:"generation"`
	Links      []string           `json:"links"`
	Targets    []string           `json:"targets"`
	Manifest   *manifest.Manifest `json:"manifest,omitempty"`
}

func generationDir(root, id string) string {
	return filepath.Join(root, generationsDirname, id)
}

func loadState(fs afero.Fs, root string) (*state, error) {
	path := filepath.Join(root, stateFilename)

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &state{}, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

func saveState(fs afero.Fs, root string, st *state) error {
	sortGenerations(st.Generations)

	data, err := json.MarshalIndent(st, "", "\t")
	if err != nil {
		return err
	}

	return afero.WriteFile(fs, filepath.Join(root, stateFilename), data, 0600)
}

func loadGenerationMeta(fs afero.Fs, root, id string) (*generationMeta, error) {
	data, err := afero.ReadFile(fs, filepath.Join(generationDir(root, id), generationMetaFilename))
	if err != nil {
		return nil, err
	}

	var meta generationMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

func saveGenerationMeta(fs afero.Fs, root string, meta *generationMeta) error {
	data, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return err
	}

	path := filepath.Join(generationDir(root, meta.Generation), generationMetaFilename)

	return afero.WriteFile(fs, path, data, 0600)
}
