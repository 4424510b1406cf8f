package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
)

// metadata is the subset of `cargo metadata --format-version 1` output the
// inspector reads
type metadata struct {
	Packages         []cargoPackage  `json:"packages"`
	WorkspaceMembers []string        `json:"workspace_members"`
	WorkspaceRoot    string          `json:"workspace_root"`
	TargetDirectory  string          `json:"target_directory"`
	Metadata         json.RawMessage `json:"metadata"`
}

type cargoPackage struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	ManifestPath string          `json:"manifest_path"`
	Targets      []cargoTarget   `json:"targets"`
	Metadata     json.RawMessage `json:"metadata"`
}

type cargoTarget struct {
	Name       string   `json:"name"`
	Kind       []string `json:"kind"`
	CrateTypes []string `json:"crate_types"`
}

// solanaSettings is the [package.metadata.solana] or
// [workspace.metadata.solana] table
type solanaSettings struct {
	// Program is nil when the key is absent
	Program      *bool
	ToolsVersion string
	Features     []string
}

// parseSolana reads the "solana" table out of a free-form metadata value.
// Absent keys are left at their zero value.
func parseSolana(raw json.RawMessage) (solanaSettings, error) {
	var s solanaSettings

	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}

	program, err := jsonparser.GetBoolean(raw, "solana", "program")
	switch {
	case err == nil:
		s.Program = &program
	case !errors.Is(err, jsonparser.KeyPathNotFoundError):
		return s, fmt.Errorf("solana.program: %w", err)
	}

	// An unquoted TOML version reaches us as a float, so 1.10 reads as 1.1
	value, kind, _, err := jsonparser.Get(raw, "solana", "tools-version")
	switch {
	case err == nil && kind == jsonparser.String:
		s.ToolsVersion = strings.TrimSpace(string(value))
	case err == nil && kind == jsonparser.Number:
		return s, fmt.Errorf("solana.tools-version: got number %s, quote the version, e.g. tools-version = \"%s\"", value, value)
	case err == nil:
		return s, fmt.Errorf("solana.tools-version: expected a string, got %s", kind)
	case !errors.Is(err, jsonparser.KeyPathNotFoundError):
		return s, fmt.Errorf("solana.tools-version: %w", err)
	}

	var featureErr error
	_, err = jsonparser.ArrayEach(raw, func(value []byte, kind jsonparser.ValueType, _ int, _ error) {
		if kind != jsonparser.String {
			featureErr = fmt.Errorf("solana.features: expected strings, got %s", kind)
			return
		}

		feature, err := jsonparser.ParseString(value)
		if err != nil {
			featureErr = fmt.Errorf("solana.features: %w", err)
			return
		}
		s.Features = append(s.Features, feature)
	}, "solana", "features")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return s, fmt.Errorf("solana.features: %w", err)
	}
	if featureErr != nil {
		return s, featureErr
	}

	return s, nil
}

// libTarget returns the package's library target, if any
func (p cargoPackage) libTarget() (cargoTarget, bool) {
	for _, t := range p.Targets {
		for _, k := range t.Kind {
			if k == "lib" || k == "cdylib" || k == "rlib" {
				return t, true
			}
		}
	}

	return cargoTarget{}, false
}

func (t cargoTarget) hasCrateType(want string) bool {
	for _, ct := range t.CrateTypes {
		if ct == want {
			return true
		}
	}

	return false
}
