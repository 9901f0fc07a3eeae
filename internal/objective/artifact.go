package objective

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwbudde/pidtune/internal/oracle"
	"github.com/cwbudde/pidtune/internal/space"
)

// ArtifactName returns the file name of a trial's response, for example
// KC-0.2000_KI-0.0100_trial-3.csv. Parameters appear in name order.
func ArtifactName(v space.Vector, trialID int64) string {
	var b strings.Builder
	for _, name := range v.Names() {
		fmt.Fprintf(&b, "%s-%.4f_", name, v[name])
	}
	fmt.Fprintf(&b, "trial-%d.csv", trialID)
	return b.String()
}

// WriteArtifact stores the response of a trial under dir and returns its
// path. The file appears atomically: it is written to a temporary name and
// renamed into place.
func WriteArtifact(dir string, trialID int64, v space.Vector, resp *oracle.Response) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	path := filepath.Join(dir, ArtifactName(v, trialID))

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := oracle.WriteCSV(tmp, resp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return path, nil
}

// ReadArtifact loads a response written by WriteArtifact.
func ReadArtifact(path string) (*oracle.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	resp, err := oracle.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return resp, nil
}
