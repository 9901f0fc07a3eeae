package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/objective"
	"github.com/cwbudde/pidtune/internal/oracle"
	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/connect"
)

var (
	bestJSON  bool
	bestRerun bool
	bestOut   string
)

var bestCmd = &cobra.Command{
	Use:   "best [study]",
	Short: "Print the best gains found so far",
	Long: `Prints the COMPLETE trial with the lowest IAE. With --rerun the best gains
are simulated once more and the response is saved as
best_KC-<kc>_KI-<ki>.csv in --out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBest,
}

func init() {
	bestCmd.Flags().BoolVar(&bestJSON, "json", false, "Print the trial as JSON")
	bestCmd.Flags().BoolVar(&bestRerun, "rerun", false, "Simulate the best gains again and save the response")
	bestCmd.Flags().StringVarP(&bestOut, "out", "o", ".", "Directory for the --rerun response")
	rootCmd.AddCommand(bestCmd)
}

func runBest(cmd *cobra.Command, args []string) error {
	name := cfg.Study
	if len(args) == 1 {
		name = args[0]
	}
	ctx := cmd.Context()
	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	trials, err := st.ReadAll(ctx, name)
	if err != nil {
		return err
	}
	best := store.Best(trials)
	if best == nil {
		return fmt.Errorf("study %s has no completed trial", name)
	}

	if bestJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(best); err != nil {
			return err
		}
	} else {
		fmt.Printf("Trial %d  IAE %.6g\n", best.ID, best.Value())
		for _, p := range best.Params.Names() {
			fmt.Printf("  %s = %.6g\n", p, best.Params[p])
		}
	}

	if !bestRerun {
		return nil
	}
	o, err := cfg.BuildOracle()
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	path, iae, err := rerun(ctx, o, best.Params, bestOut)
	if err != nil {
		return err
	}
	slog.Info("Reran best trial", "trial", best.ID, "objective", iae, "stored", best.Value(), "path", path)
	fmt.Printf("Rerun IAE %.6g written to %s\n", iae, path)
	return nil
}

// rerun simulates v once and writes the response to dir.
func rerun(ctx context.Context, o oracle.Oracle, v space.Vector, dir string) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Executor.Timeout)
	defer cancel()

	sess, err := o.Open(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("open simulation: %w", err)
	}
	resp, simErr := sess.Simulate(ctx, v)
	if err := sess.Close(); err != nil && simErr == nil {
		simErr = err
	}
	if simErr != nil {
		return "", 0, fmt.Errorf("simulate best gains: %w", simErr)
	}
	iae, err := objective.IAE(resp)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, bestFileName(v))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	if err := oracle.WriteCSV(f, resp); err != nil {
		f.Close()
		return "", 0, errors.Join(err, os.Remove(path))
	}
	return path, iae, f.Close()
}

// bestFileName returns best_KC-0.2000_KI-0.0100.csv for the given gains.
func bestFileName(v space.Vector) string {
	parts := []string{"best"}
	for _, name := range v.Names() {
		parts = append(parts, fmt.Sprintf("%s-%.4f", name, v[name]))
	}
	return strings.Join(parts, "_") + ".csv"
}
