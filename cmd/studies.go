package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/history"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/connect"
)

var (
	keepLast      int
	olderThanDays int
	forceDelete   bool
)

var studiesCmd = &cobra.Command{
	Use:   "studies",
	Short: "Manage studies in the store",
	Long: `List, delete and clean up studies. Deleting a study removes its trials from
the store together with the local history ledger and trial artifacts.`,
}

var listStudiesCmd = &cobra.Command{
	Use:   "list",
	Short: "List all studies",
	Long:  `Display all studies with creation time, trial counts, best objective and local data size.`,
	RunE:  runListStudies,
}

var deleteStudiesCmd = &cobra.Command{
	Use:   "delete NAME...",
	Short: "Delete studies",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDeleteStudies,
}

var cleanStudiesCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old studies",
	Long: `Delete old studies based on retention policy.
You can keep the N most recently created studies or delete studies older than N days.`,
	RunE: runCleanStudies,
}

func init() {
	rootCmd.AddCommand(studiesCmd)

	studiesCmd.AddCommand(listStudiesCmd)
	studiesCmd.AddCommand(deleteStudiesCmd)
	studiesCmd.AddCommand(cleanStudiesCmd)

	studiesCmd.PersistentFlags().BoolVarP(&forceDelete, "force", "f", false, "Skip confirmation prompt")

	cleanStudiesCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent studies (0 = keep all)")
	cleanStudiesCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete studies older than N days (0 = no age limit)")
}

func runListStudies(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListStudies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list studies: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No studies found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STUDY\tCREATED\tTRIALS\tRUNNING\tFAILED\tBEST IAE\tLOCAL DATA")
	fmt.Fprintln(w, "-----\t-------\t------\t-------\t------\t--------\t----------")

	for _, info := range infos {
		trials, err := st.ReadAll(ctx, info.Name)
		if err != nil {
			slog.Warn("Failed to read study", "study", info.Name, "error", err)
			continue
		}
		sum := store.Summarize(trials)
		best := "-"
		if sum.Best != nil {
			best = fmt.Sprintf("%.6g", sum.Best.Value())
		}

		sizeStr := "-"
		if size, err := localDataSize(info.Name); err == nil && size > 0 {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			info.Name,
			info.Created.Local().Format("2006-01-02 15:04:05"),
			sum.Total(),
			sum.Running,
			sum.Failed,
			best,
			sizeStr,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal studies: %d\n", len(infos))
	return nil
}

func runDeleteStudies(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	var infos []store.StudyInfo
	for _, name := range args {
		info, err := st.GetStudy(ctx, name)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	return deleteStudies(ctx, st, infos)
}

func runCleanStudies(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	ctx := cmd.Context()
	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListStudies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list studies: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No studies to clean.")
		return nil
	}

	toDelete := selectStudiesForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Println("No studies match deletion criteria.")
		return nil
	}
	return deleteStudies(ctx, st, toDelete)
}

// deleteStudies asks for confirmation unless --force is set, then removes
// each study from the store and its local data.
func deleteStudies(ctx context.Context, st store.Store, infos []store.StudyInfo) error {
	fmt.Printf("Found %d study(ies) to delete:\n", len(infos))
	for _, info := range infos {
		fmt.Printf("  - %s (created %s)\n", info.Name, info.Created.Local().Format("2006-01-02 15:04:05"))
	}

	if !forceDelete {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range infos {
		if err := deleteStudy(ctx, st, info.Name); err != nil {
			slog.Error("Failed to delete study", "study", info.Name, "error", err)
			failed++
		} else {
			slog.Info("Deleted study", "study", info.Name)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d study(ies), %d failed.\n", deleted, failed)
	return nil
}

func deleteStudy(ctx context.Context, st store.Store, name string) error {
	// The name becomes a path below the data directory.
	if err := store.ValidateName(name); err != nil {
		return err
	}
	if err := st.DeleteStudy(ctx, name); err != nil {
		return err
	}
	ledger, err := history.Open(cfg.DataDir, name)
	if err != nil {
		return err
	}
	if err := ledger.Delete(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(cfg.ArtifactDir(), name))
}

// selectStudiesForDeletion determines which studies should be deleted based
// on retention policy. Studies are compared by creation time.
func selectStudiesForDeletion(infos []store.StudyInfo, keepLast int, olderThanDays int, now time.Time) []store.StudyInfo {
	var toDelete []store.StudyInfo
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Created.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.Name] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.StudyInfo, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Created.Before(sorted[j].Created) })

		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.Name] {
				toDelete = append(toDelete, info)
				selected[info.Name] = true
			}
		}
	}

	return toDelete
}

// localDataSize returns the bytes used by the ledger and artifacts of a study.
func localDataSize(name string) (int64, error) {
	var total int64
	for _, dir := range []string{filepath.Join(cfg.DataDir, name), filepath.Join(cfg.ArtifactDir(), name)} {
		size, err := getDirSize(dir)
		if err != nil && !os.IsNotExist(err) {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
