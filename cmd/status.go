package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/connect"
)

var statusCmd = &cobra.Command{
	Use:   "status [study]",
	Short: "Show trial counts and the best trial of a study",
	Long: `Prints how many trials of the study are pending, running, complete and
failed, the running claims with their lease expiry, and the best trial so far.
The study defaults to --study.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	info, err := st.GetStudy(ctx, name)
	if err != nil {
		return err
	}
	trials, err := st.ReadAll(ctx, name)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, info, trials, time.Now())
	return nil
}

func printStatus(w io.Writer, info store.StudyInfo, trials []store.Trial, now time.Time) {
	sum := store.Summarize(trials)
	fmt.Fprintf(w, "Study: %s\n", info.Name)
	fmt.Fprintf(w, "Created: %s\n", info.Created.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Space: %s\n", info.Space.Names())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Trials:")
	fmt.Fprintf(w, "  Pending:  %d\n", sum.Pending)
	fmt.Fprintf(w, "  Running:  %d\n", sum.Running)
	fmt.Fprintf(w, "  Complete: %d\n", sum.Complete)
	fmt.Fprintf(w, "  Failed:   %d\n", sum.Failed)

	for _, t := range trials {
		if t.Status != store.StatusRunning {
			continue
		}
		lease := "no lease"
		if t.LeaseExpires != nil {
			if left := t.LeaseExpires.Sub(now); left > 0 {
				lease = "lease " + left.Round(time.Second).String() + " left"
			} else {
				lease = "lease expired"
			}
		}
		fmt.Fprintf(w, "  - trial %d on %s (%s, claim %d)\n", t.ID, t.Worker, lease, t.Claims)
	}
	fmt.Fprintln(w)

	if sum.Best == nil {
		fmt.Fprintln(w, "No completed trials yet.")
		return
	}
	fmt.Fprintf(w, "Best: trial %d, IAE %.6g\n", sum.Best.ID, sum.Best.Value())
	fmt.Fprintf(w, "  %s\n", sum.Best.Params.Format())
}
