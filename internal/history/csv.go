package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cwbudde/pidtune/internal/store"
)

// WriteCSV writes one row per trial. Parameter columns follow the union of
// parameter names in name order.
func WriteCSV(w io.Writer, trials []store.Trial) error {
	names := paramNames(trials)

	cw := csv.NewWriter(w)
	header := []string{"trial", "status"}
	header = append(header, names...)
	header = append(header, "objective", "fail_reason", "worker", "claims", "created", "completed", "artifact")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, t := range trials {
		row := []string{strconv.FormatInt(t.ID, 10), string(t.Status)}
		for _, n := range names {
			if v, ok := t.Params[n]; ok {
				row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		objective := ""
		if t.Status == store.StatusComplete && t.Objective != nil {
			objective = strconv.FormatFloat(*t.Objective, 'g', -1, 64)
		}
		row = append(row,
			objective,
			t.FailReason,
			t.Worker,
			strconv.Itoa(t.Claims),
			formatTime(&t.Created),
			formatTime(t.Completed),
			t.ArtifactPath,
		)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func paramNames(trials []store.Trial) []string {
	set := make(map[string]bool)
	for _, t := range trials {
		for n := range t.Params {
			set[n] = true
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
