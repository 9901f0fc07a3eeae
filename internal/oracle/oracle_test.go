package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/cwbudde/pidtune/internal/space"
)

func simulate(t *testing.T, o Oracle, v space.Vector) (*Response, error) {
	t.Helper()
	s, err := o.Open(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Simulate(context.Background(), v)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{Rejected(errors.New("bad")), ClassRejected},
		{fmt.Errorf("wrapped: %w", Rejected(errors.New("bad"))), ClassRejected},
		{Transient(errors.New("down")), ClassTransient},
		{context.DeadlineExceeded, ClassTransient},
		{errors.New("unknown"), ClassTransient},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestPlantDeterministic(t *testing.T) {
	p := DefaultPlant()
	v := space.Vector{"KC": 0.2, "KI": 0.005}

	a, err := simulate(t, p, v)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	b, err := simulate(t, p, v)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if a.Len() != b.Len() || a.Len() != len(a.Time) {
		t.Fatalf("lengths differ: %d %d %d", a.Len(), b.Len(), len(a.Time))
	}
	for i := range a.Actual {
		if a.Actual[i] != b.Actual[i] {
			t.Fatalf("sample %d differs: %f vs %f", i, a.Actual[i], b.Actual[i])
		}
	}
}

func TestPlantTracksSetpoint(t *testing.T) {
	resp, err := simulate(t, DefaultPlant(), space.Vector{"KC": 0.1, "KI": 0.003})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	// Just before the second bump the level has settled on the first setpoint.
	i := int(0.39 * float64(resp.Len()))
	if math.Abs(resp.Actual[i]-resp.Setpoint[i]) > 0.05 {
		t.Errorf("level at t=%.0f is %f, setpoint %f", resp.Time[i], resp.Actual[i], resp.Setpoint[i])
	}
	for i, y := range resp.Actual {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			t.Fatalf("sample %d not finite", i)
		}
	}
}

func TestPlantRejectsNonPositiveGains(t *testing.T) {
	for _, v := range []space.Vector{{"KC": 0, "KI": 0.01}, {"KC": 0.2, "KI": -1}, {"KC": 0.2}} {
		_, err := simulate(t, DefaultPlant(), v)
		if Classify(err) != ClassRejected || err == nil {
			t.Errorf("Simulate(%v) = %v, want rejected", v, err)
		}
	}
}

func TestPlantDelayHonorsContext(t *testing.T) {
	p := DefaultPlant()
	p.Delay = time.Hour
	s, _ := p.Open(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Simulate(ctx, space.Vector{"KC": 0.2, "KI": 0.01})
	if !errors.Is(err, ErrTransient) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want transient deadline", err)
	}
}

func TestHTTPOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/simulate":
			var req simulateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			switch {
			case req.Params["KC"] > 1:
				http.Error(w, "gain too high", http.StatusUnprocessableEntity)
			case req.Params["KC"] < 0.01:
				http.Error(w, "engine crashed", http.StatusInternalServerError)
			default:
				json.NewEncoder(w).Encode(Response{Setpoint: []float64{1, 1}, Actual: []float64{0, req.Params["KC"]}})
			}
		}
	}))
	defer srv.Close()

	o := NewHTTP(srv.URL + "/")
	if err := o.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	resp, err := simulate(t, o, space.Vector{"KC": 0.2, "KI": 0.01})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if resp.Actual[1] != 0.2 {
		t.Errorf("Actual = %v", resp.Actual)
	}

	_, err = simulate(t, o, space.Vector{"KC": 2, "KI": 0.01})
	if Classify(err) != ClassRejected {
		t.Errorf("4xx: err = %v, want rejected", err)
	}
	_, err = simulate(t, o, space.Vector{"KC": 0.001, "KI": 0.01})
	if err == nil || Classify(err) != ClassTransient {
		t.Errorf("5xx: err = %v, want transient", err)
	}
}

func TestHTTPOracleUnreachable(t *testing.T) {
	_, err := simulate(t, NewHTTP("http://127.0.0.1:1"), space.Vector{"KC": 0.2, "KI": 0.01})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecOracle(t *testing.T) {
	script := writeScript(t, `echo "Time,Setpoint,Actual"
echo "0,1,0"
echo "1,1,$KC"
`)
	resp, err := simulate(t, &Exec{Command: []string{script}}, space.Vector{"KC": 0.25, "KI": 0.01})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if resp.Len() != 2 || resp.Actual[1] != 0.25 || resp.Time[1] != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExecOracleExitCodes(t *testing.T) {
	rejected := writeScript(t, "echo 'gain out of range' >&2\nexit 2\n")
	_, err := simulate(t, &Exec{Command: []string{rejected}}, space.Vector{"KC": 0.2, "KI": 0.01})
	if Classify(err) != ClassRejected || !strings.Contains(err.Error(), "gain out of range") {
		t.Errorf("exit 2: err = %v, want rejected with stderr", err)
	}

	crashed := writeScript(t, "exit 1\n")
	_, err = simulate(t, &Exec{Command: []string{crashed}}, space.Vector{"KC": 0.2, "KI": 0.01})
	if err == nil || Classify(err) != ClassTransient {
		t.Errorf("exit 1: err = %v, want transient", err)
	}
}

func TestExecOracleUnparseableOutput(t *testing.T) {
	script := writeScript(t, "echo 'simulation finished'\necho 'no table here'\n")
	_, err := simulate(t, &Exec{Command: []string{script}}, space.Vector{"KC": 0.2, "KI": 0.01})
	if Classify(err) != ClassRejected || !strings.Contains(err.Error(), "parse output") {
		t.Errorf("err = %v, want rejected parse error", err)
	}
}

func TestExecOracleTimeout(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	s, _ := (&Exec{Command: []string{script}}).Open(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Simulate(ctx, space.Vector{"KC": 0.2, "KI": 0.01})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("process was not killed on timeout")
	}
}

func TestCSVRoundTrip(t *testing.T) {
	in := &Response{Time: []float64{0, 0.5, 1}, Setpoint: []float64{1, 1, 1}, Actual: []float64{0, 0.123456789, 0.9}}
	var buf strings.Builder
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "Time,Setpoint,Actual\n") {
		t.Errorf("header = %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}
	out, err := ReadCSV(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in.Actual {
		if in.Actual[i] != out.Actual[i] || in.Time[i] != out.Time[i] {
			t.Errorf("row %d: %v/%v vs %v/%v", i, in.Time[i], in.Actual[i], out.Time[i], out.Actual[i])
		}
	}
}

func TestLimit(t *testing.T) {
	calls := 0
	o := Limit(Func(func(ctx context.Context, v space.Vector) (*Response, error) {
		calls++
		return &Response{}, nil
	}), rate.Every(time.Hour), 1)

	if _, err := simulate(t, o, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Open(ctx); !errors.Is(err, ErrTransient) {
		t.Errorf("second open = %v, want transient", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
