package oracle

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCSV parses a response table with the header Time,Setpoint,Actual.
// The Time column is optional.
func ReadCSV(r io.Reader) (*Response, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	si, okS := col["setpoint"]
	ai, okA := col["actual"]
	if !okS || !okA {
		return nil, errors.New("header must contain Setpoint and Actual")
	}
	ti, hasTime := col["time"]

	resp := &Response{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		sp, err := strconv.ParseFloat(rec[si], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: setpoint: %w", line, err)
		}
		act, err := strconv.ParseFloat(rec[ai], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: actual: %w", line, err)
		}
		resp.Setpoint = append(resp.Setpoint, sp)
		resp.Actual = append(resp.Actual, act)
		if hasTime {
			t, err := strconv.ParseFloat(rec[ti], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: time: %w", line, err)
			}
			resp.Time = append(resp.Time, t)
		}
	}
	return resp, nil
}

// WriteCSV writes the response with the header Time,Setpoint,Actual. Without
// a time axis the sample index is written.
func WriteCSV(w io.Writer, resp *Response) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Time", "Setpoint", "Actual"}); err != nil {
		return err
	}
	for i := range resp.Setpoint {
		t := float64(i)
		if len(resp.Time) == len(resp.Setpoint) {
			t = resp.Time[i]
		}
		rec := []string{
			strconv.FormatFloat(t, 'g', -1, 64),
			strconv.FormatFloat(resp.Setpoint[i], 'g', -1, 64),
			strconv.FormatFloat(resp.Actual[i], 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
