package driftcheck

import (
	"encoding/json"
	"fmt"
	"io"
)

// Summary aggregates one drift run.
type Summary struct {
	Total   int
	Clean   int
	Drifted int
	Failed  int
	Results []Result
}

// Summarize folds results into outcome counts.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), Results: results}
	for _, res := range results {
		switch {
		case res.Err != nil:
			s.Failed++
		case res.Drifted():
			s.Drifted++
		default:
			s.Clean++
		}
	}
	return s
}

// WriteText renders the human-readable report: one block per problem probe,
// then a totals line.
func WriteText(w io.Writer, s Summary) error {
	for _, res := range s.Results {
		name := res.Probe.Key
		switch {
		case res.Err != nil:
			if _, err := fmt.Fprintf(w, "[%s] error: %v\n", name, res.Err); err != nil {
				return err
			}
		case res.Drifted():
			if _, err := fmt.Fprintf(w, "[%s] status staged=%d live=%d\n", name, res.Probe.ExpectedStatus, res.LiveStatus); err != nil {
				return err
			}
			if res.BodyDiff != "" {
				if _, err := fmt.Fprintln(w, res.BodyDiff); err != nil {
					return err
				}
			}
		}
	}
	_, err := fmt.Fprintf(w, "Probed %d routes: %d clean, %d drifted, %d failed\n", s.Total, s.Clean, s.Drifted, s.Failed)
	return err
}

type resultReport struct {
	Service        string `json:"service"`
	Route          string `json:"route"`
	Key            string `json:"key"`
	ExpectedStatus int    `json:"expectedStatus"`
	LiveStatus     int    `json:"liveStatus,omitempty"`
	LatencyMs      int64  `json:"latencyMs"`
	Drifted        bool   `json:"drifted"`
	Diff           string `json:"diff,omitempty"`
	Error          string `json:"error,omitempty"`
}

type summaryReport struct {
	Total   int            `json:"total"`
	Clean   int            `json:"clean"`
	Drifted int            `json:"drifted"`
	Failed  int            `json:"failed"`
	Results []resultReport `json:"results"`
}

// WriteJSON renders the report as a single JSON document for CI consumers.
func WriteJSON(w io.Writer, s Summary) error {
	report := summaryReport{
		Total:   s.Total,
		Clean:   s.Clean,
		Drifted: s.Drifted,
		Failed:  s.Failed,
		Results: make([]resultReport, 0, len(s.Results)),
	}
	for _, res := range s.Results {
		item := resultReport{
			Service:        res.Probe.Service,
			Route:          res.Probe.Route,
			Key:            res.Probe.Key,
			ExpectedStatus: res.Probe.ExpectedStatus,
			LiveStatus:     res.LiveStatus,
			LatencyMs:      res.Latency.Milliseconds(),
			Drifted:        res.Drifted(),
			Diff:           res.BodyDiff,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		report.Results = append(report.Results, item)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
