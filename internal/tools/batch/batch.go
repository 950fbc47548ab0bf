package batch

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	statusSucceeded = "success"
	statusFailed    = "error"
)

// Result is the outcome of one query within a multi-query tool call.
type Result struct {
	Query  string `json:"query"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report aggregates the outcomes of a multi-query tool call. Results keep
// the order the queries were given in.
type Report struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Render serializes the report as indented JSON for the tool response.
func (r Report) Render() string {
	out, _ := json.MarshalIndent(r, "", "  ")
	return string(out)
}

// Queries normalizes a tool argument that accepts one query or many.
// Accepted shapes: a plain string, an array of strings, or a string
// holding a JSON-encoded array (some MCP clients double-encode array
// arguments). A string that merely starts with "[" without being valid
// JSON is treated as a literal query. name is the argument name used in
// error messages.
func Queries(arg interface{}, name string) ([]string, error) {
	switch v := arg.(type) {
	case nil:
		return nil, fmt.Errorf("%s is required", name)
	case string:
		if strings.HasPrefix(strings.TrimSpace(v), "[") {
			var decoded []string
			if err := json.Unmarshal([]byte(v), &decoded); err == nil {
				return validated(decoded, name)
			}
		}
		if v == "" {
			return nil, fmt.Errorf("%s cannot be empty", name)
		}
		return []string{v}, nil
	case []interface{}:
		queries := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string", name, i)
			}
			queries = append(queries, s)
		}
		return validated(queries, name)
	default:
		return nil, fmt.Errorf("%s must be a string or an array of strings", name)
	}
}

func validated(queries []string, name string) ([]string, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("%s cannot be empty", name)
	}
	for i, q := range queries {
		if q == "" {
			return nil, fmt.Errorf("%s[%d] cannot be empty", name, i)
		}
	}
	return queries, nil
}

// Run executes fn for every query and collects the outcomes. A failing
// query is recorded in the report and does not stop the remaining ones.
func Run(queries []string, fn func(query string) (string, error)) Report {
	report := Report{
		Total:   len(queries),
		Results: make([]Result, 0, len(queries)),
	}
	for _, q := range queries {
		r := Result{Query: q}
		out, err := fn(q)
		if err != nil {
			r.Status = statusFailed
			r.Error = err.Error()
			report.Failed++
		} else {
			r.Status = statusSucceeded
			r.Result = out
			report.Succeeded++
		}
		report.Results = append(report.Results, r)
	}
	return report
}
