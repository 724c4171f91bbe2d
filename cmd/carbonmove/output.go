package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

var stdout io.Writer = os.Stdout

// outputJSON writes v as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes v according to the global output flags: through the
// --jq expression, as JSON, or with the human formatter.
func printResult(c *cli.Context, v interface{}, human func() error) error {
	if expr := c.String("jq"); expr != "" {
		code, err := compileJQ(expr)
		if err != nil {
			return err
		}
		return runJQ(code, v, stdout)
	}
	if c.Bool("json") {
		return outputJSON(v)
	}
	return human()
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// compileJQFilters compiles every --where expression.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	out := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		code, err := compileJQ(filter)
		if err != nil {
			return nil, err
		}
		out[i] = code
	}
	return out, nil
}

// toJQValue converts v into the plain maps and slices gojq operates on.
func toJQValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}

func runJQ(code *gojq.Code, v interface{}, w io.Writer) error {
	input, err := toJQValue(v)
	if err != nil {
		return err
	}
	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := result.(error); ok {
			return fmt.Errorf("jq error: %w", err)
		}
		if s, ok := result.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
}

// matchesAll reports whether every filter yields a truthy value for v.
func matchesAll(filters []*gojq.Code, v interface{}) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	input, err := toJQValue(v)
	if err != nil {
		return false, err
	}
	for _, code := range filters {
		iter := code.Run(input)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, ok := result.(error); ok {
			return false, fmt.Errorf("jq error: %w", err)
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
