package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"taskrun/pkg/orchestrator"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// loadTask reads the task payload from path ("-" for stdin). YAML and TOML
// files are accepted by extension; anything else must be JSON.
func loadTask(path string, stdin io.Reader) (any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", path, err)
	}

	var task any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &task)
	case ".toml":
		var m map[string]any
		err = toml.Unmarshal(data, &m)
		task = m
	default:
		task, err = decodeJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse task %s: %w", path, err)
	}
	if task == nil {
		return nil, errors.New("task payload is empty")
	}
	return task, nil
}

// decodeJSON parses a JSON task keeping integers integral, so a CBOR worker
// can decode them into integer fields.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after task")
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case map[string]any:
		for k, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
	case []any:
		for i, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
	}
	return v, nil
}

// writeResult stores the decoded result as indented JSON at path ("-" for
// w).
func writeResult(path string, res *orchestrator.Result, w io.Writer) error {
	var v any
	if err := res.Decode(&v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write result %s: %w", path, err)
	}
	return nil
}
