package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"taskrun/pkg/codec"
	"taskrun/pkg/orchestrator"
)

func resultFor(t *testing.T, v any) *orchestrator.Result {
	t.Helper()
	c := codec.JSON()
	data, err := c.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res := orchestrator.NewResult(data, c)
	return &res
}

func TestLoadTask_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "task.json", `{"n": 4}`},
		{"yaml", "task.yaml", "n: 4\n"},
		{"toml", "task.toml", "n = 4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := loadTask(writeFile(t, tt.file, tt.content), nil)
			if err != nil {
				t.Fatalf("loadTask: %v", err)
			}
			m, ok := task.(map[string]any)
			if !ok {
				t.Fatalf("task type %T, want map", task)
			}
			// Integers decode as int or int64 depending on format.
			if v := reflect.ValueOf(m["n"]); !v.CanConvert(reflect.TypeOf(0)) || v.Convert(reflect.TypeOf(0)).Int() != 4 {
				t.Fatalf("n = %#v", m["n"])
			}
		})
	}
}

func TestLoadTask_Stdin(t *testing.T) {
	task, err := loadTask("-", strings.NewReader(`[1, 2, 3]`))
	if err != nil {
		t.Fatalf("loadTask: %v", err)
	}
	if got, ok := task.([]any); !ok || len(got) != 3 {
		t.Fatalf("task = %#v", task)
	}
}

func TestLoadTask_JSONKeepsIntegers(t *testing.T) {
	task, err := loadTask(writeFile(t, "task.json", `{"n": 3, "f": 1.5, "big": 1e3, "xs": [1, {"m": 2}]}`), nil)
	if err != nil {
		t.Fatalf("loadTask: %v", err)
	}
	want := map[string]any{
		"n":   int64(3),
		"f":   1.5,
		"big": float64(1000),
		"xs":  []any{int64(1), map[string]any{"m": int64(2)}},
	}
	if !reflect.DeepEqual(task, want) {
		t.Fatalf("task = %#v, want %#v", task, want)
	}

	// A CBOR worker must be able to decode the integer into an int field.
	c, err := codec.CBOR()
	if err != nil {
		t.Fatalf("CBOR: %v", err)
	}
	data, err := c.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		N int `cbor:"n"`
	}
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal into int field: %v", err)
	}
	if got.N != 3 {
		t.Fatalf("N = %d, want 3", got.N)
	}
}

func TestLoadTask_Errors(t *testing.T) {
	if _, err := loadTask(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := loadTask(writeFile(t, "bad.json", "{"), nil); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := loadTask(writeFile(t, "trailing.json", `{"n": 1} {"n": 2}`), nil); err == nil {
		t.Error("trailing JSON accepted")
	}
	if _, err := loadTask(writeFile(t, "null.json", "null"), nil); err == nil {
		t.Error("null task accepted")
	}
}

func TestWriteResult_File(t *testing.T) {
	res := resultFor(t, map[string]int{"n": 49})
	path := filepath.Join(t.TempDir(), "out.json")
	if err := writeResult(path, res, nil); err != nil {
		t.Fatalf("writeResult: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "{\n  \"n\": 49\n}" {
		t.Fatalf("file = %q", got)
	}
}

func TestWriteResult_Stdout(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult("-", resultFor(t, []string{"a"}), &buf); err != nil {
		t.Fatalf("writeResult: %v", err)
	}
	if !strings.Contains(buf.String(), `"a"`) {
		t.Fatalf("stdout = %q", buf.String())
	}
}
