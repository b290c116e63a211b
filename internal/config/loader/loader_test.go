package loader

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"
)

// MemFS is an in-memory file system for testing.
type MemFS struct {
	files map[string][]byte
}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

func (m *MemFS) AddFile(path string, content string) {
	m.files[path] = []byte(content)
}

func (m *MemFS) Open(name string) (fs.File, error) {
	return nil, fs.ErrNotExist
}

func (m *MemFS) ReadFile(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (m *MemFS) Stat(path string) (fs.FileInfo, error) {
	if _, ok := m.files[path]; ok {
		return &memFileInfo{name: path}, nil
	}
	return nil, fs.ErrNotExist
}

type memFileInfo struct {
	name string
}

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return 0 }
func (f *memFileInfo) Mode() fs.FileMode  { return 0644 }
func (f *memFileInfo) ModTime() time.Time { return time.Now() }
func (f *memFileInfo) IsDir() bool        { return false }
func (f *memFileInfo) Sys() any           { return nil }

func getByPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func TestForPath(t *testing.T) {
	memfs := NewMemFS()
	tests := []struct {
		path   string
		format string
	}{
		{"/etc/dapwire.toml", "toml"},
		{"/etc/dapwire.yaml", "yaml"},
		{"/etc/dapwire.YML", "yaml"},
		{"/etc/dapwire.json", "json"},
	}
	for _, tt := range tests {
		l, err := ForPath(memfs, tt.path)
		if err != nil {
			t.Fatalf("ForPath(%q) error = %v", tt.path, err)
		}
		if l.Format() != tt.format {
			t.Errorf("ForPath(%q).Format() = %q, want %q", tt.path, l.Format(), tt.format)
		}
	}

	if _, err := ForPath(memfs, "/etc/dapwire.ini"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ForPath(.ini) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestFileLoader_Formats(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/c.toml", `
[logging]
level = "debug"

[debug]
max_restarts = 3
request_timeout = "5s"

[[adapters]]
name = "go"
type = "delve"
`)
	memfs.AddFile("/c.yaml", `
logging:
  level: debug
debug:
  max_restarts: 3
  request_timeout: 5s
adapters:
  - name: go
    type: delve
`)
	memfs.AddFile("/c.json", `{
  "logging": {"level": "debug"},
  "debug": {"max_restarts": 3, "request_timeout": "5s"},
  "adapters": [{"name": "go", "type": "delve"}]
}`)

	for _, path := range []string{"/c.toml", "/c.yaml", "/c.json"} {
		t.Run(path, func(t *testing.T) {
			l, err := ForPath(memfs, path)
			if err != nil {
				t.Fatal(err)
			}
			config, err := l.Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if val, ok := getByPath(config, "logging.level"); !ok || val != "debug" {
				t.Errorf("logging.level = %v, want debug", val)
			}
			if val, ok := getByPath(config, "debug.request_timeout"); !ok || val != "5s" {
				t.Errorf("debug.request_timeout = %v, want 5s", val)
			}
			if _, ok := getByPath(config, "debug.max_restarts"); !ok {
				t.Error("debug.max_restarts missing")
			}

			adapters, ok := config["adapters"].([]any)
			if !ok || len(adapters) != 1 {
				t.Fatalf("adapters = %#v, want one entry", config["adapters"])
			}
			first, ok := adapters[0].(map[string]any)
			if !ok || first["type"] != "delve" {
				t.Errorf("adapters[0] = %#v", adapters[0])
			}
		})
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	config, err := NewTOMLLoaderWithFS(NewMemFS(), "/missing.toml").Load()
	if err != nil {
		t.Fatalf("Load error = %v, want nil", err)
	}
	if config != nil {
		t.Errorf("Load = %v, want nil", config)
	}
}

func TestFileLoader_ParseErrors(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/bad.toml", "[logging]\nlevel = \n")
	memfs.AddFile("/bad.json", "{\n  \"logging\": {\n    \"level\": ,\n  }\n}")
	memfs.AddFile("/bad.yaml", "logging:\n  level: [debug\n")

	tests := []struct {
		path     string
		wantLine int
	}{
		{"/bad.toml", 2},
		{"/bad.json", 3},
		{"/bad.yaml", 0},
	}

	for _, tt := range tests {
		l, err := ForPath(memfs, tt.path)
		if err != nil {
			t.Fatal(err)
		}
		_, err = l.Load()
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: error = %v, want *ParseError", tt.path, err)
		}
		if perr.Path != tt.path {
			t.Errorf("%s: Path = %q", tt.path, perr.Path)
		}
		if tt.wantLine > 0 && perr.Line != tt.wantLine {
			t.Errorf("%s: Line = %d, want %d", tt.path, perr.Line, tt.wantLine)
		}
		if !strings.Contains(perr.Error(), tt.path) {
			t.Errorf("%s: message %q lacks path", tt.path, perr.Error())
		}
	}
}

func TestFileLoader_LoadFromReader(t *testing.T) {
	config, err := NewYAMLLoader("").LoadFromReader(strings.NewReader("logging:\n  format: console\n"))
	if err != nil {
		t.Fatal(err)
	}
	if val, _ := getByPath(config, "logging.format"); val != "console" {
		t.Errorf("logging.format = %v, want console", val)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"logging": map[string]any{"level": "info", "format": "json"},
		"debug":   map[string]any{"max_restarts": 5},
	}
	src := map[string]any{
		"logging": map[string]any{"level": "debug"},
		"debug":   "replaced",
	}

	got := DeepMerge(dst, src)

	if val, _ := getByPath(got, "logging.level"); val != "debug" {
		t.Errorf("logging.level = %v, want debug", val)
	}
	if val, _ := getByPath(got, "logging.format"); val != "json" {
		t.Errorf("logging.format = %v, want json", val)
	}
	if got["debug"] != "replaced" {
		t.Errorf("debug = %v, want replaced", got["debug"])
	}

	if DeepMerge(nil, nil) == nil {
		t.Error("DeepMerge(nil, nil) returned nil")
	}
}

func fakeEnv(vars map[string]string) *EnvLoader {
	l := NewEnvLoader(EnvPrefix)
	l.lookup = func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
	l.environ = func() []string {
		out := make([]string, 0, len(vars))
		for k, v := range vars {
			out = append(out, k+"="+v)
		}
		return out
	}
	return l
}

func TestEnvLoader_Load(t *testing.T) {
	l := fakeEnv(map[string]string{
		"DAPWIRE_LOG_LEVEL":       "debug",
		"DAPWIRE_MAX_RESTARTS":    "0",
		"DAPWIRE_ERROR_THRESHOLD": "1",
		"DAPWIRE_REQUEST_TIMEOUT": "250ms",
		"DAPWIRE_ADAPTER":         "go",
		"DAPWIRE_UNKNOWN":         "x",
		"HOME":                    "/root",
	})

	config, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	checks := map[string]any{
		"logging.level":         "debug",
		"debug.max_restarts":    int64(0),
		"debug.error_threshold": int64(1),
		"debug.request_timeout": "250ms",
		"debug.adapter":         "go",
	}
	for path, want := range checks {
		if val, ok := getByPath(config, path); !ok || val != want {
			t.Errorf("%s = %v (%T), want %v (%T)", path, val, val, want, want)
		}
	}
	if _, ok := config["unknown"]; ok {
		t.Error("unmapped variable leaked into config")
	}

	unmapped := l.Unmapped()
	if len(unmapped) != 1 || unmapped[0] != "DAPWIRE_UNKNOWN" {
		t.Errorf("Unmapped() = %v, want [DAPWIRE_UNKNOWN]", unmapped)
	}
}

func TestEnvLoader_AddMapping(t *testing.T) {
	l := fakeEnv(map[string]string{"DAPWIRE_LOG_FILE": "/tmp/x.log"})
	l.AddMapping("DAPWIRE_LOG_FILE", "logging.file")

	config, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if val, _ := getByPath(config, "logging.file"); val != "/tmp/x.log" {
		t.Errorf("logging.file = %v", val)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"true", true},
		{"OFF", false},
		{"42", int64(42)},
		{"0", int64(0)},
		{"1s", "1s"},
		{"delve", "delve"},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}

	arr, ok := parseValue(`["a","b"]`).([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("parseValue(array) = %#v", arr)
	}
}
