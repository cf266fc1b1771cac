package config

import (
	"fmt"
	"os"
	"path"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override of a JobConfig field.
const EnvPrefix = "JOBCOORD_"

// JobConfig describes one job submission. It is loaded by the client and
// staged next to the runnable so the coordinator reads the same values.
type JobConfig struct {
	Broker      BrokerEndpoint    `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Auth        AuthConfig        `yaml:"auth"`
	App         AppConfig         `yaml:"app"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Task        TaskConfig        `yaml:"task"`
	Runnable    RunnableConfig    `yaml:"runnable"`
}

// BrokerEndpoint locates the resource broker.
type BrokerEndpoint struct {
	URL   string `yaml:"url" env:"JOBCOORD_BROKER_URL"`
	Token string `yaml:"token" env:"JOBCOORD_BROKER_TOKEN"`
}

// StorageConfig locates the shared storage and the job's work directory in it.
type StorageConfig struct {
	URL     string `yaml:"url" env:"JOBCOORD_STORAGE_URL"`
	WorkDir string `yaml:"work_dir" env:"JOBCOORD_STORAGE_WORK_DIR"`
}

// AuthConfig holds the optional principal and keytab used to log in.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" env:"JOBCOORD_AUTH_ENABLED"`
	Principal string `yaml:"principal" env:"JOBCOORD_AUTH_PRINCIPAL"`
	Keytab    string `yaml:"keytab" env:"JOBCOORD_AUTH_KEYTAB"`
}

// AppConfig holds application-level submission settings.
type AppConfig struct {
	Name                   string   `yaml:"name" env:"JOBCOORD_APP_NAME"`
	Queue                  string   `yaml:"queue" env:"JOBCOORD_APP_QUEUE"`
	Priority               int      `yaml:"priority" env:"JOBCOORD_APP_PRIORITY"`
	User                   string   `yaml:"user" env:"JOBCOORD_APP_USER"`
	Files                  FileList `yaml:"files" env:"JOBCOORD_APP_FILES"`
	CheckStatusInterval    Millis   `yaml:"check_status_interval" env:"JOBCOORD_APP_CHECK_STATUS_INTERVAL"`
	CompletionPollInterval Millis   `yaml:"completion_poll_interval" env:"JOBCOORD_APP_COMPLETION_POLL_INTERVAL"`
}

// CoordinatorConfig sizes the coordinator slot.
type CoordinatorConfig struct {
	MemoryMB int    `yaml:"memory_mb" env:"JOBCOORD_COORDINATOR_MEMORY_MB"`
	VCores   int    `yaml:"vcores" env:"JOBCOORD_COORDINATOR_VCORES"`
	Binary   string `yaml:"binary" env:"JOBCOORD_COORDINATOR_BINARY"` // defaults to "coordinator" next to the client executable
}

// TaskConfig sizes the task slots.
type TaskConfig struct {
	MemoryMB int `yaml:"memory_mb" env:"JOBCOORD_TASK_MEMORY_MB"`
	VCores   int `yaml:"vcores" env:"JOBCOORD_TASK_VCORES"`
	Count    int `yaml:"count" env:"JOBCOORD_TASK_COUNT"`
}

// RunnableConfig names the unit that is staged and run by every task.
type RunnableConfig struct {
	Path      string `yaml:"path" env:"JOBCOORD_RUNNABLE_PATH"`
	Arguments string `yaml:"arguments" env:"JOBCOORD_RUNNABLE_ARGUMENTS"`
	JavaHome  string `yaml:"java_home" env:"JOBCOORD_RUNNABLE_JAVA_HOME"`
}

// DefaultJobConfig returns a JobConfig with default values.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Broker:  BrokerEndpoint{URL: "http://localhost:8088"},
		Storage: StorageConfig{URL: "file:///tmp/jobcoord-storage"},
		App: AppConfig{
			Name:                   "submit-test",
			Queue:                  "default",
			CheckStatusInterval:    Millis(time.Second),
			CompletionPollInterval: Millis(time.Second),
		},
		Coordinator: CoordinatorConfig{MemoryMB: 1024, VCores: 1},
		Task:        TaskConfig{MemoryMB: 1024, VCores: 1, Count: 1},
		Runnable:    RunnableConfig{JavaHome: "/usr/bin/java"},
	}
}

// WorkDir returns the job's directory in shared storage, always with a
// trailing slash.
func (c *JobConfig) WorkDir() string {
	dir := c.Storage.WorkDir
	if dir == "" {
		dir = path.Join("jobcoord", c.App.Name)
	}
	return strings.TrimSuffix(dir, "/") + "/"
}

// RunnableName returns the base name of the runnable.
func (c *JobConfig) RunnableName() string {
	return path.Base(c.Runnable.Path)
}

// Load reads a JobConfig with precedence defaults < YAML file < environment.
// ${VAR} references in the file are expanded from the environment first.
func Load(configPath string) (*JobConfig, error) {
	cfg := DefaultJobConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with the value of VAR. Bare $VAR is
// left alone since commands in the file may use it.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// applyEnv walks the struct and sets every field whose env tag names a
// non-empty variable.
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch p := field.Addr().Interface().(type) {
	case *Millis:
		return p.Set(value)
	case *FileList:
		*p = ParseFileList(value)
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", value)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Millis is a duration written either as integer milliseconds or as a Go
// duration string ("1500ms", "2s").
type Millis time.Duration

// Duration returns m as a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

// Set parses s into m.
func (m *Millis) Set(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = Millis(time.Duration(n) * time.Millisecond)
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*m = Millis(d)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Millis) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return m.Set(node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (m Millis) MarshalYAML() (any, error) {
	return time.Duration(m).Milliseconds(), nil
}

// FileList is a list of paths written either as a YAML sequence or as one
// comma-separated string.
type FileList []string

// ParseFileList splits a comma-separated list, dropping empty entries.
func ParseFileList(s string) FileList {
	var out FileList
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *FileList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = ParseFileList(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = ParseFileList(strings.Join(items, ","))
		return nil
	}
	return fmt.Errorf("line %d: files must be a string or a list", node.Line)
}
