// Package taskfile reads task definitions from a YAML document such as:
//
//	tasks:
//	  - name: news_bot
//	    script: news_bot.py
//	    schedule: "*/15 * * * *"
//	    timeout: 120
//	    env: {FEED: tech}
//
// Each entry is validated on its own; a malformed entry is logged and dropped
// without affecting its siblings.
package taskfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v3"

	"botfactory/internal/core"
)

// entry is the on-disk schema of one task.
type entry struct {
	Name        string            `yaml:"name" validate:"required,taskname"`
	Script      string            `yaml:"script" validate:"required"`
	Enabled     *bool             `yaml:"enabled"`
	Schedule    string            `yaml:"schedule" validate:"omitempty,excluded_with=Interval"`
	Interval    *int              `yaml:"interval" validate:"omitempty,min=1,max=604800"`
	Timeout     *int              `yaml:"timeout" validate:"omitempty,min=1,max=86400"`
	Env         map[string]string `yaml:"env" validate:"omitempty,dive,keys,required,endkeys"`
	Description string            `yaml:"description"`
}

type document struct {
	Tasks []yaml.Node `yaml:"tasks"`
}

// File is a task source backed by a YAML file.
type File struct {
	path     string
	logger   *slog.Logger
	validate *validator.Validate

	// writeMu serializes Remove so concurrent deletions do not clobber each other.
	writeMu sync.Mutex
}

// New returns a task source reading path.
func New(path string, logger *slog.Logger) *File {
	return &File{
		path:     path,
		logger:   logger,
		validate: newValidator(),
	}
}

// Path is the file this source reads.
func (f *File) Path() string {
	return f.path
}

// Load parses the whole file. A missing file yields no tasks; an unreadable or
// syntactically broken file is an error so callers keep their previous state.
func (f *File) Load(ctx context.Context) ([]core.TaskDefinition, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("task file not found", "path", f.path)
			return nil, nil
		}
		return nil, fmt.Errorf("read task file: %w", err)
	}
	defs, rejected, err := f.Parse(data)
	if err != nil {
		return nil, err
	}
	for _, problem := range rejected {
		f.logger.Error("task entry rejected", "path", f.path, "err", problem)
	}
	for _, def := range defs {
		f.logger.Debug("task loaded", "task", def.Name)
	}
	return defs, ctx.Err()
}

// Parse decodes a task document. Valid entries are returned in file order;
// each invalid entry contributes one error to rejected.
func (f *File) Parse(data []byte) (defs []core.TaskDefinition, rejected []error, err error) {
	var doc document
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse task file: %w", err)
		}
	}
	for i := range doc.Tasks {
		def, err := f.decodeEntry(&doc.Tasks[i])
		if err != nil {
			rejected = append(rejected, fmt.Errorf("tasks[%d] (line %d): %w", i, doc.Tasks[i].Line, err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, rejected, nil
}

func (f *File) decodeEntry(node *yaml.Node) (core.TaskDefinition, error) {
	// Node.Decode ignores unknown keys, so round-trip through a strict decoder.
	raw, err := yaml.Marshal(node)
	if err != nil {
		return core.TaskDefinition{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var e entry
	if err := dec.Decode(&e); err != nil {
		return core.TaskDefinition{}, err
	}
	e.Name = strings.TrimSpace(e.Name)
	e.Schedule = strings.TrimSpace(e.Schedule)
	if err := f.validate.Struct(e); err != nil {
		return core.TaskDefinition{}, describeValidation(e.Name, err)
	}

	def := core.TaskDefinition{
		Name:        e.Name,
		Script:      e.Script,
		Enabled:     true,
		Schedule:    e.Schedule,
		Timeout:     core.DefaultTimeoutSeconds,
		Env:         e.Env,
		Description: e.Description,
	}
	if e.Enabled != nil {
		def.Enabled = *e.Enabled
	}
	if e.Interval != nil {
		def.Interval = *e.Interval
	}
	if e.Timeout != nil {
		def.Timeout = *e.Timeout
	}
	if def.Env == nil {
		def.Env = map[string]string{}
	}
	return def, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("taskname", func(fl validator.FieldLevel) bool {
		return core.ValidName(fl.Field().String())
	})
	return v
}

func describeValidation(name string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "taskname":
			msgs = append(msgs, fmt.Sprintf("name %q must start with a letter and contain only letters, digits, '-' or '_' (max %d)", fe.Value(), core.MaxNameLength))
		case "excluded_with":
			msgs = append(msgs, "schedule and interval are mutually exclusive")
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be within bounds (%s=%s)", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	if name != "" {
		return fmt.Errorf("task %s: %s", name, strings.Join(msgs, "; "))
	}
	return errors.New(strings.Join(msgs, "; "))
}
