// Package recordingschema publishes the JSON Schema of recordings and
// validates recording documents against it plus replay rules.
package recordingschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"pkt.systems/cdpreplay/schema"
)

const schemaID = "https://pkt.systems/cdpreplay/schemas/recording-v1.json"

// Generate returns the JSON Schema of a recording document.
func Generate() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
		Mapper:                    mapType,
	}
	s := r.Reflect(&schema.Recording{})
	s.ID = jsonschema.ID(schemaID)
	s.Title = "cdpreplay recording"
	s.Description = "Recorded browser interactions replayed over the DevTools protocol"
	// The id defaults to the file name.
	s.Required = slices.DeleteFunc(s.Required, func(name string) bool { return name == "id" })

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(schema.SelectorGroup{}):
		return &jsonschema.Schema{
			Description: "One locator or a list of alternative locators",
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
		}
	case reflect.TypeOf(schema.StepType("")):
		known := make([]any, 0, len(schema.KnownStepTypes))
		for _, st := range schema.KnownStepTypes {
			known = append(known, string(st))
		}
		return &jsonschema.Schema{
			Type:        "string",
			Description: "Step kind; unknown kinds are skipped during replay",
			Examples:    known,
		}
	}
	return nil
}

var (
	compileOnce sync.Once
	compiled    *sjsonschema.Schema
	compileErr  error
)

func compiledSchema() (*sjsonschema.Schema, error) {
	compileOnce.Do(func() {
		raw, err := Generate()
		if err != nil {
			compileErr = err
			return
		}
		doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			compileErr = fmt.Errorf("decode schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(schemaID, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaID)
	})
	return compiled, compileErr
}

// Severity grades an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return fmt.Sprintf("%s: %s", i.Severity, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Report collects the findings for one document.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Valid reports whether the document has no errors. Warnings are allowed.
func (r Report) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Err folds the errors of the report into one error wrapping
// schema.ErrInvalidRecording, or returns nil.
func (r Report) Err() error {
	var msgs []string
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			msgs = append(msgs, issue.String())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", schema.ErrInvalidRecording, strings.Join(msgs, "; "))
}

func (r *Report) add(sev Severity, path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...), Severity: sev})
}

// ValidateDocument checks a JSON or YAML document. format is a file
// extension such as ".json" or ".yaml"; anything else is read as JSON.
func ValidateDocument(data []byte, format string) Report {
	var report Report
	switch strings.ToLower(format) {
	case ".yaml", ".yml", "yaml", "yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			report.add(SeverityError, "", "parse yaml: %v", err)
			return report
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			report.add(SeverityError, "", "convert yaml: %v", err)
			return report
		}
		data = converted
	}

	sch, err := compiledSchema()
	if err != nil {
		report.add(SeverityError, "", "schema: %v", err)
		return report
	}
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		report.add(SeverityError, "", "parse json: %v", err)
		return report
	}
	if err := sch.Validate(doc); err != nil {
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			printer := message.NewPrinter(language.English)
			for _, cause := range leafErrors(ve) {
				report.add(SeverityError, "/"+strings.Join(cause.InstanceLocation, "/"), "%s", cause.ErrorKind.LocalizedString(printer))
			}
		} else {
			report.add(SeverityError, "", "%v", err)
		}
		return report
	}

	var rec schema.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		report.add(SeverityError, "", "decode recording: %v", err)
		return report
	}
	report.Issues = append(report.Issues, CheckRecording(rec).Issues...)
	return report
}

func leafErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var out []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, leafErrors(cause)...)
	}
	return out
}

// needsSelectors lists step kinds that fail without a locator.
var needsSelectors = map[schema.StepType]bool{
	schema.StepClick:          true,
	schema.StepDoubleClick:    true,
	schema.StepHover:          true,
	schema.StepChange:         true,
	schema.StepSelectOption:   true,
	schema.StepWaitForElement: true,
}

// CheckRecording applies the replay rules the schema cannot express.
func CheckRecording(rec schema.Recording) Report {
	var report Report
	if rec.ID != "" {
		if _, err := schema.NormalizeRecordingID(string(rec.ID)); err != nil {
			report.add(SeverityError, "/id", "id may only use letters, digits, '.', '_' and '-'")
		}
	}
	if len(rec.Steps) == 0 {
		report.add(SeverityError, "/steps", "recording has no steps")
	}
	for i, step := range rec.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		switch {
		case strings.TrimSpace(string(step.Type)) == "":
			report.add(SeverityError, path+"/type", "step has no type")
			continue
		case !step.Type.Known():
			report.add(SeverityWarning, path+"/type", "unknown step type %q will be skipped", step.Type)
			continue
		}
		if needsSelectors[step.Type] && !step.HasSelectors() {
			report.add(SeverityError, path+"/selectors", "%s needs at least one selector", step.Type)
		}
		for j, idx := range step.Frame {
			if idx < 0 {
				report.add(SeverityError, fmt.Sprintf("%s/frame/%d", path, j), "frame index must not be negative")
			}
		}
		switch step.Type {
		case schema.StepNavigate:
			if strings.TrimSpace(step.URL) == "" {
				report.add(SeverityError, path+"/url", "navigate needs a url")
			}
		case schema.StepKeyDown, schema.StepKeyUp:
			if step.Key == "" {
				report.add(SeverityError, path+"/key", "%s needs a key", step.Type)
			}
		case schema.StepSaveVariable, schema.StepPasteVariable:
			if strings.TrimSpace(step.VariableName) == "" {
				report.add(SeverityError, path+"/variableName", "%s needs a variableName", step.Type)
			}
		case schema.StepSetViewport:
			if step.Width <= 0 || step.Height <= 0 {
				report.add(SeverityError, path, "setViewport needs width and height")
			}
		case schema.StepWait:
			if step.Duration < 0 {
				report.add(SeverityError, path+"/duration", "duration must not be negative")
			}
		case schema.StepChange, schema.StepSelectOption:
			if step.Value == "" {
				report.add(SeverityWarning, path+"/value", "%s with an empty value clears the field", step.Type)
			}
		}
	}
	return report
}
