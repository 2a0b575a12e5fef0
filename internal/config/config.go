package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kronos/internal/offset"
	"kronos/internal/trigger"
)

// DefaultPath is the trigger configuration read when no path is given.
const DefaultPath = "config.yml"

// Record is one trigger entry of the YAML file, keyed by trigger name.
//
//	payroll:
//	  enabled: true
//	  sourcecalendarid: team@example.com
//	  lookahead: 1w 2d
//	  regex: payroll
//	  smtp: mail.example.com:587
//	  from: kronos@example.com
//	  to: finance@example.com
//	  subject: Payroll is coming
//	  body: Payroll runs on %{event_date}.
type Record struct {
	Enabled          bool   `yaml:"enabled"`
	SourceCalendarID string `yaml:"sourcecalendarid"`
	Lookahead        string `yaml:"lookahead"`
	Regex            string `yaml:"regex"`
	SMTP             string `yaml:"smtp"`
	From             string `yaml:"from"`
	To               string `yaml:"to"`
	Subject          string `yaml:"subject"`
	Body             string `yaml:"body"`
}

var knownKeys = map[string]bool{
	"enabled":          true,
	"sourcecalendarid": true,
	"lookahead":        true,
	"regex":            true,
	"smtp":             true,
	"from":             true,
	"to":               true,
	"subject":          true,
	"body":             true,
}

// Config is the loaded trigger set. It is not modified after Load.
type Config struct {
	// Triggers in the order they appear in the file.
	Triggers []trigger.Trigger
	// Warnings are non-fatal problems, such as lookahead text that was only
	// partly understood.
	Warnings []string
}

// Load reads and validates the trigger configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML trigger configuration.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	cfg := &Config{}
	if len(doc.Content) == 0 {
		return cfg, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of trigger names to triggers", root.Line)
	}

	seen := make(map[string]bool)
	var errs []error
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		name := keyNode.Value
		if seen[name] {
			errs = append(errs, fmt.Errorf("line %d: duplicate trigger %q", keyNode.Line, name))
			continue
		}
		seen[name] = true

		t, warns, err := decodeTrigger(name, valNode)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", keyNode.Line, err))
			continue
		}
		cfg.Warnings = append(cfg.Warnings, warns...)
		cfg.Triggers = append(cfg.Triggers, t)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeTrigger(name string, node *yaml.Node) (trigger.Trigger, []string, error) {
	if node.Kind != yaml.MappingNode {
		return trigger.Trigger{}, nil, fmt.Errorf("trigger %s: expected a mapping", name)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i].Value; !knownKeys[key] {
			return trigger.Trigger{}, nil, fmt.Errorf("trigger %s: unknown key %q", name, key)
		}
	}

	var rec Record
	if err := node.Decode(&rec); err != nil {
		return trigger.Trigger{}, nil, fmt.Errorf("trigger %s: %w", name, err)
	}

	if rec.Enabled {
		if err := rec.validate(); err != nil {
			return trigger.Trigger{}, nil, fmt.Errorf("trigger %s: %w", name, err)
		}
	}

	spec := trigger.Spec{
		Name:             name,
		Enabled:          rec.Enabled,
		SourceCalendarID: rec.SourceCalendarID,
		Lookahead:        rec.Lookahead,
		Regex:            rec.Regex,
		SMTP:             rec.SMTP,
		From:             rec.From,
		To:               rec.To,
		Subject:          rec.Subject,
		Body:             rec.Body,
	}
	t, err := trigger.New(spec)
	if err != nil {
		if rec.Enabled {
			return trigger.Trigger{}, nil, err
		}
		// Disabled triggers are never evaluated.
		t = trigger.Disabled(spec)
		return t, []string{fmt.Sprintf("%v; ignored while disabled", err)}, nil
	}

	var warns []string
	if err := offset.Validate(rec.Lookahead); err != nil {
		warns = append(warns, fmt.Sprintf("trigger %s: %v; using %s", name, err, t.Offset))
	}
	return t, warns, nil
}

// validate checks the fields an enabled trigger cannot work without.
func (r Record) validate() error {
	var missing []string
	if r.SourceCalendarID == "" {
		missing = append(missing, "sourcecalendarid")
	}
	if r.SMTP == "" {
		missing = append(missing, "smtp")
	}
	if r.From == "" {
		missing = append(missing, "from")
	}
	if r.To == "" {
		missing = append(missing, "to")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys %v", missing)
	}
	return nil
}

// Active returns the enabled triggers in file order.
func (c *Config) Active() []trigger.Trigger {
	var out []trigger.Trigger
	for _, t := range c.Triggers {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Inactive returns the disabled triggers in file order.
func (c *Config) Inactive() []trigger.Trigger {
	var out []trigger.Trigger
	for _, t := range c.Triggers {
		if !t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Lookup returns the trigger called name.
func (c *Config) Lookup(name string) (trigger.Trigger, bool) {
	for _, t := range c.Triggers {
		if t.Name == name {
			return t, true
		}
	}
	return trigger.Trigger{}, false
}
