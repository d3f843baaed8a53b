package eventbus

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk list of rules registered at start-up.
//
//	rules:
//	  - name: high-priority-to-pager
//	    target: log
//	    pattern:
//	      type: [TaskCreated]
//	      detail.priority: [high]
type RulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

func LoadRulesFile(path string) (RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RulesFile{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles every rule so a bad file fails before anything is
// registered.
func ParseRules(data []byte) (RulesFile, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return RulesFile{}, fmt.Errorf("parse rules file: %w", err)
	}
	for i, spec := range file.Rules {
		if spec.Target == "" {
			return RulesFile{}, fmt.Errorf("rule %d (%s): target is required", i, spec.Name)
		}
		if _, err := Compile(spec.Pattern); err != nil {
			return RulesFile{}, fmt.Errorf("rule %d (%s): %w", i, spec.Name, err)
		}
	}
	return file, nil
}

// Apply registers every rule of the file on the bus and returns the rule ids.
func (f RulesFile) Apply(bus *Bus) ([]string, error) {
	ids := make([]string, 0, len(f.Rules))
	for _, spec := range f.Rules {
		id, err := bus.RegisterSpec(spec)
		if err != nil {
			return ids, fmt.Errorf("register rule %s: %w", spec.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
