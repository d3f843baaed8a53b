package eventbus

import (
	"time"
)

// Rule routes events matching Pattern to the target named by TargetID.
type Rule struct {
	ID        string    `json:"ruleId"`
	Name      string    `json:"name,omitempty"`
	Pattern   Pattern   `json:"eventPattern"`
	TargetID  string    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`

	matcher *Matcher
	target  Target
}

// RuleSpec is the declarative form of a rule, as found in rules files and API requests.
type RuleSpec struct {
	Name    string  `yaml:"name" json:"name"`
	Target  string  `yaml:"target" json:"targetId"`
	Pattern Pattern `yaml:"pattern" json:"eventPattern"`
}
