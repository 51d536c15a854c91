package observe

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// defaultRuleSpecs is the built-in classification table. Order matters:
// the first matching rule wins, so tracebacks and errors come before the
// broad info patterns.
var defaultRuleSpecs = []ruleSpec{
	// Tracebacks first: the final traceback line is usually the most
	// informative error, and generic "failed" patterns must not shadow it.
	{`^Traceback \(most recent call last\)`, KindTraceback},
	{`^\s+File ".*", line \d+`, KindTraceback},
	{`^[A-Za-z]*Error:`, KindTraceback},
	{`^[A-Za-z]*Exception:`, KindTraceback},
	{`panic:`, KindTraceback},
	{`at .*\(.*:\d+:\d+\)`, KindTraceback},

	{`(?i)^error[:\s]`, KindError},
	{`^E:\s`, KindError},
	{`(?i)fatal error`, KindError},
	{`FATAL`, KindError},
	{`(?i)failed`, KindError},
	{`(?i)cannot find`, KindError},
	{`(?i)not found`, KindError},
	{`No such file`, KindError},
	{`Permission denied`, KindError},
	{`command not found`, KindError},
	{`Unable to locate`, KindError},
	{`returned a non-zero`, KindError},
	{`(?i)exit code[:\s]*[1-9]`, KindError},
	{`(?i)exit status[:\s]*[1-9]`, KindError},

	{`(?i)^warning[:\s]`, KindWarning},
	{`^W:\s`, KindWarning},
	{`(?i)deprecated`, KindWarning},

	{`^Step \d+/\d+`, KindInfo},
	{`Successfully`, KindInfo},
	{`Completed`, KindInfo},
	{`Done`, KindInfo},
}

type ruleSpec struct {
	pattern string
	kind    ErrorKind
}

// DefaultRules compiles the built-in classification table.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, len(defaultRuleSpecs))
	for _, spec := range defaultRuleSpecs {
		rules = append(rules, Rule{
			Pattern: regexp.MustCompile(spec.pattern),
			Kind:    spec.kind,
		})
	}
	return rules
}

// ruleFile is the YAML shape of a user-supplied pattern table.
type ruleFile struct {
	Rules []struct {
		Pattern string `yaml:"pattern"`
		Kind    string `yaml:"kind"`
	} `yaml:"rules"`
}

// LoadRules reads an ordered pattern table from a YAML file. Kinds must
// be one of error, warning, traceback, info.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern table: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pattern table: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		kind := ErrorKind(r.Kind)
		switch kind {
		case KindError, KindWarning, KindTraceback, KindInfo:
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, r.Kind)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, Rule{Pattern: re, Kind: kind})
	}
	return rules, nil
}
