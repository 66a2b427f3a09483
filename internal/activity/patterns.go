package activity

import (
	"fmt"
	"regexp"
)

// MaxPatternLength is the compile-time length guard from the Agent
// Definition invariants (spec §3): every stored asking_pattern must be
// ≤500 chars.
const MaxPatternLength = 500

// nestedQuantifier rejects the classic (X+)+ / (X*)+ ReDoS shape: a
// group that is itself quantified inside, repeated again outside.
var nestedQuantifier = regexp.MustCompile(`\([^()]*[+*]\)[+*]`)

// repeatedAlternation rejects the classic (X|Y)+ / (X|Y)* ReDoS shape:
// an alternation group repeated outside, which is exponential whenever
// the alternatives overlap.
var repeatedAlternation = regexp.MustCompile(`\([^()]*\|[^()]*\)[+*]`)

// ValidatePattern enforces the ReDoS guard: compilable, within the
// length limit, and free of nested-quantifier / repeated-alternation
// groups.
func ValidatePattern(pattern string) error {
	if len(pattern) > MaxPatternLength {
		return fmt.Errorf("pattern exceeds %d characters", MaxPatternLength)
	}
	if nestedQuantifier.MatchString(pattern) {
		return fmt.Errorf("pattern %q matches a nested-quantifier ReDoS shape", pattern)
	}
	if repeatedAlternation.MatchString(pattern) {
		return fmt.Errorf("pattern %q matches a repeated-alternation ReDoS shape", pattern)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("pattern %q does not compile: %w", pattern, err)
	}
	return nil
}

// CompilePatterns validates and compiles a list of asking patterns.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if err := ValidatePattern(p); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
