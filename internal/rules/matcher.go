package rules

import (
	"log/slog"
	"sync"
)

// Configurable receives the directives of a matched rule. Each directive is
// applied only when the rule sets it.
type Configurable interface {
	SetMessageFormat(format string)
	SetTimestampDesc(desc string)
	SetCSVDelimiter(delimiter string)
	SetTextEncoding(encoding string)
	SetDatetimeColumn(column string)
}

// Matcher holds an ordered collection of rules.
// All methods are safe for concurrent use.
type Matcher struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *slog.Logger
}

// NewMatcher creates a matcher holding the given rules in order.
func NewMatcher(logger *slog.Logger, rules ...Rule) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{logger: logger}
	m.Add(rules...)
	return m
}

// Add appends rules. A rule whose name is already present replaces the
// earlier rule in place.
func (m *Matcher) Add(rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rules {
		replaced := false
		for i := range m.rules {
			if m.rules[i].Name == r.Name {
				m.rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			m.rules = append(m.rules, r)
		}
	}
}

// AddFile loads a rule file and adds its rules.
func (m *Matcher) AddFile(path string) error {
	rules, err := LoadFile(path)
	if err != nil {
		return err
	}
	m.Add(rules...)
	return nil
}

// Rules returns a copy of the rules in declaration order.
func (m *Matcher) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Rule(nil), m.rules...)
}

// Match returns the first rule matching the data type or the column set.
func (m *Matcher) Match(dataType string, columns []string) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := columnSet(columns)
	for _, r := range m.rules {
		if r.matches(dataType, set) {
			return r, true
		}
	}
	return Rule{}, false
}

// Configure applies the first matching rule to s. It reports whether a rule
// matched; when none does s keeps its defaults.
func (m *Matcher) Configure(s Configurable, dataType string, columns []string) (Rule, bool) {
	r, ok := m.Match(dataType, columns)
	if !ok {
		m.logger.Debug("no rule matched", "data_type", dataType, "columns", len(columns))
		return Rule{}, false
	}
	m.logger.Info("using rule for streamer", "rule", r.Name)
	Apply(r, s)
	return r, true
}

// Apply sets every directive present in r on s.
func Apply(r Rule, s Configurable) {
	if r.Message != "" {
		s.SetMessageFormat(r.Message)
	}
	if r.TimestampDesc != "" {
		s.SetTimestampDesc(r.TimestampDesc)
	}
	if r.Separator != "" {
		s.SetCSVDelimiter(r.Separator)
	}
	if r.Encoding != "" {
		s.SetTextEncoding(r.Encoding)
	}
	if r.Datetime != "" {
		s.SetDatetimeColumn(r.Datetime)
	}
}
