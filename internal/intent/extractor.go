// Package intent classifies requests with keyword and regular-expression
// rules.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"dialogbot/internal/dialog"
	"dialogbot/internal/domain"
)

// Rule maps request text to an intent. Each keyword found in the text scores
// one point and a Pattern match scores one more; named groups of Pattern
// become entities.
type Rule struct {
	Name     string         `yaml:"name" json:"name"`
	Keywords []string       `yaml:"keywords" json:"keywords,omitempty"`
	Pattern  string         `yaml:"pattern" json:"pattern,omitempty"`
	Priority string         `yaml:"priority" json:"priority,omitempty"` // name or number
	Adhoc    bool           `yaml:"adhoc" json:"adhoc,omitempty"`
	Entities map[string]any `yaml:"entities" json:"entities,omitempty"`
}

// ParsePriority accepts ignore, low, normal, high, highest or an integer.
// Empty means normal.
func ParsePriority(s string) (domain.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return domain.PriorityNormal, nil
	case "ignore":
		return domain.PriorityIgnore, nil
	case "low":
		return domain.PriorityLow, nil
	case "high":
		return domain.PriorityHigh, nil
	case "highest":
		return domain.PriorityHighest, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > int(domain.PriorityHighest) {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return domain.Priority(n), nil
}

type compiledRule struct {
	Rule
	keywords []string // lowercased
	pattern  *regexp.Regexp
	priority domain.Priority
}

// Extractor scores every rule against the request text. It implements
// dialog.IntentExtractor.
type Extractor struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewExtractor compiles rules once. Rule names must be unique.
func NewExtractor(rules []Rule, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(rules))
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("intent rule without name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate intent rule %q", r.Name)
		}
		seen[r.Name] = true

		cr := compiledRule{Rule: r}
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				cr.keywords = append(cr.keywords, kw)
			}
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("intent %q: compile pattern: %w", r.Name, err)
			}
			cr.pattern = re
		}
		if len(cr.keywords) == 0 && cr.pattern == nil {
			return nil, fmt.Errorf("intent %q has neither keywords nor pattern", r.Name)
		}
		p, err := ParsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("intent %q: %w", r.Name, err)
		}
		cr.priority = p
		compiled = append(compiled, cr)
	}
	// Stable tie-break: higher priority first, then name.
	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].priority != compiled[j].priority {
			return compiled[i].priority > compiled[j].priority
		}
		return compiled[i].Name < compiled[j].Name
	})
	return &Extractor{rules: compiled, logger: logger}, nil
}

// Names returns the rule names in evaluation order.
func (e *Extractor) Names() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name
	}
	return out
}

// ExtractIntent returns the best scoring rule. When nothing matches, the
// intent already on the request (set by the channel adapter) is kept.
func (e *Extractor) ExtractIntent(ctx context.Context, t *dialog.Turn) (dialog.Intent, error) {
	req := t.Request
	lower := strings.ToLower(req.Text)

	var (
		best       *compiledRule
		bestScore  int
		bestGroups map[string]any
	)
	for i := range e.rules {
		r := &e.rules[i]
		score := 0
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		var groups map[string]any
		if r.pattern != nil {
			if m := r.pattern.FindStringSubmatch(req.Text); m != nil {
				score++
				groups = namedGroups(r.pattern, m)
			}
		}
		// Rules are sorted, so the first rule reaching a score wins ties.
		if score > bestScore {
			best, bestScore, bestGroups = r, score, groups
		}
	}

	if best == nil {
		return dialog.Intent{Name: req.Intent, Entities: req.Entities, Priority: req.IntentPriority, Adhoc: req.IsAdhoc}, nil
	}

	entities := domain.CloneMap(req.Entities)
	if entities == nil {
		entities = make(map[string]any)
	}
	// Upstream entities win, then captured groups, then rule defaults.
	for k, v := range bestGroups {
		if _, ok := entities[k]; !ok {
			entities[k] = v
		}
	}
	for k, v := range best.Entities {
		if _, ok := entities[k]; !ok {
			entities[k] = v
		}
	}

	e.logger.Debug("intent matched", "intent", best.Name, "score", bestScore, "priority", best.priority)
	return dialog.Intent{Name: best.Name, Entities: entities, Priority: best.priority, Adhoc: best.Adhoc}, nil
}

func namedGroups(re *regexp.Regexp, match []string) map[string]any {
	out := make(map[string]any)
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || match[i] == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}

var _ dialog.IntentExtractor = (*Extractor)(nil)
