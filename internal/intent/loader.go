package intent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML layout of one rule file: either a single rule or a
// list under "intents".
type ruleFile struct {
	Rule    `yaml:",inline"`
	Intents []Rule `yaml:"intents"`
}

// LoadDir reads intent rules from the .yaml and .yml files in dir. A missing
// directory yields no rules. Files that cannot be parsed are skipped with a
// warning.
func LoadDir(dir string, logger *slog.Logger) ([]Rule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("intents directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read intents dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read intent file", "path", path, "err", err)
			continue
		}

		var f ruleFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			logger.Warn("cannot parse intent file", "path", path, "err", err)
			continue
		}

		if len(f.Intents) > 0 {
			rules = append(rules, f.Intents...)
			logger.Info("loaded intent rules", "count", len(f.Intents), "path", path)
			continue
		}
		if f.Name == "" {
			f.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		logger.Info("loaded intent rule", "name", f.Name, "path", path)
		rules = append(rules, f.Rule)
	}
	return rules, nil
}
