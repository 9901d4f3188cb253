package obligation

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed feeds/*.yaml
var feedsFS embed.FS

// ParseFeed reads one regulator feed from YAML and validates it at ingestion.
func ParseFeed(data []byte) (Feed, error) {
	var f Feed
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Feed{}, fmt.Errorf("invalid feed yaml: %w", err)
	}
	if err := validateFeed(f); err != nil {
		return Feed{}, err
	}
	return f, nil
}

// DefaultFeeds returns the embedded regulator feeds in regulator order.
func DefaultFeeds() ([]Feed, error) {
	entries, err := fs.ReadDir(feedsFS, "feeds")
	if err != nil {
		return nil, err
	}
	var feeds []Feed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := feedsFS.ReadFile("feeds/" + e.Name())
		if err != nil {
			return nil, err
		}
		f, err := ParseFeed(data)
		if err != nil {
			return nil, fmt.Errorf("embedded feed %s: %w", e.Name(), err)
		}
		feeds = append(feeds, f)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Regulator < feeds[j].Regulator })
	return feeds, nil
}

// FilterByRegulators keeps only feeds for the selected regulators.
func FilterByRegulators(feeds []Feed, regulators []string) []Feed {
	want := map[string]bool{}
	for _, r := range regulators {
		want[r] = true
	}
	var out []Feed
	for _, f := range feeds {
		if want[f.Regulator] {
			out = append(out, f)
		}
	}
	return out
}
