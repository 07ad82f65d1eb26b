package cache

import (
	"github.com/teranos/bibexport/catalog"
)

// Rule disables caching for a job when Applies returns true. The cache key
// must fully determine a record's output; each rule names a case where it
// does not.
type Rule struct {
	Name    string
	Applies func(d *catalog.Descriptor, options, preferences map[string]interface{}) bool
}

// DefaultRules are the rules every Facade starts with
var DefaultRules = []Rule{
	{
		Name: "converter opted out",
		Applies: func(d *catalog.Descriptor, _, _ map[string]interface{}) bool {
			return d.NoCache
		},
	},
	{
		// embedded attachment data carries export-location-dependent paths
		Name: "embedded file data",
		Applies: func(_ *catalog.Descriptor, options, _ map[string]interface{}) bool {
			return truthy(options["export_file_data"])
		},
	},
	{
		// JabRef groups (format 4+) write collection membership into each entry
		Name: "collection membership",
		Applies: func(d *catalog.Descriptor, _, preferences map[string]interface{}) bool {
			return d.EmbedsCollections && number(preferences["jabref_format"]) >= 4
		},
	},
	{
		Name: "relative file paths",
		Applies: func(_ *catalog.Descriptor, _, preferences map[string]interface{}) bool {
			return truthy(preferences["relative_file_paths"])
		},
	},
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	case nil:
		return false
	default:
		return number(v) != 0
	}
}

func number(v interface{}) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}
