package convert

import (
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/bibexport/errors"
)

var cslTypes = map[string]string{
	"journalArticle":  "article-journal",
	"magazineArticle": "article-magazine",
	"book":            "book",
	"bookSection":     "chapter",
	"conferencePaper": "paper-conference",
	"thesis":          "thesis",
	"report":          "report",
	"webpage":         "webpage",
}

// cslItem builds a CSL-JSON object for one record
func cslItem(item *Item, job *Job) map[string]interface{} {
	out := map[string]interface{}{
		"id":   citationKey(item),
		"type": "document",
	}
	if t, ok := cslTypes[item.ItemType]; ok {
		out["type"] = t
	}

	set := func(name, value string) {
		if value != "" {
			out[name] = value
		}
	}
	set("title", item.Field("title"))
	container := item.Field("publicationTitle")
	if job.BoolOption("use_journal_abbreviation") && item.Field("journalAbbreviation") != "" {
		container = item.Field("journalAbbreviation")
	}
	set("container-title", container)
	set("volume", item.Field("volume"))
	set("issue", item.Field("issue"))
	set("page", item.Field("pages"))
	set("publisher", item.Field("publisher"))
	set("DOI", item.Field("DOI"))
	set("URL", item.Field("url"))

	if year := item.Year(); year != "" {
		y, _ := strconv.Atoi(year)
		out["issued"] = map[string]interface{}{"date-parts": [][]int{{y}}}
	}

	for _, role := range []string{"author", "editor"} {
		var names []map[string]string
		for _, c := range item.Creators {
			if c.CreatorType != role {
				continue
			}
			if c.Name != "" {
				names = append(names, map[string]string{"literal": c.Name})
			} else {
				names = append(names, map[string]string{"family": c.LastName, "given": c.FirstName})
			}
		}
		if len(names) > 0 {
			out[role] = names
		}
	}
	return out
}

// CSLJSON renders a CSL-JSON array
type CSLJSON struct{}

// Entry implements Converter
func (CSLJSON) Entry(item *Item, job *Job) (string, map[string]interface{}, error) {
	csl := cslItem(item, job)
	data, err := json.MarshalIndent(csl, "  ", "  ")
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to encode item %d", item.ID)
	}
	return "  " + string(data), map[string]interface{}{"citation_key": csl["id"]}, nil
}

// Assemble implements Converter
func (CSLJSON) Assemble(fragments []string, _ *Job) (string, error) {
	if len(fragments) == 0 {
		return "[]\n", nil
	}
	return "[\n" + strings.Join(fragments, ",\n") + "\n]\n", nil
}

// CSLYAML renders CSL-YAML. Fragments are the CSL objects as JSON so they can
// be cached independently of YAML layout.
type CSLYAML struct{}

// Entry implements Converter
func (CSLYAML) Entry(item *Item, job *Job) (string, map[string]interface{}, error) {
	csl := cslItem(item, job)
	data, err := json.Marshal(csl)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to encode item %d", item.ID)
	}
	return string(data), map[string]interface{}{"citation_key": csl["id"]}, nil
}

// Assemble implements Converter
func (CSLYAML) Assemble(fragments []string, _ *Job) (string, error) {
	refs := make([]map[string]interface{}, 0, len(fragments))
	for i, f := range fragments {
		var ref map[string]interface{}
		if err := json.Unmarshal([]byte(f), &ref); err != nil {
			return "", errors.Wrapf(err, "corrupt fragment %d", i)
		}
		refs = append(refs, ref)
	}
	data, err := yaml.Marshal(map[string]interface{}{"references": refs})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode references")
	}
	return "---\n" + string(data) + "...\n", nil
}

// NativeJSON dumps the records as exported, with the export configuration
// and collections, for lossless round trips
type NativeJSON struct{}

// Entry implements Converter
func (NativeJSON) Entry(item *Item, job *Job) (string, map[string]interface{}, error) {
	clone := *item
	if !job.BoolOption("export_notes") {
		clone.Notes = nil
	}
	if !job.BoolOption("export_file_data") {
		clone.Attachments = nil
	}
	data, err := json.Marshal(clone)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to encode item %d", item.ID)
	}
	return string(data), nil, nil
}

// Assemble implements Converter
func (NativeJSON) Assemble(fragments []string, job *Job) (string, error) {
	items := make([]json.RawMessage, len(fragments))
	for i, f := range fragments {
		items[i] = json.RawMessage(f)
	}
	collections := job.Collections
	if collections == nil {
		collections = []Collection{}
	}
	data, err := json.MarshalIndent(map[string]interface{}{
		"config":      map[string]interface{}{"options": job.Options, "preferences": job.Preferences},
		"collections": collections,
		"items":       items,
	}, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode export")
	}
	return string(data) + "\n", nil
}
