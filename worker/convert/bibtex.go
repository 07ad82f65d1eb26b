package convert

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// BibTeX renders BibTeX, or BibLaTeX when BibLaTeX is set
type BibTeX struct {
	BibLaTeX bool
}

var bibtexTypes = map[string]string{
	"journalArticle":  "article",
	"magazineArticle": "article",
	"book":            "book",
	"bookSection":     "incollection",
	"conferencePaper": "inproceedings",
	"thesis":          "phdthesis",
	"report":          "techreport",
	"webpage":         "misc",
}

var biblatexTypes = map[string]string{
	"journalArticle":  "article",
	"magazineArticle": "article",
	"book":            "book",
	"bookSection":     "incollection",
	"conferencePaper": "inproceedings",
	"thesis":          "thesis",
	"report":          "report",
	"webpage":         "online",
}

var bibEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`&`, `\&`,
	`%`, `\%`,
	`$`, `\$`,
	`#`, `\#`,
	`_`, `\_`,
	`{`, `\{`,
	`}`, `\}`,
)

type bibField struct {
	name, value string
}

// Entry implements Converter
func (b BibTeX) Entry(item *Item, job *Job) (string, map[string]interface{}, error) {
	types := bibtexTypes
	if b.BibLaTeX {
		types = biblatexTypes
	}
	entryType, ok := types[item.ItemType]
	if !ok {
		entryType = "misc"
	}
	key := citationKey(item)

	var fields []bibField
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, bibField{name, bibEscaper.Replace(value)})
		}
	}

	add("title", item.Field("title"))
	if names := creatorList(item, "author"); names != "" {
		fields = append(fields, bibField{"author", names})
	}
	if names := creatorList(item, "editor"); names != "" {
		fields = append(fields, bibField{"editor", names})
	}

	container := item.Field("publicationTitle")
	if job.BoolOption("use_journal_abbreviation") && item.Field("journalAbbreviation") != "" {
		container = item.Field("journalAbbreviation")
	}
	if b.BibLaTeX {
		add("date", item.Field("date"))
		if item.ItemType == "bookSection" || item.ItemType == "conferencePaper" {
			add("booktitle", container)
		} else {
			add("journaltitle", container)
		}
	} else {
		add("year", item.Year())
		if item.ItemType == "bookSection" || item.ItemType == "conferencePaper" {
			add("booktitle", container)
		} else {
			add("journal", container)
		}
	}

	add("volume", item.Field("volume"))
	add("number", item.Field("issue"))
	add("pages", item.Field("pages"))
	add("publisher", item.Field("publisher"))
	add("doi", item.Field("DOI"))
	add("url", item.Field("url"))

	if len(item.Tags) > 0 {
		tags := append([]string(nil), item.Tags...)
		sort.Strings(tags)
		add("keywords", strings.Join(tags, ", "))
	}
	if job.BoolOption("export_notes") && len(item.Notes) > 0 {
		add("note", strings.Join(item.Notes, "\n\n"))
	}
	if job.BoolOption("export_file_data") && len(item.Attachments) > 0 {
		fields = append(fields, bibField{"file", fileField(item, job)})
	}
	if job.IntPreference("jabref_format") >= 4 {
		if groups := job.CollectionsOf(item.ID); len(groups) > 0 {
			add("groups", strings.Join(groups, ", "))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "@%s{%s", entryType, key)
	for _, f := range fields {
		fmt.Fprintf(&sb, ",\n  %s = {%s}", f.name, f.value)
	}
	sb.WriteString("\n}\n")

	return sb.String(), map[string]interface{}{"citation_key": key}, nil
}

// Assemble implements Converter
func (b BibTeX) Assemble(fragments []string, job *Job) (string, error) {
	out := strings.Join(fragments, "\n")
	if job.IntPreference("jabref_format") >= 4 && len(job.Collections) > 0 {
		out += "\n" + jabrefGroups(job.Collections)
	}
	return out, nil
}

// jabrefGroups writes the JabRef 4 group tree for the exported collections
func jabrefGroups(collections []Collection) string {
	children := make(map[int64][]Collection)
	known := make(map[int64]bool, len(collections))
	for _, c := range collections {
		known[c.ID] = true
	}
	var roots []Collection
	for _, c := range collections {
		if c.Parent != 0 && known[c.Parent] {
			children[c.Parent] = append(children[c.Parent], c)
		} else {
			roots = append(roots, c)
		}
	}

	var sb strings.Builder
	sb.WriteString("@comment{jabref-meta: databaseType:bibtex;}\n")
	sb.WriteString("@comment{jabref-meta: grouping:\n0 AllEntriesGroup:;\n")
	var walk func(level int, cs []Collection)
	walk = func(level int, cs []Collection) {
		for _, c := range cs {
			fmt.Fprintf(&sb, `%d StaticGroup:%s\;0\;1\;\;\;\;;`+"\n", level, strings.ReplaceAll(c.Name, ";", `\;`))
			walk(level+1, children[c.ID])
		}
	}
	walk(1, roots)
	sb.WriteString("}\n")
	return sb.String()
}

func fileField(item *Item, job *Job) string {
	dir := job.StringOption("export_dir")
	relative := job.BoolPreference("relative_file_paths") && dir != ""

	parts := make([]string, 0, len(item.Attachments))
	for _, a := range item.Attachments {
		path := a.Path
		if relative {
			if rel, err := filepath.Rel(dir, path); err == nil {
				path = rel
			}
		}
		kind := strings.TrimPrefix(filepath.Ext(path), ".")
		parts = append(parts, fmt.Sprintf("%s:%s:%s", escapeFileField(a.Title), escapeFileField(path), kind))
	}
	return strings.Join(parts, ";")
}

func escapeFileField(s string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`, `;`, `\;`).Replace(s)
}

func creatorList(item *Item, role string) string {
	var names []string
	for _, c := range item.Creators {
		if c.CreatorType != role {
			continue
		}
		switch {
		case c.Name != "":
			names = append(names, "{"+bibEscaper.Replace(c.Name)+"}")
		case c.FirstName != "":
			names = append(names, bibEscaper.Replace(c.LastName)+", "+bibEscaper.Replace(c.FirstName))
		default:
			names = append(names, bibEscaper.Replace(c.LastName))
		}
	}
	return strings.Join(names, " and ")
}

// citationKey prefers the stored key, then author+year, then the record key
func citationKey(item *Item) string {
	if item.CitationKey != "" {
		return item.CitationKey
	}
	var author string
	for _, c := range item.Creators {
		if c.LastName != "" {
			author = c.LastName
		} else {
			author = c.Name
		}
		if author != "" {
			break
		}
	}
	key := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, author) + item.Year()
	if key == "" {
		return item.Key
	}
	return key
}
