// Package catalog is the registry of converter descriptors.
//
// The exporter only reads descriptors: it resolves a user-supplied converter
// name to an id, looks descriptors up by id or label and fills in default
// display options. Installation state lives in the cache package, which
// compares descriptor hashes on startup.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/logger"
)

//go:embed converters.yaml
var builtinYAML []byte

// Target kinds
const (
	TargetBib  = "bib"
	TargetJSON = "json"
	TargetYAML = "yaml"
	TargetText = "txt"
)

// Descriptor identifies one output format
type Descriptor struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Target string `yaml:"target" json:"target"`
	// Converter names the implementation the worker runs
	Converter      string                 `yaml:"converter" json:"converter"`
	DisplayOptions map[string]interface{} `yaml:"display_options,omitempty" json:"display_options,omitempty"`

	// WantsCollections: the worker receives collection metadata with the items
	WantsCollections bool `yaml:"wants_collections,omitempty" json:"wants_collections,omitempty"`
	// EmbedsCollections: output can carry collection membership (JabRef groups)
	EmbedsCollections bool `yaml:"embeds_collections,omitempty" json:"embeds_collections,omitempty"`
	// NoCache disables the per-record cache for this converter outright
	NoCache bool `yaml:"no_cache,omitempty" json:"no_cache,omitempty"`

	Hash       string `yaml:"hash,omitempty" json:"hash,omitempty"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"` // semver constraint on the app version
}

// CheckCompatible verifies the descriptor's version constraint against appVersion.
// Descriptors without a constraint, and dev builds, are always compatible.
func (d *Descriptor) CheckCompatible(appVersion string) error {
	if d.MinVersion == "" {
		return nil
	}
	ver, err := semver.NewVersion(appVersion)
	if err != nil {
		// dev builds carry no usable version
		return nil
	}
	constraint, err := semver.NewConstraint(d.MinVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid version constraint %s for %s", d.MinVersion, d.Label)
	}
	if !constraint.Check(ver) {
		return errors.Newf("converter %s requires %s, but running %s", d.Label, d.MinVersion, appVersion)
	}
	return nil
}

func (d *Descriptor) computeHash() string {
	clone := *d
	clone.Hash = ""
	data, _ := json.Marshal(clone)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Catalog indexes descriptors by id and label
type Catalog struct {
	mu      sync.RWMutex
	byID    map[string]*Descriptor
	byLabel map[string]*Descriptor
}

// New builds a catalog from descriptors. Later descriptors replace earlier
// ones with the same id.
func New(descs ...*Descriptor) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[string]*Descriptor),
		byLabel: make(map[string]*Descriptor),
	}
	for _, d := range descs {
		if err := c.add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Builtin returns the catalog of converters shipped with the binary
func Builtin() *Catalog {
	descs, err := parse(builtinYAML)
	if err != nil {
		panic(errors.Wrap(err, "built-in converter catalog is corrupt"))
	}
	c, err := New(descs...)
	if err != nil {
		panic(errors.Wrap(err, "built-in converter catalog is corrupt"))
	}
	return c
}

// Load returns the built-in catalog extended with descriptors from extraPath
// (may be empty). Descriptors incompatible with appVersion are skipped.
func Load(extraPath, appVersion string) (*Catalog, error) {
	descs, err := parse(builtinYAML)
	if err != nil {
		return nil, errors.Wrap(err, "built-in converter catalog is corrupt")
	}

	if extraPath != "" {
		data, err := os.ReadFile(extraPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read converter catalog %s", extraPath)
		}
		extra, err := parse(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse converter catalog %s", extraPath)
		}
		descs = append(descs, extra...)
	}

	var usable []*Descriptor
	for _, d := range descs {
		if err := d.CheckCompatible(appVersion); err != nil {
			logger.Warnw("Skipping converter", "label", d.Label, "error", err)
			continue
		}
		usable = append(usable, d)
	}
	return New(usable...)
}

func parse(data []byte) ([]*Descriptor, error) {
	var descs []*Descriptor
	if err := yaml.Unmarshal(data, &descs); err != nil {
		return nil, err
	}
	return descs, nil
}

func (c *Catalog) add(d *Descriptor) error {
	if d.ID == "" || d.Label == "" {
		return errors.NewInvalidRequestError("converter descriptor needs an id and a label (got %q/%q)", d.ID, d.Label)
	}
	if d.Converter == "" {
		return errors.NewInvalidRequestError("converter %s does not name an implementation", d.Label)
	}
	if d.Hash == "" {
		d.Hash = d.computeHash()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[d.ID]; ok {
		delete(c.byLabel, old.Label)
	}
	c.byID[d.ID] = d
	c.byLabel[d.Label] = d
	return nil
}

// ByID looks a descriptor up by id
func (c *Catalog) ByID(id string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("converter %s not found", id)
	}
	return d, nil
}

// ByLabel looks a descriptor up by its exact label
func (c *Catalog) ByLabel(label string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byLabel[label]
	if !ok {
		return nil, errors.NewNotFoundError("converter %q not found", label)
	}
	return d, nil
}

// Descriptors returns all descriptors ordered by label
func (c *Catalog) Descriptors() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Descriptor, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

var shortcuts = map[string]string{
	"json":     "Better CSL JSON",
	"yaml":     "Better CSL YAML",
	"jzon":     "BetterBibTeX JSON",
	"bib":      "Better BibLaTeX",
	"biblatex": "Better BibLaTeX",
	"bibtex":   "Better BibTeX",
}

// labelTargets are the target kinds addressable by label
var labelTargets = map[string]bool{TargetYAML: true, TargetJSON: true, TargetBib: true}

// ResolveID turns a user-supplied converter name into a converter id.
// It accepts a shortcut (json, yaml, jzon, bib, biblatex, bibtex), a label
// ignoring case and whitespace (for bib/json/yaml targets), or an id.
func (c *Catalog) ResolveID(name string) (string, error) {
	if label, ok := shortcuts[strings.ToLower(name)]; ok {
		if d, err := c.ByLabel(label); err == nil {
			return d.ID, nil
		}
	}

	squashed := squash(name)
	c.mu.RLock()
	for _, d := range c.byID {
		if labelTargets[d.Target] && squash(d.Label) == squashed {
			c.mu.RUnlock()
			return d.ID, nil
		}
	}
	c.mu.RUnlock()

	id := strings.Trim(name, "{}")
	if _, err := uuid.Parse(id); err != nil {
		return "", errors.NewInvalidRequestError("%q is not a known converter", name)
	}
	return strings.ToLower(id), nil
}

func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// DisplayOptions returns given completed with the converter's defaults.
// Keys the converter does not declare are kept.
func (c *Catalog) DisplayOptions(id string, given map[string]interface{}) (map[string]interface{}, error) {
	d, err := c.ByID(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(d.DisplayOptions)+len(given))
	for k, v := range d.DisplayOptions {
		out[k] = v
	}
	for k, v := range given {
		out[k] = v
	}
	return out, nil
}
