package cache

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/mr-tron/base58"
)

// Option keys that never take part in fingerprints. They only locate the
// output file, and a cacheable export does not depend on its location.
var volatileOptions = map[string]bool{
	"export_path": true,
	"export_dir":  true,
}

// Fingerprint is the part of an entry key shared by all records of one job
type Fingerprint struct {
	Converter   string
	Options     string
	Preferences string
}

// NewFingerprint derives the fingerprint for a converter label and the
// active display options and preferences.
func NewFingerprint(label string, options, preferences map[string]interface{}) Fingerprint {
	opts := make(map[string]interface{}, len(options))
	for k, v := range options {
		if !volatileOptions[k] {
			opts[k] = v
		}
	}
	return Fingerprint{
		Converter:   label,
		Options:     digest(label, opts),
		Preferences: digest(label, preferences),
	}
}

// Query builds a store query for the given records under this fingerprint
func (fp Fingerprint) Query(itemIDs []int64) Query {
	return Query{
		Converter:     fp.Converter,
		OptionsFP:     fp.Options,
		PreferencesFP: fp.Preferences,
		ItemIDs:       itemIDs,
	}
}

// Key addresses one record under this fingerprint
func (fp Fingerprint) Key(itemID int64) Key {
	return Key{
		Converter:     fp.Converter,
		ItemID:        itemID,
		OptionsFP:     fp.Options,
		PreferencesFP: fp.Preferences,
	}
}

// digest hashes the canonical JSON encoding of values; encoding/json writes
// map keys sorted, so equal maps always hash equally
func digest(label string, values map[string]interface{}) string {
	if values == nil {
		values = map[string]interface{}{}
	}
	data, err := json.Marshal(struct {
		Converter string                 `json:"c"`
		Values    map[string]interface{} `json:"v"`
	}{label, values})
	if err != nil {
		// unencodable values cannot be compared; never share their entries
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return base58.Encode(sum[:])
}
