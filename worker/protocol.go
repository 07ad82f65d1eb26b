// Package worker talks to the background converter process.
//
// The converter runs out of process and is reused across jobs. Channel is the
// client side: it launches the worker lazily, sends one initialize message per
// process and one start message per job, and reads the job's messages until a
// terminal done or error. Serve is the worker side. Messages are JSON frames
// with a big-endian uint32 length prefix.
package worker

import (
	"encoding/json"

	"github.com/teranos/bibexport/worker/convert"
)

// Kind tags a message
type Kind string

const (
	KindInitialize Kind = "initialize" // → worker, once per process
	KindStart      Kind = "start"      // → worker, once per job
	KindItem       Kind = "item"       // ← one record finished
	KindProgress   Kind = "progress"   // ← percentage and status text
	KindCache      Kind = "cache"      // ← fragment worth caching
	KindDebug      Kind = "debug"      // ← preformatted diagnostic
	KindError      Kind = "error"      // ← job failed (terminal)
	KindDone       Kind = "done"       // ← job finished (terminal)
)

// IsTerminal reports whether the kind ends a job
func (k Kind) IsTerminal() bool {
	return k == KindError || k == KindDone
}

// Message is one frame on the channel. Only the fields of its Kind are set.
type Message struct {
	Kind Kind   `json:"kind"`
	Job  string `json:"job,omitempty"`

	Environment *Environment    `json:"environment,omitempty"` // initialize
	Config      json.RawMessage `json:"config,omitempty"`      // start: encoded StartPayload

	ItemID   int64                  `json:"item,omitempty"`     // item, cache
	Entry    string                 `json:"entry,omitempty"`    // cache
	Metadata map[string]interface{} `json:"metadata,omitempty"` // cache

	Percent int    `json:"percent,omitempty"` // progress
	Text    string `json:"text,omitempty"`    // progress status, debug text, error message

	// Output is the final result of done. Absent and empty are both the empty
	// string to the caller.
	Output *string `json:"output,omitempty"`
}

// Environment describes the client to the worker
type Environment struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Client   string `json:"client"`
	Debug    bool   `json:"debug"`
}

// CacheEntry is a cached fragment handed to the worker
type CacheEntry struct {
	Entry    string                 `json:"entry"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Data is the record payload of a job. Items holds only the records the
// worker must convert; Order lists every record of the export, and records
// missing from Items are found in Cache.
type Data struct {
	Items       []convert.Item       `json:"items"`
	Order       []int64              `json:"order"`
	Collections []convert.Collection `json:"collections,omitempty"`
	Cache       map[int64]CacheEntry `json:"cache,omitempty"`
}

// StartPayload configures one job
type StartPayload struct {
	Preferences map[string]interface{} `json:"preferences"`
	Options     map[string]interface{} `json:"options"`
	Data        Data                   `json:"data"`
	// Converter is the descriptor label, Implementation the converter to run
	Converter      string `json:"converter"`
	Implementation string `json:"implementation"`
	// Output, when set, is written by the worker itself
	Output       string `json:"output"`
	DebugEnabled bool   `json:"debugEnabled"`
	// Cacheable asks the worker to emit cache messages for converted records
	Cacheable  bool   `json:"cacheable"`
	AutoExport string `json:"autoExport,omitempty"`
}

// Encode renders the payload as the single block carried by a start message
func (p *StartPayload) Encode() (json.RawMessage, error) {
	return json.Marshal(p)
}
