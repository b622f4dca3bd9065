// Package presence tracks connected and recently connected clients and
// nodes under a monotonically increasing version.
package presence

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Reasons recorded on an entry's last mutation.
const (
	ReasonConnect          = "connect"
	ReasonDisconnect       = "disconnect"
	ReasonNodeConnected    = "node-connected"
	ReasonNodeDisconnected = "node-disconnected"
	ReasonSelf             = "self"
	ReasonPeriodic         = "periodic"
)

// Entry is one presence record as exposed to clients.
type Entry struct {
	Key              string   `json:"key"`
	Host             string   `json:"host,omitempty"`
	IP               string   `json:"ip,omitempty"`
	Version          string   `json:"version,omitempty"`
	Platform         string   `json:"platform,omitempty"`
	DeviceFamily     string   `json:"deviceFamily,omitempty"`
	ModelIdentifier  string   `json:"modelIdentifier,omitempty"`
	Mode             string   `json:"mode,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	LastInputSeconds *int64   `json:"lastInputSeconds,omitempty"`
	Text             string   `json:"text,omitempty"`
	InstanceID       string   `json:"instanceId,omitempty"`
	DeviceID         string   `json:"deviceId,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	TS               int64    `json:"ts"`
}

// Update is a partial entry. Empty strings and nil slices leave the existing
// value untouched.
type Update struct {
	Host             string
	IP               string
	Version          string
	Platform         string
	DeviceFamily     string
	ModelIdentifier  string
	Mode             string
	Reason           string
	LastInputSeconds *int64
	Text             string
	InstanceID       string
	DeviceID         string
	Roles            []string
	Scopes           []string
}

// ChangeFunc is invoked after every committed mutation with the new version
// and a snapshot of all entries. It runs with the registry locked, so it must
// not call back into the registry.
type ChangeFunc func(version int64, entries []Entry)

// Options configures a Registry.
type Options struct {
	Now      func() time.Time
	OnChange ChangeFunc
}

// Registry is the versioned presence map. Entries are never removed on
// disconnect, only overwritten, so operators keep a "last seen" view until
// Prune runs.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	version  int64
	now      func() time.Time
	onChange ChangeFunc
}

// New creates an empty registry at version 1.
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries:  make(map[string]*Entry),
		version:  1,
		now:      opts.Now,
		onChange: opts.OnChange,
	}
}

// Upsert merges u into the entry for key, creating it when absent, and
// returns the merged entry. Blank keys are ignored.
func (r *Registry) Upsert(key string, u Update) (Entry, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &Entry{Key: key}
		r.entries[key] = e
	}
	merge(e, u)
	e.TS = r.now().UnixMilli()
	out := clone(*e)
	r.commitLocked()
	return out, true
}

// Get returns the entry for key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(key)]
	if !ok {
		return Entry{}, false
	}
	return clone(*e), true
}

// List returns a snapshot of all entries, most recently updated first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Version returns the current presence version.
func (r *Registry) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Snapshot returns entries and version read under one lock.
func (r *Registry) Snapshot() ([]Entry, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(), r.version
}

// Prune removes disconnected entries last updated more than maxAge ago and
// returns how many were removed. A prune that removes anything counts as one
// mutation.
func (r *Registry) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge).UnixMilli()
	removed := 0
	for key, e := range r.entries {
		if !isDisconnected(e.Reason) || e.TS > cutoff {
			continue
		}
		delete(r.entries, key)
		removed++
	}
	if removed > 0 {
		r.commitLocked()
	}
	return removed
}

// commitLocked is the single place the version moves.
func (r *Registry) commitLocked() {
	r.version++
	if r.onChange != nil {
		r.onChange(r.version, r.listLocked())
	}
}

func (r *Registry) listLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, clone(*e))
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if a.TS != b.TS {
			if a.TS > b.TS {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

func isDisconnected(reason string) bool {
	return reason == ReasonDisconnect || reason == ReasonNodeDisconnected
}

func merge(e *Entry, u Update) {
	setString(&e.Host, u.Host)
	setString(&e.IP, u.IP)
	setString(&e.Version, u.Version)
	setString(&e.Platform, u.Platform)
	setString(&e.DeviceFamily, u.DeviceFamily)
	setString(&e.ModelIdentifier, u.ModelIdentifier)
	setString(&e.Mode, u.Mode)
	setString(&e.Reason, u.Reason)
	setString(&e.Text, u.Text)
	setString(&e.InstanceID, u.InstanceID)
	setString(&e.DeviceID, u.DeviceID)
	if u.LastInputSeconds != nil {
		v := *u.LastInputSeconds
		e.LastInputSeconds = &v
	}
	if u.Roles != nil {
		e.Roles = slices.Clone(u.Roles)
	}
	if u.Scopes != nil {
		e.Scopes = slices.Clone(u.Scopes)
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func clone(e Entry) Entry {
	e.Roles = slices.Clone(e.Roles)
	e.Scopes = slices.Clone(e.Scopes)
	if e.LastInputSeconds != nil {
		v := *e.LastInputSeconds
		e.LastInputSeconds = &v
	}
	return e
}
