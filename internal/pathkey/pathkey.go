// Package pathkey implements PathKey, the canonical slash-rooted identifier
// for a file or folder in the hybrid tree. Normalization uses
// golang.org/x/text/unicode/norm to compare names consistently regardless
// of which composed/decomposed form the filesystem or remote returned.
package pathkey

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Form selects the Unicode normalization form applied to every path segment.
type Form int

// Supported forms, selected by the unicodeNormalizeForm config option.
const (
	NFC Form = iota
	NFD
	NFKC
	NFKD
)

// ParseForm converts a config string ("nfc", "nfd", "nfkc", "nfkd") into a
// Form, defaulting to NFC for anything unrecognized.
func ParseForm(s string) Form {
	switch strings.ToLower(s) {
	case "nfd":
		return NFD
	case "nfkc":
		return NFKC
	case "nfkd":
		return NFKD
	default:
		return NFC
	}
}

func (f Form) normalizer() norm.Form {
	switch f {
	case NFD:
		return norm.NFD
	case NFKC:
		return norm.NFKC
	case NFKD:
		return norm.NFKD
	default:
		return norm.NFC
	}
}

// TempPredicate reports whether a leaf name is a host-defined temp file
// (e.g. OS shadow/lock files) that must never be synced or listed remotely.
type TempPredicate func(name string) bool

// NoTempFiles is a TempPredicate that never matches; useful for tests and
// hosts with no temp-file convention.
func NoTempFiles(string) bool { return false }

// Key is a canonical, normalized, slash-rooted path identifier.
type Key struct {
	form  Form
	value string // always starts with "/", never ends with "/" unless root
}

// Root is the canonical root key "/".
func Root(form Form) Key {
	return Key{form: form, value: "/"}
}

// New builds a Key from a raw, possibly un-normalized, possibly
// backslash-separated path. Each segment is normalized independently so a
// later per-segment temp-file check operates on normalized text.
func New(form Form, raw string) Key {
	raw = strings.ReplaceAll(raw, "\\", "/")
	segs := splitSegments(raw)

	nf := form.normalizer()
	for i, s := range segs {
		segs[i] = nf.String(s)
	}

	if len(segs) == 0 {
		return Key{form: form, value: "/"}
	}

	return Key{form: form, value: "/" + strings.Join(segs, "/")}
}

func splitSegments(raw string) []string {
	parts := strings.Split(raw, "/")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p == "" {
			continue
		}

		out = append(out, p)
	}

	return out
}

// String returns the canonical path string, e.g. "/a/b.txt".
func (k Key) String() string {
	if k.value == "" {
		return "/"
	}

	return k.value
}

// IsRoot reports whether k is the root.
func (k Key) IsRoot() bool {
	return k.value == "" || k.value == "/"
}

// Name returns the final path segment ("" for root).
func (k Key) Name() string {
	if k.IsRoot() {
		return ""
	}

	idx := strings.LastIndex(k.value, "/")

	return k.value[idx+1:]
}

// Parent returns the key for the containing folder. Parent of root is root.
func (k Key) Parent() Key {
	if k.IsRoot() {
		return k
	}

	idx := strings.LastIndex(k.value, "/")
	if idx <= 0 {
		return Key{form: k.form, value: "/"}
	}

	return Key{form: k.form, value: k.value[:idx]}
}

// Child builds the key for a named child of k.
func (k Key) Child(name string) Key {
	nf := k.form.normalizer()
	name = nf.String(name)

	if k.IsRoot() {
		return Key{form: k.form, value: "/" + name}
	}

	return Key{form: k.form, value: k.value + "/" + name}
}

// HasPrefix reports whether k is equal to prefix or nested under it.
func (k Key) HasPrefix(prefix Key) bool {
	if prefix.IsRoot() {
		return true
	}

	if k.value == prefix.value {
		return true
	}

	return strings.HasPrefix(k.value, prefix.value+"/")
}

// Equal reports value equality (form-insensitive: two Keys normalized to
// different forms from the same name still compare their string form).
func (k Key) Equal(other Key) bool {
	return k.value == other.value
}

// HasDottedSegment reports whether any path segment starts with '.'. Such
// paths are rejected for remote mutation with NotSupported regardless of
// local behavior.
func (k Key) HasDottedSegment() bool {
	for _, seg := range splitSegments(k.value) {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}

	return false
}

// IsTemp reports whether the leaf name matches the supplied predicate.
func (k Key) IsTemp(pred TempPredicate) bool {
	if pred == nil {
		return false
	}

	return pred(k.Name())
}
