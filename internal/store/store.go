// Package store holds helpers shared by the store implementations.
package store

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// EmptyDocument is the context of a workflow nobody has written yet.
var EmptyDocument = domain.Data(`{}`)

// MergeDocument overwrites the top level keys of doc with those in patch.
// Keys absent from patch are kept, so the document only grows.
func MergeDocument(doc, patch domain.Data) (domain.Data, error) {
	if len(doc) == 0 {
		doc = EmptyDocument
	}
	if !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return nil, fmt.Errorf("context document is not a JSON object")
	}
	if len(patch) == 0 {
		return doc, nil
	}
	if !gjson.ValidBytes(patch) {
		return nil, fmt.Errorf("context patch is not valid JSON")
	}
	p := gjson.ParseBytes(patch)
	if !p.IsObject() {
		return nil, fmt.Errorf("context patch must be a JSON object")
	}

	out := append([]byte(nil), doc...)
	var err error
	p.ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, EscapePath(key.String()), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge context key: %w", err)
	}
	return out, nil
}

// FillDocument sets the top level keys of defaults that doc lacks. Keys
// already present in doc are left untouched.
func FillDocument(doc, defaults domain.Data) (domain.Data, error) {
	if len(doc) == 0 {
		doc = EmptyDocument
	}
	if len(defaults) == 0 {
		return doc, nil
	}
	d := gjson.ParseBytes(defaults)
	if !gjson.ValidBytes(defaults) || !d.IsObject() {
		return nil, fmt.Errorf("context defaults must be a JSON object")
	}

	out := append([]byte(nil), doc...)
	var err error
	d.ForEach(func(key, value gjson.Result) bool {
		path := EscapePath(key.String())
		if gjson.GetBytes(out, path).Exists() {
			return true
		}
		out, err = sjson.SetRawBytes(out, path, []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("fill context key: %w", err)
	}
	return out, nil
}

// EscapePath escapes a literal key for use as a gjson/sjson path.
func EscapePath(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Pick returns a document holding only the given top level keys of doc.
// Missing keys are skipped.
func Pick(doc domain.Data, keys []string) domain.Data {
	out := []byte(`{}`)
	for _, k := range keys {
		v := gjson.GetBytes(doc, EscapePath(k))
		if !v.Exists() {
			continue
		}
		if next, err := sjson.SetRawBytes(out, EscapePath(k), []byte(v.Raw)); err == nil {
			out = next
		}
	}
	return out
}
