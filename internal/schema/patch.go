package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Patch maps field names to new JSON values. A key of the form
// "field.element" addresses one member of a set field; its value is a JSON
// boolean (true adds the member, false removes it).
type Patch map[string]json.RawMessage

// ParsePatch decodes a JSON object into a Patch. Empty input yields an
// empty patch.
func ParsePatch(data []byte) (Patch, error) {
	p := Patch{}
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse patch: %w", err)
	}
	return p, nil
}

// PatchOf builds a Patch from plain Go values.
func PatchOf(values map[string]any) (Patch, error) {
	p := make(Patch, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode patch field %s: %w", k, err)
		}
		p[k] = raw
	}
	return p, nil
}

// Keys returns the patch keys in sorted order so merges are deterministic.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON encodes the patch.
func (p Patch) JSON() json.RawMessage {
	if p == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(map[string]json.RawMessage(p))
	if err != nil {
		// RawMessage values were produced by json.Marshal or parsed from JSON
		return json.RawMessage("{}")
	}
	return data
}

// Check verifies every key is writable under spec. When create is true the
// identity fields of a CREATE payload are accepted too.
func (p Patch) Check(spec *Spec, create bool) error {
	for _, key := range p.Keys() {
		field, elem, isElem := strings.Cut(key, ".")
		switch {
		case isElem:
			if !spec.Sets[field] || elem == "" {
				return fmt.Errorf("%s %s has no set field %q", spec.Type, spec.Target, key)
			}
			var present bool
			if err := json.Unmarshal(p[key], &present); err != nil {
				return fmt.Errorf("set member %q must be a boolean: %w", key, err)
			}
		case spec.Mutable[key]:
		case create && spec.Sets[key]:
		case create && key == "kind" && spec == bookmarkSpec:
		case create && (key == "id" || key == "createdAt"):
		default:
			return fmt.Errorf("%s %s field %q is not writable", spec.Type, spec.Target, key)
		}
	}
	return nil
}

// NewFromCreate builds the base document of a CREATE from its payload and
// returns the remaining mutable fields as a patch still to be applied. Set
// fields given as whole arrays are expanded into per-member keys.
func NewFromCreate(spec *Spec, id string, payload Patch, at time.Time) (Document, Patch, error) {
	if err := payload.Check(spec, true); err != nil {
		return nil, nil, err
	}

	createdAt := at
	var kind BookmarkKind
	rest := Patch{}

	for _, key := range payload.Keys() {
		raw := payload[key]
		switch {
		case key == "id":
			var pid string
			if err := json.Unmarshal(raw, &pid); err != nil {
				return nil, nil, fmt.Errorf("invalid id: %w", err)
			}
			if pid != "" && pid != id {
				return nil, nil, fmt.Errorf("payload id %s does not match %s", pid, id)
			}
		case key == "createdAt":
			var t time.Time
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, nil, fmt.Errorf("invalid createdAt: %w", err)
			}
			if !t.IsZero() {
				createdAt = t
			}
		case key == "kind":
			if err := json.Unmarshal(raw, &kind); err != nil {
				return nil, nil, fmt.Errorf("invalid kind: %w", err)
			}
		case spec.Sets[key]:
			var members []string
			if err := json.Unmarshal(raw, &members); err != nil {
				return nil, nil, fmt.Errorf("set field %s must be a string array: %w", key, err)
			}
			for _, m := range members {
				rest[key+"."+m] = json.RawMessage("true")
			}
		default:
			rest[key] = raw
		}
	}

	doc := spec.New(id, createdAt)
	if kind != "" {
		bm := doc.(*BookmarkMeta)
		bm.Kind = kind
	}
	return doc, rest, nil
}

// Apply merges patch into doc field by field and returns the merged copy
// together with the keys that took effect. A key is written only when
// stamp is newer than the stamp already recorded for that key, so
// applying the same set of writes in any order converges on one result.
// doc is not modified.
func Apply(spec *Spec, doc Document, patch Patch, stamp Stamp) (Document, []string, error) {
	if err := patch.Check(spec, false); err != nil {
		return nil, nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s document: %w", spec.Type, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, fmt.Errorf("failed to split %s document: %w", spec.Type, err)
	}

	head := doc.Head()
	stamps := head.Stamps.Clone()
	var applied []string

	for _, key := range patch.Keys() {
		if cur, ok := stamps[key]; ok && !cur.Less(stamp) {
			continue
		}

		field, elem, isElem := strings.Cut(key, ".")
		if isElem {
			var present bool
			if err := json.Unmarshal(patch[key], &present); err != nil {
				return nil, nil, fmt.Errorf("set member %q must be a boolean: %w", key, err)
			}
			members, err := decodeSet(obj[field])
			if err != nil {
				return nil, nil, fmt.Errorf("field %s: %w", field, err)
			}
			enc, err := json.Marshal(setMember(members, elem, present))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode set %s: %w", field, err)
			}
			obj[field] = enc
		} else {
			obj[field] = patch[key]
		}

		stamps[key] = stamp
		applied = append(applied, key)
	}

	delete(obj, "clock")
	delete(obj, "stamps")
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to join %s document: %w", spec.Type, err)
	}

	merged := spec.New("", time.Time{})
	if err := json.Unmarshal(data, merged); err != nil {
		return nil, nil, fmt.Errorf("patch does not fit %s %s document: %w", spec.Type, spec.Target, err)
	}
	merged.Head().Clock = head.Clock.Clone()
	merged.Head().Stamps = stamps
	if len(applied) > 0 {
		merged.Touch(stamp.At)
	}
	if err := merged.Validate(); err != nil {
		return nil, nil, fmt.Errorf("merged %s document is invalid: %w", spec.Type, err)
	}
	return merged, applied, nil
}

func decodeSet(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("not a string array: %w", err)
	}
	return members, nil
}

// setMember returns members with elem added or removed, sorted.
func setMember(members []string, elem string, present bool) []string {
	out := make([]string, 0, len(members)+1)
	for _, m := range members {
		if m != elem {
			out = append(out, m)
		}
	}
	if present {
		out = append(out, elem)
	}
	sort.Strings(out)
	return out
}
