// pkg/core/jsonops.go
package core

// Regional operations on JSON document values. Paths address object
// fields; intermediate objects are created on write, mirroring how
// JSON stores behave on deep sets.

// GetAtPath returns the value at path inside doc.
func GetAtPath(doc Value, path JSONPath) (Value, bool) {
	current := doc
	for _, seg := range path.Segments() {
		if current.Type() != TypeObject {
			return Value{}, false
		}
		next, ok := current.Field(seg)
		if !ok {
			return Value{}, false
		}
		current = next
	}
	return current, true
}

// SetAtPath returns doc with the value at path replaced. Missing
// intermediate objects are created; non-object intermediates are
// overwritten.
func SetAtPath(doc Value, path JSONPath, value Value) Value {
	if path.IsRoot() {
		return value
	}
	return setSegments(doc, path.Segments(), value)
}

func setSegments(doc Value, segments []string, value Value) Value {
	fields := map[string]Value{}
	if doc.Type() == TypeObject {
		fields = doc.Object()
	}
	if len(segments) == 1 {
		fields[segments[0]] = value
		return NewObject(fields)
	}
	child := fields[segments[0]]
	fields[segments[0]] = setSegments(child, segments[1:], value)
	return NewObject(fields)
}

// DeleteAtPath returns doc with the value at path removed, and whether
// anything was removed. Deleting the root yields Null.
func DeleteAtPath(doc Value, path JSONPath) (Value, bool) {
	if path.IsRoot() {
		return NewNull(), !doc.IsNull()
	}
	return deleteSegments(doc, path.Segments())
}

func deleteSegments(doc Value, segments []string) (Value, bool) {
	if doc.Type() != TypeObject {
		return doc, false
	}
	fields := doc.Object()
	if len(segments) == 1 {
		if _, ok := fields[segments[0]]; !ok {
			return doc, false
		}
		delete(fields, segments[0])
		return NewObject(fields), true
	}
	child, ok := fields[segments[0]]
	if !ok {
		return doc, false
	}
	updated, removed := deleteSegments(child, segments[1:])
	if !removed {
		return doc, false
	}
	fields[segments[0]] = updated
	return NewObject(fields), true
}

// MergeRFC7396 applies an RFC 7396 merge patch: object members merge
// recursively, null members delete, everything else replaces.
func MergeRFC7396(target, patch Value) Value {
	if patch.Type() != TypeObject {
		return patch
	}
	fields := map[string]Value{}
	if target.Type() == TypeObject {
		fields = target.Object()
	}
	for name, pv := range patch.Object() {
		if pv.IsNull() {
			delete(fields, name)
			continue
		}
		if pv.Type() == TypeObject {
			fields[name] = MergeRFC7396(fields[name], pv)
			continue
		}
		fields[name] = pv
	}
	return NewObject(fields)
}

// MergeAtPath applies an RFC 7396 merge patch at path.
func MergeAtPath(doc Value, path JSONPath, patch Value) Value {
	if path.IsRoot() {
		return MergeRFC7396(doc, patch)
	}
	current, _ := GetAtPath(doc, path)
	return SetAtPath(doc, path, MergeRFC7396(current, patch))
}
