package domain

import (
	"fmt"
	"regexp"
	"strings"
)

type VarType string

const (
	VarTypeString VarType = "string"
	VarTypeNumber VarType = "number"
	VarTypeJSON   VarType = "json"
	VarTypeFile   VarType = "file"
	VarTypeObject VarType = "object"
	VarTypeArray  VarType = "array"
)

// Variable is the tagged union used for node inputs and outputs. Scalar
// variables carry Value, arrays carry Values, objects carry Properties.
type Variable struct {
	Name        string               `json:"name"`
	Type        VarType              `json:"type"`
	DisplayName string               `json:"display_name,omitempty"`
	Value       interface{}          `json:"value,omitempty"`
	Values      []*Variable          `json:"values,omitempty"`
	Properties  map[string]*Variable `json:"properties,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	MaxLength   int                  `json:"max_length,omitempty"`
	SortOrder   []string             `json:"sort_order,omitempty"`
}

func NewStringVariable(name string, value string) *Variable {
	return &Variable{Name: name, Type: VarTypeString, Value: value}
}

func NewNumberVariable(name string, value float64) *Variable {
	return &Variable{Name: name, Type: VarTypeNumber, Value: value}
}

func NewFileVariable(name string, ref string) *Variable {
	return &Variable{Name: name, Type: VarTypeFile, Value: ref}
}

func NewObjectVariable(name string, properties map[string]*Variable) *Variable {
	if properties == nil {
		properties = make(map[string]*Variable)
	}
	return &Variable{Name: name, Type: VarTypeObject, Properties: properties}
}

func NewArrayVariable(name string, values ...*Variable) *Variable {
	return &Variable{Name: name, Type: VarTypeArray, Values: values}
}

func (v *Variable) IsObject() bool { return v != nil && v.Type == VarTypeObject }
func (v *Variable) IsArray() bool  { return v != nil && v.Type == VarTypeArray }

// IsEmpty reports whether the variable carries no usable value. Containers
// are empty when every member is empty.
func (v *Variable) IsEmpty() bool {
	if v == nil {
		return true
	}
	switch v.Type {
	case VarTypeObject:
		for _, p := range v.Properties {
			if !p.IsEmpty() {
				return false
			}
		}
		return true
	case VarTypeArray:
		for _, e := range v.Values {
			if !e.IsEmpty() {
				return false
			}
		}
		return true
	default:
		if v.Value == nil {
			return true
		}
		if s, ok := v.Value.(string); ok {
			return s == ""
		}
		return false
	}
}

// ValidateRequired fails when any required property in the tree lacks a
// non-empty value. This is a dedicated pass, the type system does not
// enforce it.
func (v *Variable) ValidateRequired() error {
	if v == nil {
		return nil
	}
	switch v.Type {
	case VarTypeObject:
		for name, p := range v.Properties {
			if p.Required && p.IsEmpty() {
				return NewValidationError(
					fmt.Sprintf("required input %q has no value", name),
					map[string]interface{}{"property": name},
				)
			}
			if err := p.ValidateRequired(); err != nil {
				return err
			}
		}
	case VarTypeArray:
		for _, e := range v.Values {
			if err := e.ValidateRequired(); err != nil {
				return err
			}
		}
	default:
		if v.Required && v.IsEmpty() {
			return NewValidationError(
				fmt.Sprintf("required input %q has no value", v.Name),
				map[string]interface{}{"property": v.Name},
			)
		}
	}
	return nil
}

// Clone returns a deep copy. Per-execution node copies must never share
// variable trees with concurrent executions.
func (v *Variable) Clone() *Variable {
	if v == nil {
		return nil
	}
	out := &Variable{
		Name:        v.Name,
		Type:        v.Type,
		DisplayName: v.DisplayName,
		Value:       v.Value,
		Required:    v.Required,
		MaxLength:   v.MaxLength,
	}
	if v.SortOrder != nil {
		out.SortOrder = append([]string(nil), v.SortOrder...)
	}
	if v.Properties != nil {
		out.Properties = make(map[string]*Variable, len(v.Properties))
		for name, p := range v.Properties {
			out.Properties[name] = p.Clone()
		}
	}
	if v.Values != nil {
		out.Values = make([]*Variable, len(v.Values))
		for i, e := range v.Values {
			out.Values[i] = e.Clone()
		}
	}
	return out
}

// Flatten reduces the variable tree to a plain map keyed by property name.
// The receiver's own name is not part of the keys; nested objects contribute
// dotted segments, arrays flatten to plain slices of values.
func (v *Variable) Flatten() map[string]interface{} {
	out := make(map[string]interface{})
	if v == nil {
		return out
	}
	if v.Type == VarTypeObject {
		for _, p := range v.Properties {
			p.flattenInto("", out)
		}
		return out
	}
	v.flattenInto("", out)
	return out
}

func (v *Variable) flattenInto(prefix string, out map[string]interface{}) {
	if v == nil {
		return
	}
	key := v.Name
	if prefix != "" {
		key = prefix + "." + v.Name
	}
	switch v.Type {
	case VarTypeObject:
		for _, p := range v.Properties {
			p.flattenInto(key, out)
		}
	case VarTypeArray:
		vals := make([]interface{}, 0, len(v.Values))
		for _, e := range v.Values {
			vals = append(vals, e.Value)
		}
		out[key] = vals
	default:
		out[key] = v.Value
	}
}

// SetProperty inserts or replaces an object property.
func (v *Variable) SetProperty(p *Variable) {
	if v.Properties == nil {
		v.Properties = make(map[string]*Variable)
	}
	v.Properties[p.Name] = p
}

// Property returns a named property of an object variable.
func (v *Variable) Property(name string) (*Variable, bool) {
	if v == nil || v.Properties == nil {
		return nil, false
	}
	p, ok := v.Properties[name]
	return p, ok
}

// MergeFrom overlays other onto v. Scalar values from other win; object
// properties merge recursively; array values append; mismatched shapes are
// replaced by other wholesale.
func (v *Variable) MergeFrom(other *Variable) {
	if other == nil || other.IsEmpty() {
		return
	}
	switch {
	case v.IsObject() && other.IsObject():
		for name, p := range other.Properties {
			if existing, ok := v.Properties[name]; ok {
				existing.MergeFrom(p)
			} else {
				v.SetProperty(p.Clone())
			}
		}
	case v.IsArray() && other.IsArray():
		for _, e := range other.Values {
			v.Values = append(v.Values, e.Clone())
		}
	case v.Type == VarTypeJSON && other.Type == VarTypeJSON:
		v.Value = mergeJSONScalars(v.Value, other.Value)
	case v.IsObject() || v.IsArray() || other.IsObject() || other.IsArray():
		name := v.Name
		*v = *other.Clone()
		v.Name = name
	default:
		v.Value = other.Value
	}
}

var refPattern = regexp.MustCompile(`<<([A-Za-z0-9_-]+)\.(inputs|outputs)\.([A-Za-z0-9_.-]+)>>`)

// RefResolver resolves a cross-node reference to a concrete value.
// ok is false when the reference cannot be satisfied from the context.
type RefResolver func(nodeID, section, field string) (interface{}, bool)

// SubstituteRefs resolves every <<node_id.outputs.field>> reference in the
// variable tree in place. A string that is exactly one reference is replaced
// by the raw referenced value so non-string types survive; references inside
// a longer string are interpolated textually.
func (v *Variable) SubstituteRefs(resolve RefResolver) error {
	if v == nil {
		return nil
	}
	switch v.Type {
	case VarTypeObject:
		for _, p := range v.Properties {
			if err := p.SubstituteRefs(resolve); err != nil {
				return err
			}
		}
		return nil
	case VarTypeArray:
		for _, e := range v.Values {
			if err := e.SubstituteRefs(resolve); err != nil {
				return err
			}
		}
		return nil
	}

	s, ok := v.Value.(string)
	if !ok || !strings.Contains(s, "<<") {
		return nil
	}

	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		val, found := resolve(m[1], m[2], m[3])
		if !found {
			return NewConsistencyError(
				fmt.Sprintf("unresolved reference %s", s),
				map[string]interface{}{"reference": s},
			)
		}
		v.Value = val
		return nil
	}

	var resolveErr error
	v.Value = refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		val, found := resolve(m[1], m[2], m[3])
		if !found {
			resolveErr = NewConsistencyError(
				fmt.Sprintf("unresolved reference %s", ref),
				map[string]interface{}{"reference": ref},
			)
			return ref
		}
		return fmt.Sprintf("%v", val)
	})
	return resolveErr
}

// SubstituteString resolves references inside a free-form string, such as a
// prompt template.
func SubstituteString(s string, resolve RefResolver) (string, error) {
	var resolveErr error
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		val, found := resolve(m[1], m[2], m[3])
		if !found {
			resolveErr = NewConsistencyError(
				fmt.Sprintf("unresolved reference %s", ref),
				map[string]interface{}{"reference": ref},
			)
			return ref
		}
		return fmt.Sprintf("%v", val)
	})
	return out, resolveErr
}
