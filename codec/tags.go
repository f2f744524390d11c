package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"time"
)

// Reserved tag keys. A single-key map using one of these keys is how the
// wire format marks a rich value that would otherwise lose its type
// information going through plain JSON.
const (
	tagDate   = "$date"
	tagInfNaN = "$InfNaN"
	tagBinary = "$binary"
	tagRegexp = "$regexp"
	tagFlags  = "$flags"
	tagEscape = "$escape"
	tagType   = "$type"
	tagValue  = "$value"
)

// ErrCyclicValue is returned by Encode when the value graph contains a cycle.
var ErrCyclicValue = errors.New("codec: cannot encode cyclic value")

// CustomCodec lets an application register a pair of functions that convert
// a named custom type to and from a JSON-compatible value, carried on the
// wire as {"$type": name, "$value": ...}.
type CustomCodec struct {
	Name string
	// Match reports whether v is an instance of this custom type.
	Match func(v any) bool
	// Encode converts v to a JSON-compatible value.
	Encode func(v any) (any, error)
	// Decode converts a previously-encoded value back to the custom type.
	Decode func(v any) (any, error)
}

// TypeRegistry holds the custom type codecs known to an Encoder/Decoder
// pair. The zero value has no custom types registered.
type TypeRegistry struct {
	codecs []CustomCodec
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{}
}

// Register adds a custom type codec. Later registrations take precedence
// over earlier ones that also Match a given value.
func (r *TypeRegistry) Register(c CustomCodec) {
	r.codecs = append(r.codecs, c)
}

func (r *TypeRegistry) findByMatch(v any) *CustomCodec {
	if r == nil {
		return nil
	}
	for i := len(r.codecs) - 1; i >= 0; i-- {
		if r.codecs[i].Match(v) {
			return &r.codecs[i]
		}
	}
	return nil
}

func (r *TypeRegistry) findByName(name string) *CustomCodec {
	if r == nil {
		return nil
	}
	for i := len(r.codecs) - 1; i >= 0; i-- {
		if r.codecs[i].Name == name {
			return &r.codecs[i]
		}
	}
	return nil
}

// Codec pairs an Encode/Decode with an optional TypeRegistry for custom
// types. The zero value is usable and supports every built-in tag.
type Codec struct {
	Types *TypeRegistry
}

// New returns a Codec with no custom types registered.
func New() *Codec {
	return &Codec{Types: NewTypeRegistry()}
}

// visiting tracks pointer/map/slice addresses currently being walked, to
// reject cycles without rejecting merely-shared (DAG) references.
type visiting map[uintptr]bool

// Prepare walks v, replacing rich values with their tagged wire
// representation, ready to be passed to encoding/json.Marshal. It does not
// itself produce bytes so callers (e.g. the one-way push transport) can
// reuse the intermediate value without a double encode/decode round trip.
func (c *Codec) Prepare(v any) (any, error) {
	return c.prepare(reflect.ValueOf(v), visiting{})
}

func (c *Codec) prepare(rv reflect.Value, seen visiting) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	// Built-in rich types checked against the concrete interface value.
	if rv.CanInterface() {
		v := rv.Interface()
		switch t := v.(type) {
		case time.Time:
			return map[string]any{tagDate: t.UnixMilli()}, nil
		case *regexp.Regexp:
			if t == nil {
				return nil, nil
			}
			return map[string]any{tagRegexp: t.String(), tagFlags: ""}, nil
		case []byte:
			return map[string]any{tagBinary: base64.StdEncoding.EncodeToString(t)}, nil
		case float32:
			if enc, ok := encodeNonFinite(float64(t)); ok {
				return enc, nil
			}
		case float64:
			if enc, ok := encodeNonFinite(t); ok {
				return enc, nil
			}
		}
		if cc := c.Types.findByMatch(v); cc != nil {
			encoded, err := cc.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("codec: encode custom type %q: %w", cc.Name, err)
			}
			prepared, err := c.prepare(reflect.ValueOf(encoded), seen)
			if err != nil {
				return nil, err
			}
			return map[string]any{tagType: cc.Name, tagValue: prepared}, nil
		}
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		addr := rv.Pointer()
		if seen[addr] {
			return nil, ErrCyclicValue
		}
		seen[addr] = true
		defer delete(seen, addr)
		return c.prepare(rv.Elem(), seen)

	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.prepare(rv.Elem(), seen)

	case reflect.Map:
		if rv.IsNil() {
			return map[string]any{}, nil
		}
		addr := rv.Pointer()
		if seen[addr] {
			return nil, ErrCyclicValue
		}
		seen[addr] = true
		defer delete(seen, addr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			val, err := c.prepare(iter.Value(), seen)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		if looksTagged(out) {
			return map[string]any{tagEscape: out}, nil
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Kind() == reflect.Slice {
			addr := rv.Pointer()
			if seen[addr] {
				return nil, ErrCyclicValue
			}
			seen[addr] = true
			defer delete(seen, addr)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			val, err := c.prepare(rv.Index(i), seen)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil

	case reflect.Struct:
		// Structs not otherwise recognized above are cloned field-by-field
		// into a plain map, keyed by field name.
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			val, err := c.prepare(rv.Field(i), seen)
			if err != nil {
				return nil, err
			}
			out[f.Name] = val
		}
		if looksTagged(out) {
			return map[string]any{tagEscape: out}, nil
		}
		return out, nil

	default:
		return rv.Interface(), nil
	}
}

// looksTagged reports whether an object's single key is one of the
// reserved tag keys, meaning it must be wrapped in $escape to avoid being
// misread as a tag by a decoder.
func looksTagged(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		switch k {
		case tagDate, tagInfNaN, tagBinary, tagRegexp, tagEscape, tagType:
			return true
		}
	}
	return false
}

func encodeNonFinite(f float64) (any, bool) {
	switch {
	case math.IsNaN(f):
		return map[string]any{tagInfNaN: 0}, true
	case math.IsInf(f, 1):
		return map[string]any{tagInfNaN: 1}, true
	case math.IsInf(f, -1):
		return map[string]any{tagInfNaN: -1}, true
	default:
		return nil, false
	}
}

// Restore walks a decoded generic JSON value (as produced by
// encoding/json.Unmarshal into an any), inverting any tagged sub-objects
// back into their rich Go representation.
func (c *Codec) Restore(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if raw, ok := t[tagDate]; ok {
				ms, ok := toFloat(raw)
				if !ok {
					return nil, fmt.Errorf("codec: invalid %s tag", tagDate)
				}
				return time.UnixMilli(int64(ms)).UTC(), nil
			}
			if raw, ok := t[tagInfNaN]; ok {
				n, ok := toFloat(raw)
				if !ok {
					return nil, fmt.Errorf("codec: invalid %s tag", tagInfNaN)
				}
				switch int(n) {
				case 0:
					return math.NaN(), nil
				case 1:
					return math.Inf(1), nil
				case -1:
					return math.Inf(-1), nil
				default:
					return nil, fmt.Errorf("codec: invalid %s value %v", tagInfNaN, n)
				}
			}
			if raw, ok := t[tagBinary]; ok {
				s, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("codec: invalid %s tag", tagBinary)
				}
				return base64.StdEncoding.DecodeString(s)
			}
			if raw, ok := t[tagEscape]; ok {
				inner, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("codec: invalid %s tag", tagEscape)
				}
				out := make(map[string]any, len(inner))
				for k, val := range inner {
					restored, err := c.Restore(val)
					if err != nil {
						return nil, err
					}
					out[k] = restored
				}
				return out, nil
			}
		}
		if pattern, ok := t[tagRegexp]; ok {
			if ps, ok := pattern.(string); ok {
				return regexp.Compile(ps)
			}
		}
		if name, ok := t[tagType]; ok {
			nameStr, _ := name.(string)
			cc := c.Types.findByName(nameStr)
			if cc == nil {
				return nil, fmt.Errorf("codec: unknown custom type %q", nameStr)
			}
			inner, err := c.Restore(t[tagValue])
			if err != nil {
				return nil, err
			}
			return cc.Decode(inner)
		}

		out := make(map[string]any, len(t))
		for k, val := range t {
			restored, err := c.Restore(val)
			if err != nil {
				return nil, err
			}
			out[k] = restored
		}
		return out, nil

	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			restored, err := c.Restore(val)
			if err != nil {
				return nil, err
			}
			out[i] = restored
		}
		return out, nil

	default:
		return v, nil
	}
}

// Encode prepares v and marshals it to JSON bytes, the two-step process
// every outbound Envelope field (Params/Result) goes through before it hits
// the wire.
func (c *Codec) Encode(v any) ([]byte, error) {
	prepared, err := c.Prepare(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(prepared)
}

// Decode unmarshals JSON bytes into a generic value and restores any
// tagged sub-objects to their rich Go representation.
func (c *Codec) Decode(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return c.Restore(raw)
}

// EncodeEnvelope marshals env to wire bytes, routing its Params and Result
// fields through Prepare first so reserved-tag values (dates, regexps,
// binary, non-finite numbers, custom registered types) round-trip. The
// rest of the envelope's fields are plain strings/bools and need no
// tagging.
func (c *Codec) EncodeEnvelope(env *Envelope) ([]byte, error) {
	out := *env
	if env.Params != nil {
		prepared, err := c.Prepare(env.Params)
		if err != nil {
			return nil, err
		}
		out.Params = prepared
	}
	if env.Result != nil {
		prepared, err := c.Prepare(env.Result)
		if err != nil {
			return nil, err
		}
		out.Result = prepared
	}
	return json.Marshal(&out)
}

// DecodeEnvelope unmarshals wire bytes into an Envelope, restoring any
// tagged values found in Params/Result back to their rich Go
// representation.
func (c *Codec) DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Params != nil {
		restored, err := c.Restore(env.Params)
		if err != nil {
			return nil, err
		}
		env.Params = restored
	}
	if env.Result != nil {
		restored, err := c.Restore(env.Result)
		if err != nil {
			return nil, err
		}
		env.Result = restored
	}
	return &env, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
