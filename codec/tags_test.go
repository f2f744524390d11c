package codec

import (
	"math"
	"regexp"
	"testing"
	"time"
)

func TestEncodeDecodeDate(t *testing.T) {
	c := New()
	now := time.Now().UTC().Truncate(time.Millisecond)
	data, err := c.Encode(now)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gt, ok := got.(time.Time)
	if !ok {
		t.Fatalf("Decode returned %T, want time.Time", got)
	}
	if !gt.Equal(now) {
		t.Fatalf("got %v, want %v", gt, now)
	}
}

func TestEncodeDecodeNonFinite(t *testing.T) {
	c := New()
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		data, err := c.Encode(f)
		if err != nil {
			t.Fatalf("Encode(%v): %v", f, err)
		}
		got, err := c.Decode(data)
		if err != nil {
			t.Fatalf("Decode(%v): %v", f, err)
		}
		gf, ok := got.(float64)
		if !ok {
			t.Fatalf("Decode returned %T, want float64", got)
		}
		if math.IsNaN(f) {
			if !math.IsNaN(gf) {
				t.Fatalf("got %v, want NaN", gf)
			}
			continue
		}
		if gf != f {
			t.Fatalf("got %v, want %v", gf, f)
		}
	}
}

func TestEncodeDecodeBinary(t *testing.T) {
	c := New()
	want := []byte{0x01, 0x02, 0xff, 0x00}
	data, err := c.Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gb, ok := got.([]byte)
	if !ok {
		t.Fatalf("Decode returned %T, want []byte", got)
	}
	if string(gb) != string(want) {
		t.Fatalf("got %v, want %v", gb, want)
	}
}

func TestEncodeDecodeRegexp(t *testing.T) {
	c := New()
	re := regexp.MustCompile(`^a+b*$`)
	data, err := c.Encode(re)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gr, ok := got.(*regexp.Regexp)
	if !ok {
		t.Fatalf("Decode returned %T, want *regexp.Regexp", got)
	}
	if gr.String() != re.String() {
		t.Fatalf("got %v, want %v", gr, re)
	}
}

func TestEncodeDecodeCustomType(t *testing.T) {
	type point struct{ X, Y int }

	types := NewTypeRegistry()
	types.Register(CustomCodec{
		Name: "point",
		Match: func(v any) bool {
			_, ok := v.(point)
			return ok
		},
		Encode: func(v any) (any, error) {
			p := v.(point)
			return map[string]any{"x": p.X, "y": p.Y}, nil
		},
		Decode: func(v any) (any, error) {
			m := v.(map[string]any)
			return point{X: int(m["x"].(float64)), Y: int(m["y"].(float64))}, nil
		},
	})
	c := &Codec{Types: types}

	data, err := c.Encode(point{X: 3, Y: 4})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gp, ok := got.(point)
	if !ok {
		t.Fatalf("Decode returned %T, want point", got)
	}
	if gp != (point{X: 3, Y: 4}) {
		t.Fatalf("got %v, want {3 4}", gp)
	}
}

func TestEncodeEscapesReservedKey(t *testing.T) {
	c := New()
	data, err := c.Encode(map[string]any{"$date": "not actually a date"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("Decode returned %T, want map[string]any", got)
	}
	if m["$date"] != "not actually a date" {
		t.Fatalf("got %v, want original map preserved", m)
	}
}

func TestEncodeRejectsCycle(t *testing.T) {
	c := New()
	m := map[string]any{}
	m["self"] = m
	if _, err := c.Encode(m); err != ErrCyclicValue {
		t.Fatalf("got err %v, want ErrCyclicValue", err)
	}
}

func TestEncodeDecodePlainValues(t *testing.T) {
	c := New()
	in := map[string]any{
		"name":  "alice",
		"count": float64(3),
		"tags":  []any{"a", "b"},
	}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := got.(map[string]any)
	if m["name"] != "alice" {
		t.Fatalf("got %v", m)
	}
}
