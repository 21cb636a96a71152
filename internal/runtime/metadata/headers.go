package metadata

import "strings"

// Header is a single record header.
type Header struct {
	Key   string
	Value string
}

// Headers is the ordered list of headers carried by a record. Keys may repeat;
// lookups return the last value written for a key.
type Headers []Header

// New constructs Headers from alternating key/value pairs.
func New(pairs ...string) Headers {
	h := make(Headers, 0, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h = append(h, Header{Key: pairs[i], Value: pairs[i+1]})
	}
	return h
}

// FromMap converts a map into Headers ordered by key.
func FromMap(m map[string]string) Headers {
	if len(m) == 0 {
		return nil
	}
	h := make(Headers, 0, len(m))
	for k, v := range m {
		h = append(h, Header{Key: k, Value: v})
	}
	h.sortByKey()
	return h
}

// Get returns the last value for key.
func (h Headers) Get(key string) (string, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Key == key {
			return h[i].Value, true
		}
	}
	return "", false
}

// Value returns the last value for key or "" when absent.
func (h Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Values returns every value for key in the order they were written.
func (h Headers) Values(key string) []string {
	var out []string
	for _, hdr := range h {
		if hdr.Key == key {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Clone returns a copy that does not alias h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	cloned := make(Headers, len(h))
	copy(cloned, h)
	return cloned
}

// With returns a copy of h with key appended.
func (h Headers) With(key, value string) Headers {
	cloned := make(Headers, len(h), len(h)+1)
	copy(cloned, h)
	return append(cloned, Header{Key: key, Value: value})
}

// Map flattens h into a map; later values win.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, hdr := range h {
		m[hdr.Key] = hdr.Value
	}
	return m
}

func (h Headers) String() string {
	parts := make([]string, 0, len(h))
	for _, hdr := range h {
		parts = append(parts, hdr.Key+"="+hdr.Value)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (h Headers) sortByKey() {
	// insertion sort keeps equal keys stable and header lists are short
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h[j].Key < h[j-1].Key; j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}
