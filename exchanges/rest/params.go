package rest

import (
	"net/url"
	"sort"
	"strings"
)

// Params is an ordered set of request parameters.
type Params struct {
	keys []string
	vals map[string]string
}

func NewParams() *Params {
	return &Params{vals: make(map[string]string)}
}

// Set adds or replaces a parameter. Replacing keeps the original position.
func (p *Params) Set(key, value string) *Params {
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = value
	return p
}

func (p *Params) Get(key string) (string, bool) {
	v, ok := p.vals[key]
	return v, ok
}

func (p *Params) Len() int { return len(p.keys) }

// Canonicalizer renders params into the string that is signed and sent.
type Canonicalizer func(p *Params) string

// InsertionOrder joins key=value pairs in the order they were set.
func InsertionOrder(p *Params) string {
	return encode(p, p.keys)
}

// SortedByKey joins key=value pairs sorted by key.
func SortedByKey(p *Params) string {
	keys := append([]string(nil), p.keys...)
	sort.Strings(keys)
	return encode(p, keys)
}

func encode(p *Params, keys []string) string {
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.vals[k]))
	}
	return sb.String()
}
