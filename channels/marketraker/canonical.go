package marketraker

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// node is a decoded JSON value that keeps object key order and number literals,
// which is what the provider's serializer needs to reproduce the signed bytes.
type node struct {
	typ    jx.Type
	text   string
	flag   bool
	fields []field
	items  []node
}

type field struct {
	key string
	val node
}

func stringNode(s string) node { return node{typ: jx.String, text: s} }

func (n node) get(key string) (node, bool) {
	for _, f := range n.fields {
		if f.key == key {
			return f.val, true
		}
	}
	return node{}, false
}

func parseNode(data []byte) (node, error) {
	d := jx.DecodeBytes(data)
	n, err := decodeNode(d)
	if err != nil {
		return node{}, err
	}
	if d.Next() != jx.Invalid {
		return node{}, errors.New("trailing data after JSON value")
	}
	return n, nil
}

func decodeNode(d *jx.Decoder) (node, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return node{}, err
		}
		return stringNode(s), nil
	case jx.Number:
		num, err := d.Num()
		if err != nil {
			return node{}, err
		}
		return node{typ: jx.Number, text: string(num)}, nil
	case jx.Bool:
		b, err := d.Bool()
		if err != nil {
			return node{}, err
		}
		return node{typ: jx.Bool, flag: b}, nil
	case jx.Null:
		if err := d.Null(); err != nil {
			return node{}, err
		}
		return node{typ: jx.Null}, nil
	case jx.Array:
		n := node{typ: jx.Array}
		err := d.Arr(func(d *jx.Decoder) error {
			item, err := decodeNode(d)
			if err != nil {
				return err
			}
			n.items = append(n.items, item)
			return nil
		})
		return n, err
	case jx.Object:
		n := node{typ: jx.Object}
		err := d.Obj(func(d *jx.Decoder, key string) error {
			val, err := decodeNode(d)
			if err != nil {
				return err
			}
			n.fields = append(n.fields, field{key: key, val: val})
			return nil
		})
		return n, err
	default:
		return node{}, errors.Errorf("unexpected JSON token %s", tt)
	}
}

// pyDumps serializes n the way Python's json.dumps does with default arguments.
func pyDumps(n node) []byte {
	var buf bytes.Buffer
	writeNode(&buf, n)
	return buf.Bytes()
}

func writeNode(buf *bytes.Buffer, n node) {
	switch n.typ {
	case jx.String:
		writeString(buf, n.text)
	case jx.Number:
		buf.WriteString(pyNumber(n.text))
	case jx.Bool:
		if n.flag {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case jx.Null:
		buf.WriteString("null")
	case jx.Array:
		buf.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeNode(buf, item)
		}
		buf.WriteByte(']')
	case jx.Object:
		buf.WriteByte('{')
		for i, f := range n.fields {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, f.key)
			buf.WriteString(": ")
			writeNode(buf, f.val)
		}
		buf.WriteByte('}')
	}
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				buf.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				writeEscape(buf, hi)
				writeEscape(buf, lo)
			default:
				writeEscape(buf, r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

// pyNumber renders a JSON number literal as Python prints the value it parses to:
// integers verbatim, floats in repr form.
func pyNumber(lit string) string {
	if !strings.ContainsAny(lit, ".eE") {
		if strings.TrimLeft(lit, "-0") == "" {
			return "0"
		}
		return lit
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		// Out of range literals parse to +-inf in Python.
		if strings.HasPrefix(lit, "-") {
			return "-Infinity"
		}
		return "Infinity"
	}
	return pyFloat(f)
}

func pyFloat(f float64) string {
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
