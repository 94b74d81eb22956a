package tds

// JSONAssembler reassembles complete top-level JSON objects from the text
// chunks a FOR JSON query streams back. Chunk boundaries fall anywhere, so
// the assembler tracks brace depth with awareness of string literals and
// escape sequences, buffering the trailing partial object until its
// closing brace arrives. It carries state between calls and is created
// per query; it is not safe for concurrent use.
type JSONAssembler struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
}

// NewJSONAssembler returns an assembler with zeroed depth/string/escape
// state.
func NewJSONAssembler() *JSONAssembler {
	return &JSONAssembler{}
}

// Feed consumes one chunk and returns every top-level object completed by
// it, in order. Bytes outside objects (array brackets, commas, whitespace)
// are discarded.
func (a *JSONAssembler) Feed(chunk []byte) [][]byte {
	var out [][]byte
	for _, b := range chunk {
		if a.depth == 0 {
			if b == '{' {
				a.depth = 1
				a.buf = append(a.buf[:0], b)
			}
			continue
		}
		a.buf = append(a.buf, b)
		switch {
		case a.escaped:
			a.escaped = false
		case a.inString:
			switch b {
			case '\\':
				a.escaped = true
			case '"':
				a.inString = false
			}
		default:
			switch b {
			case '"':
				a.inString = true
			case '{':
				a.depth++
			case '}':
				a.depth--
				if a.depth == 0 {
					obj := make([]byte, len(a.buf))
					copy(obj, a.buf)
					out = append(out, obj)
					a.buf = a.buf[:0]
				}
			}
		}
	}
	return out
}

// Pending reports whether a partial object is buffered awaiting more
// chunks.
func (a *JSONAssembler) Pending() bool { return a.depth > 0 }
