package draft

import (
	"encoding/json"
	"strconv"
	"strings"
)

// findEventsArray returns the offset just past the '[' that opens the
// top-level "events" value.
func findEventsArray(text string) (int, bool) {
	root := strings.IndexByte(text, '{')
	if root < 0 {
		return 0, false
	}
	i := root + 1
	for i < len(text) {
		i = skipSpace(text, i)
		if i >= len(text) {
			return 0, false
		}
		if text[i] == ',' {
			i++
			continue
		}
		if text[i] != '"' {
			return 0, false
		}
		key, end, complete := readString(text, i)
		if !complete {
			return 0, false
		}
		i = skipSpace(text, end)
		if i >= len(text) {
			return 0, false
		}
		if text[i] != ':' {
			return 0, false
		}
		i = skipSpace(text, i+1)
		if i >= len(text) {
			return 0, false
		}
		if key == "events" {
			if text[i] != '[' {
				return 0, false
			}
			return i + 1, true
		}
		end, complete = skipValue(text, i)
		if !complete {
			return 0, false
		}
		i = end
	}
	return 0, false
}

type fieldValue struct {
	str  string
	list []string
}

// scanFields walks the top-level members of a possibly unterminated object
// and reports the string and string-list values it can read so far. A
// truncated string is reported with what has arrived.
func scanFields(obj string, fn func(key string, val fieldValue)) {
	if obj == "" || obj[0] != '{' {
		return
	}
	i := 1
	for i < len(obj) {
		i = skipSpace(obj, i)
		if i >= len(obj) {
			return
		}
		switch obj[i] {
		case ',':
			i++
			continue
		case '}':
			return
		case '"':
		default:
			return
		}
		key, end, complete := readString(obj, i)
		if !complete {
			return
		}
		i = skipSpace(obj, end)
		if i >= len(obj) || obj[i] != ':' {
			return
		}
		i = skipSpace(obj, i+1)
		if i >= len(obj) {
			return
		}
		switch {
		case obj[i] == '"':
			val, end, complete := readString(obj, i)
			fn(key, fieldValue{str: val})
			if !complete {
				return
			}
			i = end
		case obj[i] == '[' && key == "involvedCountries":
			list, end, complete := readStringList(obj, i)
			fn(key, fieldValue{list: list})
			if !complete {
				return
			}
			i = end
		default:
			end, complete := skipValue(obj, i)
			if !complete {
				return
			}
			i = end
		}
	}
}

// readStringList reads complete string elements of an array starting at
// s[i] == '['.
func readStringList(s string, i int) ([]string, int, bool) {
	out := []string{}
	i++
	for i < len(s) {
		i = skipSpace(s, i)
		if i >= len(s) {
			break
		}
		switch s[i] {
		case ']':
			return out, i + 1, true
		case ',':
			i++
		case '"':
			v, end, complete := readString(s, i)
			if !complete {
				return out, len(s), false
			}
			out = append(out, v)
			i = end
		default:
			end, complete := skipValue(s, i)
			if !complete {
				return out, len(s), false
			}
			i = end
		}
	}
	return out, len(s), false
}

// readString decodes the literal opening at s[i] == '"'. When the literal is
// unterminated it decodes the prefix up to the last complete escape.
func readString(s string, i int) (string, int, bool) {
	j := i + 1
	safe := j
	for j < len(s) {
		switch s[j] {
		case '"':
			return decodeString(s[i+1 : j]), j + 1, true
		case '\\':
			n := 2
			if j+1 < len(s) && s[j+1] == 'u' {
				n = 6
			}
			if j+n > len(s) {
				return decodeString(s[i+1 : safe]), len(s), false
			}
			// A high surrogate waits for its low half.
			if n == 6 && highSurrogate(s[j+2:j+6]) && awaitingPair(s[j+6:]) {
				return decodeString(s[i+1 : safe]), len(s), false
			}
			j += n
		default:
			j++
		}
		safe = j
	}
	return decodeString(s[i+1 : safe]), len(s), false
}

func highSurrogate(hex string) bool {
	v, err := strconv.ParseUint(hex, 16, 16)
	return err == nil && v >= 0xD800 && v <= 0xDBFF
}

// awaitingPair reports whether rest may still grow into a \uXXXX escape.
func awaitingPair(rest string) bool {
	if len(rest) >= 6 {
		return false
	}
	if len(rest) >= 1 && rest[0] != '\\' {
		return false
	}
	return len(rest) < 2 || rest[1] == 'u'
}

func decodeString(raw string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &out); err != nil {
		return raw
	}
	return out
}

// skipValue returns the offset just past the JSON value at s[i] and whether
// it was complete.
func skipValue(s string, i int) (int, bool) {
	switch s[i] {
	case '"':
		_, end, complete := readString(s, i)
		return end, complete
	case '{', '[':
		depth := 0
		for j := i; j < len(s); j++ {
			switch s[j] {
			case '"':
				_, end, complete := readString(s, j)
				if !complete {
					return len(s), false
				}
				j = end - 1
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return j + 1, true
				}
			}
		}
		return len(s), false
	}
	// Scalars are complete only once a delimiter follows them.
	for j := i; j < len(s); j++ {
		switch s[j] {
		case ',', '}', ']', ' ', '\n', '\r', '\t':
			return j, true
		}
	}
	return len(s), false
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\n', '\r', '\t':
			i++
		default:
			return i
		}
	}
	return i
}
