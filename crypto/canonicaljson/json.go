/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package canonicaljson produces the canonical JSON form that Matrix signatures are computed over.
//
// https://spec.matrix.org/v1.9/appendices/#canonical-json
package canonicaljson

import (
	"errors"
	"sort"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("invalid json")

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object keys.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, ErrInvalidJSON
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is the same as CanonicalJSON, but assumes the
// input is valid JSON.
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = CompactJSON(input, make([]byte, 0, len(input)))
	return SortJSON(input, make([]byte, 0, len(input)))
}

// SortJSON reencodes the JSON with the object keys sorted by lexicographically
// by codepoint. The input must be valid JSON.
func SortJSON(input, output []byte) []byte {
	return sortJSONValue(gjson.ParseBytes(input), output)
}

func sortJSONValue(value gjson.Result, output []byte) []byte {
	switch {
	case value.IsArray():
		return sortJSONArray(value, output)
	case value.IsObject():
		return sortJSONObject(value, output)
	default:
		return append(output, value.Raw...)
	}
}

func sortJSONArray(input gjson.Result, output []byte) []byte {
	output = append(output, '[')
	first := true
	input.ForEach(func(_, value gjson.Result) bool {
		if !first {
			output = append(output, ',')
		}
		first = false
		output = sortJSONValue(value, output)
		return true
	})
	return append(output, ']')
}

type objectEntry struct {
	key    string
	rawKey string
	value  gjson.Result
}

func sortJSONObject(input gjson.Result, output []byte) []byte {
	var entries []objectEntry
	input.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, objectEntry{key: key.Str, rawKey: key.Raw, value: value})
		return true
	})
	// Go string comparison is bytewise, which matches codepoint order for UTF-8.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})
	output = append(output, '{')
	for i, entry := range entries {
		if i > 0 {
			output = append(output, ',')
		}
		output = append(output, entry.rawKey...)
		output = append(output, ':')
		output = sortJSONValue(entry.value, output)
	}
	return append(output, '}')
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes. The input must be valid JSON.
func CompactJSON(input, output []byte) []byte {
	for i := 0; i < len(input); {
		c := input[i]
		i++
		// Whitespace outside strings is always <= 0x20 and everything else is above it.
		if c <= ' ' {
			continue
		}
		output = append(output, c)
		if c != '"' {
			continue
		}
		for i < len(input) {
			c = input[i]
			i++
			if c == '"' {
				output = append(output, c)
				break
			} else if c != '\\' || i >= len(input) {
				output = append(output, c)
				continue
			}
			escape := input[i]
			i++
			switch escape {
			case 'u':
				output, i = compactUnicodeEscape(input, output, i)
			case '/':
				output = append(output, '/')
			default:
				output = append(output, '\\', escape)
			}
		}
	}
	return output
}

const (
	shortEscapes = "uuuuuuuubtnufruuuuuuuuuuuuuuuuuu"
	upperHex     = "0123456789ABCDEF"
)

func compactUnicodeEscape(input, output []byte, index int) ([]byte, int) {
	if len(input)-index < 4 {
		return output, len(input)
	}
	c := readHexDigits(input[index:])
	index += 4
	switch {
	case c < ' ':
		escape := shortEscapes[c]
		output = append(output, '\\', escape)
		if escape == 'u' {
			output = append(output, '0', '0', upperHex[c>>4], upperHex[c&0xF])
		}
	case c == '\\' || c == '"':
		output = append(output, '\\', byte(c))
	case c < 0xD800 || c >= 0xE000:
		output = utf8.AppendRune(output, rune(c))
	default:
		// High surrogate, must be followed by \uXXXX with the low half.
		if len(input)-index < 6 {
			return output, len(input)
		}
		low := readHexDigits(input[index+2:])
		index += 6
		output = utf8.AppendRune(output, rune(0x10000+(((c&0x3FF)<<10)|(low&0x3FF))))
	}
	return output, index
}

// readHexDigits decodes the first 4 bytes of the input as case-insensitive hex.
func readHexDigits(input []byte) uint32 {
	var value uint32
	for _, digit := range input[:4] {
		value <<= 4
		switch {
		case digit >= '0' && digit <= '9':
			value |= uint32(digit - '0')
		case digit >= 'a' && digit <= 'f':
			value |= uint32(digit-'a') + 10
		case digit >= 'A' && digit <= 'F':
			value |= uint32(digit-'A') + 10
		}
	}
	return value
}
