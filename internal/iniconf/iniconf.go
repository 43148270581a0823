// Package iniconf reads the INI-style server and client connection config
// files described in spec §6.2 ("Server config", "Client connection
// config"). No INI library exists in the retrieval pack's dependency
// surface, so this one corner of config loading stays on bufio/strings
// rather than reaching for a third-party dependency (see DESIGN.md).
package iniconf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// File is a parsed INI document: section name -> key -> value. The empty
// string section holds keys that appear before any [section] header.
type File map[string]map[string]string

// Get returns the value for section/key, and whether it was present.
func (f File) Get(section, key string) (string, bool) {
	s, ok := f[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// GetDefault returns the value for section/key, or def if absent.
func (f File) GetDefault(section, key, def string) string {
	if v, ok := f.Get(section, key); ok {
		return v
	}
	return def
}

// Parse reads an INI document of the form:
//
//	[Section]
//	Key = Value
//
// Blank lines and lines starting with ';' or '#' are ignored.
func Parse(r io.Reader) (File, error) {
	file := File{}
	section := ""
	file[section] = map[string]string{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := file[section]; !ok {
				file[section] = map[string]string{}
			}
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("iniconf: malformed line %d: %q", lineNo, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		file[section][key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("iniconf: read: %w", err)
	}
	return file, nil
}

// ParseString is a convenience wrapper around Parse for in-memory documents.
func ParseString(s string) (File, error) {
	return Parse(strings.NewReader(s))
}
