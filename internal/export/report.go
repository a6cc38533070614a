// Package export writes analysis reports to disk and reads them back.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/wesm/petphrase/internal/analyzer"
	"github.com/wesm/petphrase/internal/fileutil"
)

// Format is a report encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want json or yaml)", s)
	}
}

// Ext returns the file extension without a dot.
func (f Format) Ext() string { return string(f) }

// phrasesInName is how many phrases the file name carries.
const phrasesInName = 3

// FileName names a report after its start time and its first phrases, e.g.
// "2025-01-15_12-00-00_哈哈_好的.json".
func FileName(r *analyzer.Report, f Format) string {
	suffix := "no_phrases"
	if len(r.Phrases) > 0 {
		suffix = strings.Join(r.Phrases[:min(len(r.Phrases), phrasesInName)], "_")
	}
	return r.StartedAt.Format("2006-01-02_15-04-05") + "_" + sanitize(suffix) + "." + f.Ext()
}

// sanitize replaces characters that are unsafe in file names on any
// platform and caps the length.
func sanitize(s string) string {
	const maxRunes = 60
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == maxRunes {
			break
		}
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			r = '_'
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// Encode writes r to w in format f.
func Encode(w io.Writer, r *analyzer.Report, f Format) error {
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	}
}

// WriteReport writes r into dir, creating dir if needed, and returns the
// file path. The file is readable only by its owner and appears atomically.
func WriteReport(dir string, r *analyzer.Report, f Format) (string, error) {
	if err := fileutil.SecureMkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, r, f); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(r, f))
	if err := fileutil.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// ReadReport loads a report written by WriteReport. The format follows
// the file extension.
func ReadReport(path string) (*analyzer.Report, error) {
	f, err := openNoFollow(path)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()

	var r analyzer.Report
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&r)
	default:
		err = json.NewDecoder(f).Decode(&r)
	}
	if err != nil {
		return nil, fmt.Errorf("decode report %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}
