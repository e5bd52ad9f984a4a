package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// delimiterCandidates are tried in order when the configured delimiter
// produces a single-column parse.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

// encodingCandidates are tried in order when the configured encoding cannot
// decode the file.
var encodingCandidates = []string{"utf-8", "latin1", "cp1252", "iso-8859-1"}

// probeRows is how many records the delimiter probe inspects.
const probeRows = 5

// ReadOptions control parsing of a delimited file.
type ReadOptions struct {
	// Delimiter is the field separator. Zero means ','.
	Delimiter rune
	// Encoding names the source byte encoding. Empty means "utf-8".
	Encoding string
}

// ReadResult records what Read actually did: the effective delimiter and
// encoding after fallback, plus ordered warnings for anything it recovered
// from on the way.
type ReadResult struct {
	Delimiter rune
	Encoding  string
	Warnings  []string
}

func (r *ReadResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Read parses a delimited text file into a Dataset.
//
// Recovery is best-effort and ordered: if the configured encoding cannot
// decode the bytes, the candidate encodings are tried in order; if the
// configured delimiter yields a single column, the candidate delimiters are
// probed against the first few records and the file is re-parsed with the
// detected one. Every recovery is recorded as a warning in ReadResult.
// Records whose field count does not match the header are skipped, not
// fatal.
func Read(path string, opt ReadOptions) (*Dataset, *ReadResult, error) {
	delim := opt.Delimiter
	if delim == 0 {
		delim = ','
	}
	enc := opt.Encoding
	if enc == "" {
		enc = "utf-8"
	}

	res := &ReadResult{Delimiter: delim, Encoding: enc}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, res, fmt.Errorf("read %s: %w", path, err)
	}

	text, err := decode(data, enc)
	if err != nil {
		decodeErr := err
		recovered := false
		for _, cand := range encodingCandidates {
			if strings.EqualFold(cand, enc) {
				continue
			}
			t, cerr := decode(data, cand)
			if cerr != nil {
				continue
			}
			res.warnf("decoding as %s failed (%v); fell back to %s", enc, decodeErr, cand)
			res.Encoding = cand
			text = t
			recovered = true
			break
		}
		if !recovered {
			return nil, res, fmt.Errorf("decode %s: %w", path, decodeErr)
		}
	}

	ds, skipped, err := parseAll(text, delim)
	if err != nil {
		return nil, res, fmt.Errorf("parse %s: %w", path, err)
	}

	// A single-column parse usually means the wrong delimiter, not a
	// genuinely single-column file. Probe the alternatives before accepting.
	if len(ds.Columns) == 1 {
		if detected, ok := detectDelimiter(text, delim); ok {
			ds2, skipped2, err2 := parseAll(text, detected)
			if err2 == nil && len(ds2.Columns) > 1 {
				res.warnf("delimiter %q produced a single column; auto-detected %q", delim, detected)
				res.Delimiter = detected
				ds, skipped = ds2, skipped2
			}
		}
	}

	if skipped > 0 {
		res.warnf("skipped %d row(s) with field count not matching the header", skipped)
	}

	return ds, res, nil
}

// decode converts raw file bytes to a string according to the named
// encoding. UTF-8 input is validated rather than transformed; the
// single-byte encodings are decoded through x/text charmaps.
func decode(data []byte, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		if !utf8.Valid(data) {
			return "", fmt.Errorf("invalid utf-8 byte sequence")
		}
		return string(data), nil
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "cp1252", "windows-1252":
		out, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// parseAll parses the full decoded text with the given delimiter.
// Misaligned records are counted and skipped, mirroring sample probing:
// a handful of bad rows must not fail the whole ingestion.
func parseAll(text string, delim rune) (*Dataset, int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, 0, fmt.Errorf("empty file")
	}

	r := csv.NewReader(strings.NewReader(trimmed))
	r.Comma = delim
	r.FieldsPerRecord = -1 // alignment is validated manually
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if i == 0 {
			header[i] = strings.TrimPrefix(header[i], "\ufeff")
		}
	}

	ds := New(header)
	skipped := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if len(rec) != len(header) {
			skipped++
			continue
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			v = strings.TrimSpace(v)
			if v == "" {
				row[i] = nil
			} else {
				row[i] = v
			}
		}
		ds.AppendRow(row)
	}

	return ds, skipped, nil
}

// detectDelimiter probes the first few records with each candidate delimiter
// and returns the first one that consistently splits them into more than one
// field.
func detectDelimiter(text string, current rune) (rune, bool) {
	for _, cand := range delimiterCandidates {
		if cand == current {
			continue
		}
		if probeDelimiter(text, cand) {
			return cand, true
		}
	}
	return 0, false
}

func probeDelimiter(text string, delim rune) bool {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	width := 0
	for i := 0; i < probeRows; i++ {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if width == 0 {
			width = len(rec)
			continue
		}
		if len(rec) != width {
			return false
		}
	}
	return width > 1
}
