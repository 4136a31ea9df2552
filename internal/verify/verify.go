// Package verify checks a routing run end to end: every data row of the
// source must appear exactly once across the outputs, and nothing else.
package verify

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"

	"github.com/JonMunkholm/csvrouter/internal/classify"
)

// maxSamples bounds the example rows kept per category.
const maxSamples = 10

// Report is the outcome of a comparison. Counts are in rows.
type Report struct {
	Files      int `json:"files"`
	Same       int `json:"same"`
	Duplicates int `json:"duplicates"`
	New        int `json:"new"`
	Missing    int `json:"missing"`
	// HeaderMismatches lists outputs whose header differs from the source.
	HeaderMismatches []string `json:"header_mismatches,omitempty"`

	DuplicateSamples []string `json:"duplicate_samples,omitempty"`
	NewSamples       []string `json:"new_samples,omitempty"`
	MissingSamples   []string `json:"missing_samples,omitempty"`
}

// OK reports whether outputs hold exactly the source rows.
func (r Report) OK() bool {
	return r.Duplicates == 0 && r.New == 0 && r.Missing == 0 && len(r.HeaderMismatches) == 0
}

func (r Report) String() string {
	return fmt.Sprintf("files=%d same=%d duplicates=%d new=%d missing=%d header_mismatches=%d",
		r.Files, r.Same, r.Duplicates, r.New, r.Missing, len(r.HeaderMismatches))
}

// Compare reads every data row of source, then every regular file under
// outputs, and counts matches. Rows compare by field values, so quoting
// differences between source and output do not matter. Empty lines are
// ignored on both sides.
func Compare(source io.Reader, outputs fs.FS, delimiter rune) (Report, error) {
	if delimiter == 0 {
		delimiter = ','
	}

	c := classify.New(source, classify.WithDelimiter(delimiter))
	want := make(map[string]int)
	for {
		rec, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("read source: %w", err)
		}
		want[rowKey(rec.Values())]++
	}
	header := c.Header()

	var rep Report
	seen := make(map[string]int)
	err := fs.WalkDir(outputs, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rep.Files++
		return compareFile(outputs, path, delimiter, header, want, seen, &rep)
	})
	if err != nil {
		return rep, err
	}

	var missing []string
	for k, n := range want {
		if got := seen[k]; got < n {
			rep.Missing += n - got
			missing = append(missing, k)
		}
	}
	slices.Sort(missing)
	for _, k := range missing {
		rep.MissingSamples = sample(rep.MissingSamples, k)
	}
	return rep, nil
}

func compareFile(fsys fs.FS, path string, delimiter rune, header []string,
	want, seen map[string]int, rep *Report) error {
	f, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	c := classify.New(f, classify.WithDelimiter(delimiter))
	for {
		rec, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		k := rowKey(rec.Values())
		seen[k]++
		switch n := want[k]; {
		case n == 0:
			rep.New++
			rep.NewSamples = sample(rep.NewSamples, k)
		case seen[k] > n:
			rep.Duplicates++
			rep.DuplicateSamples = sample(rep.DuplicateSamples, k)
		default:
			rep.Same++
		}
	}
	if got := c.Header(); got != nil && !slices.Equal(got, header) {
		rep.HeaderMismatches = append(rep.HeaderMismatches, path)
	}
	return nil
}

// rowKey renders values as one CSV line, which is also the readable form
// used in samples.
func rowKey(values []string) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(values)
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

func sample(s []string, row string) []string {
	if len(s) >= maxSamples {
		return s
	}
	return append(s, row)
}
