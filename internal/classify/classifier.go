// Package classify turns a delimited byte stream into a lazy sequence of
// records whose field names come from the first non-empty row.
package classify

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrFieldCount is wrapped by a ParseError when a row has more fields than
// the header names.
var ErrFieldCount = errors.New("row has more fields than the header")

// ParseError reports malformed input. It is fatal for the run.
type ParseError struct {
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse csv: line %d, column %d: %v", e.Line, e.Column, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SourceReadError reports an I/O failure of the underlying stream. It is
// fatal for the run.
type SourceReadError struct {
	Err error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("source read: %v", e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// schema is the header shared by every record of one source.
type schema struct {
	names []string
	index map[string]int
}

func newSchema(names []string) *schema {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		// First occurrence wins for duplicated column names.
		if _, dup := idx[n]; !dup {
			idx[n] = i
		}
	}
	return &schema{names: names, index: idx}
}

// Record is one data row, with values in header order.
type Record struct {
	schema *schema
	values []string
}

// NewRecord builds a record from a header and values. Values beyond the
// header are dropped and missing ones read as "".
func NewRecord(header, values []string) Record {
	if len(values) > len(header) {
		values = values[:len(header)]
	}
	return Record{schema: newSchema(header), values: fit(values, len(header))}
}

// Fields returns the field names in column order.
func (r Record) Fields() []string {
	if r.schema == nil {
		return nil
	}
	return r.schema.names
}

// Values returns the field values in column order.
func (r Record) Values() []string { return r.values }

// Lookup returns the value of the named field and whether it exists.
func (r Record) Lookup(name string) (string, bool) {
	if r.schema == nil {
		return "", false
	}
	i, ok := r.schema.index[name]
	if !ok {
		return "", false
	}
	return r.values[i], true
}

// Get returns the value of the named field, or "" if there is none.
func (r Record) Get(name string) string {
	v, _ := r.Lookup(name)
	return v
}

// Option configures a Classifier.
type Option func(*options)

type options struct {
	delimiter  rune
	lazyQuotes bool
	totalSize  int64
}

// WithDelimiter sets the field delimiter (default ',').
func WithDelimiter(d rune) Option {
	return func(o *options) { o.delimiter = d }
}

// WithLazyQuotes lets a quote appear in an unquoted field and a non-doubled
// quote appear in a quoted field.
func WithLazyQuotes(lazy bool) Option {
	return func(o *options) { o.lazyQuotes = lazy }
}

// WithTotalSize sets the expected source size, used only for Progress.
func WithTotalSize(n int64) Option {
	return func(o *options) { o.totalSize = n }
}

// Classifier produces records from a delimited stream. It is forward-only
// and not safe for concurrent use.
type Classifier struct {
	counter *CountingReader
	csv     *csv.Reader
	schema  *schema
	err     error

	skipped  int
	lastLine int
}

// New returns a Classifier reading from r.
func New(r io.Reader, opts ...Option) *Classifier {
	o := options{delimiter: ','}
	for _, opt := range opts {
		opt(&o)
	}

	src, counter := Wrap(r, o.totalSize)
	cr := csv.NewReader(src)
	cr.Comma = o.delimiter
	cr.LazyQuotes = o.lazyQuotes
	cr.FieldsPerRecord = -1

	return &Classifier{counter: counter, csv: cr}
}

// Next returns the next record. It returns io.EOF once the stream is
// exhausted, or a *ParseError / *SourceReadError on failure. Errors are
// sticky: every later call returns the same error.
func (c *Classifier) Next() (Record, error) {
	if c.err != nil {
		return Record{}, c.err
	}

	for {
		fields, err := c.csv.Read()
		if err != nil {
			c.err = wrapReadError(err)
			return Record{}, c.err
		}

		// encoding/csv drops empty lines; count them from the line gap.
		start, _ := c.csv.FieldPos(0)
		if c.schema != nil {
			c.skipped += start - c.lastLine - 1
		}
		end, _ := c.csv.FieldPos(len(fields) - 1)
		c.lastLine = end + strings.Count(fields[len(fields)-1], "\n")

		if c.schema == nil {
			c.schema = newSchema(fields)
			continue
		}

		if len(fields) > len(c.schema.names) {
			line, col := c.csv.FieldPos(len(c.schema.names))
			c.err = &ParseError{
				Line:   line,
				Column: col,
				Err:    fmt.Errorf("%w: got %d, want at most %d", ErrFieldCount, len(fields), len(c.schema.names)),
			}
			return Record{}, c.err
		}

		return Record{schema: c.schema, values: fit(fields, len(c.schema.names))}, nil
	}
}

// Header returns the field names, or nil before the header row was read.
func (c *Classifier) Header() []string {
	if c.schema == nil {
		return nil
	}
	return c.schema.names
}

// Skipped returns the number of empty lines dropped after the header.
// A row of empty fields, such as ",,", is a record and is not skipped.
func (c *Classifier) Skipped() int { return c.skipped }

// BytesRead returns the number of source bytes consumed so far. Safe for
// concurrent use.
func (c *Classifier) BytesRead() int64 { return c.counter.BytesRead() }

// Progress returns the read progress percentage when WithTotalSize was set.
// Safe for concurrent use.
func (c *Classifier) Progress() int { return c.counter.Progress() }

func wrapReadError(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Line: pe.Line, Column: pe.Column, Err: pe.Err}
	}
	return &SourceReadError{Err: err}
}

// fit pads values with "" up to n. It never truncates.
func fit(values []string, n int) []string {
	if len(values) >= n {
		return values
	}
	out := make([]string, n)
	copy(out, values)
	return out
}
