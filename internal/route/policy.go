package route

import (
	"errors"
	"strings"

	"github.com/JonMunkholm/csvrouter/internal/classify"
)

// Policy derives the two routing keys of a record. The partition key names
// the unit whose previous outputs are removed before the first commit; the
// group key names the output object and, joined onto the router prefix,
// is its path. A group key should start with its partition key so cleanup
// covers it.
type Policy struct {
	Name        string
	PartitionOf func(classify.Record) string
	GroupOf     func(classify.Record) string
}

func (p Policy) validate() error {
	if p.PartitionOf == nil || p.GroupOf == nil {
		return errors.New("route: policy needs PartitionOf and GroupOf")
	}
	return nil
}

// School field names used by SchoolPolicy.
const (
	FieldSchool   = "School"
	FieldSemester = "Semester"
	FieldGrade    = "Grade"
	FieldSubject  = "Subject"
	FieldClass    = "Class"
)

// SchoolPolicy partitions by semester and writes one file per class:
// Semester/School/Grade/Subject-Class.csv.
func SchoolPolicy() Policy {
	return Policy{
		Name: "school",
		PartitionOf: func(r classify.Record) string {
			return segment(r.Get(FieldSemester))
		},
		GroupOf: func(r classify.Record) string {
			return segment(r.Get(FieldSemester)) + "/" +
				segment(r.Get(FieldSchool)) + "/" +
				segment(r.Get(FieldGrade)) + "/" +
				segment(r.Get(FieldSubject)+"-"+r.Get(FieldClass)) + ".csv"
		},
	}
}

// FieldPolicy builds a policy from column names. The partition key is the
// partition fields' values joined by "/"; the group key appends the group
// fields' values and ext. With no group fields every partition is one group.
func FieldPolicy(partitionFields, groupFields []string, ext string) Policy {
	pf := append([]string(nil), partitionFields...)
	gf := append([]string(nil), groupFields...)

	partitionOf := func(r classify.Record) string {
		parts := make([]string, len(pf))
		for i, f := range pf {
			parts[i] = segment(r.Get(f))
		}
		return strings.Join(parts, "/")
	}

	return Policy{
		Name:        "fields",
		PartitionOf: partitionOf,
		GroupOf: func(r classify.Record) string {
			var b strings.Builder
			b.WriteString(partitionOf(r))
			if len(gf) == 0 {
				b.WriteString("/data")
			}
			for _, f := range gf {
				b.WriteByte('/')
				b.WriteString(segment(r.Get(f)))
			}
			b.WriteString(ext)
			return b.String()
		},
	}
}

// segment makes a field value safe as one path segment: "/" becomes "-",
// and values that would be empty or a dot segment become "_".
func segment(v string) string {
	v = strings.ReplaceAll(strings.TrimSpace(v), "/", "-")
	switch v {
	case "", ".", "..":
		return "_"
	}
	return v
}
