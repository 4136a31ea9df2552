// Package fixture generates school grade sheets in the layout SchoolPolicy
// routes: one row per student per class, for grades 9 through 12 of a
// number of schools.
package fixture

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"strconv"
	"time"

	"github.com/JonMunkholm/csvrouter/internal/route"
)

const (
	// ClassesPerStudent is how many distinct classes each student takes.
	ClassesPerStudent = 5
	// FailureRate is the percentage of scores that are 0.
	FailureRate = 3

	firstGrade = 9
	lastGrade  = 12
)

// Header is the column layout of every fixture.
var Header = []string{
	route.FieldSchool,
	route.FieldSemester,
	route.FieldGrade,
	route.FieldSubject,
	route.FieldClass,
	"Student Name",
	"Score",
}

// Size is one fixture scale.
type Size struct {
	Name             string
	Schools          int
	StudentsPerGrade int
}

// Sizes are the built-in scales, smallest first.
var Sizes = []Size{
	{Name: "small", Schools: 3, StudentsPerGrade: 15},
	{Name: "medium", Schools: 10, StudentsPerGrade: 22},
	{Name: "large", Schools: 50, StudentsPerGrade: 30},
}

// LookupSize returns the built-in size with the given name.
func LookupSize(name string) (Size, error) {
	for _, s := range Sizes {
		if s.Name == name {
			return s, nil
		}
	}
	return Size{}, fmt.Errorf("unknown fixture size %q (want small, medium or large)", name)
}

// Options configures Write.
type Options struct {
	Size Size
	// Seed makes the output reproducible.
	Seed uint64
	// Now picks the semester: Fall-<year> after June, else Spring-<year>.
	Now time.Time
}

// Write streams a fixture to w and returns the number of data rows
// written. Student names are unique within a school and a student never
// takes the same class twice, so no two rows are equal.
func Write(w io.Writer, opts Options) (int, error) {
	if opts.Size.Schools <= 0 || opts.Size.StudentsPerGrade <= 0 {
		return 0, fmt.Errorf("fixture size %q has no rows", opts.Size.Name)
	}
	if opts.Size.Schools > len(lastNames) {
		return 0, fmt.Errorf("fixture size %q: at most %d schools", opts.Size.Name, len(lastNames))
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	semester := semesterOf(opts.Now)

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, err
	}

	rows := 0
	schools := pick(rng, lastNames, opts.Size.Schools)
	for _, school := range schools {
		schoolName := school + " High School"
		names := make(map[string]bool)

		for grade := firstGrade; grade <= lastGrade; grade++ {
			gradeName := strconv.Itoa(grade) + "th-Grade"

			for i := 0; i < opts.Size.StudentsPerGrade; i++ {
				student := uniqueName(rng, names)

				for _, c := range pickClasses(rng) {
					row := []string{schoolName, semester, gradeName, c.subject, c.name, student, score(rng)}
					if err := cw.Write(row); err != nil {
						return rows, err
					}
					rows++
				}
			}
		}
	}

	cw.Flush()
	return rows, cw.Error()
}

func semesterOf(now time.Time) string {
	if now.Month() > time.June {
		return fmt.Sprintf("Fall-%d", now.Year())
	}
	return fmt.Sprintf("Spring-%d", now.Year())
}

func score(rng *rand.Rand) string {
	if rng.IntN(100) < FailureRate {
		return "0"
	}
	return strconv.Itoa(70 + rng.IntN(31))
}

// pick returns n distinct elements of pool in random order.
func pick(rng *rand.Rand, pool []string, n int) []string {
	out := slices.Clone(pool)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out[:n]
}

func uniqueName(rng *rand.Rand, taken map[string]bool) string {
	for {
		name := firstNames[rng.IntN(len(firstNames))] + " " + lastNames[rng.IntN(len(lastNames))]
		if !taken[name] {
			taken[name] = true
			return name
		}
	}
}

type class struct {
	subject string
	name    string
}

// pickClasses returns ClassesPerStudent distinct classes.
func pickClasses(rng *rand.Rand) []class {
	out := make([]class, 0, ClassesPerStudent)
	for len(out) < ClassesPerStudent {
		subject := subjects[rng.IntN(len(subjects))]
		names := catalog[subject]
		c := class{subject: subject, name: names[rng.IntN(len(names))]}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

var catalog = map[string][]string{
	"Math":      {"Algebra I", "Algebra II", "Geometry", "Pre-Calculus", "Statistics"},
	"Science":   {"Biology", "Chemistry", "Physics", "Earth Science"},
	"English":   {"Composition", "American Literature", "World Literature", "Creative Writing"},
	"History":   {"World History", "US History", "Government", "Economics"},
	"Languages": {"Spanish I", "Spanish II", "French I", "German I"},
	"Arts":      {"Drawing", "Ceramics", "Band", "Choir", "Theater"},
}

var subjects = func() []string {
	out := make([]string, 0, len(catalog))
	for s := range catalog {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}()

var firstNames = []string{
	"Ada", "Alan", "Amara", "Ben", "Carla", "Chen", "Dana", "Diego", "Elena", "Emeka",
	"Farah", "Felix", "Grace", "Hana", "Ivan", "Jamal", "Jin", "Kai", "Lena", "Leo",
	"Maya", "Mateo", "Nia", "Noah", "Olga", "Omar", "Priya", "Quinn", "Rosa", "Sam",
	"Sofia", "Tariq", "Uma", "Victor", "Wen", "Xavier", "Yara", "Yusuf", "Zara", "Zoe",
}

var lastNames = []string{
	"Adams", "Baker", "Bennett", "Brooks", "Campbell", "Carter", "Chavez", "Clark", "Collins", "Cooper",
	"Diaz", "Edwards", "Evans", "Fisher", "Flores", "Foster", "Garcia", "Gray", "Green", "Hall",
	"Harris", "Hayes", "Hughes", "Jackson", "James", "Jenkins", "Kelly", "Kim", "King", "Lee",
	"Lewis", "Lopez", "Martin", "Mitchell", "Moore", "Morgan", "Murphy", "Nguyen", "Ortiz", "Parker",
	"Patel", "Perry", "Price", "Ramirez", "Reed", "Rivera", "Roberts", "Ross", "Sanders", "Scott",
	"Shah", "Stewart", "Sullivan", "Taylor", "Torres", "Turner", "Walker", "Ward", "Watson", "Young",
}
