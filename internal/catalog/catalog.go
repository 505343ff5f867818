// Package catalog holds the per-sector question templates shown on intake forms.
// The catalog is read-only data: a YAML document embedded in the binary, or an
// operator-supplied file with the same shape.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed sectors.yml
var defaultCatalog []byte

type Question struct {
	ID       string   `json:"id" yaml:"id"`
	Label    string   `json:"label" yaml:"label"`
	Type     string   `json:"type" yaml:"type" enum:"text,textarea,number,select,multi_select,url,email"`
	Options  []string `json:"options,omitempty" yaml:"options"`
	Required bool     `json:"required,omitempty" yaml:"required"`
	Help     string   `json:"help,omitempty" yaml:"help"`
}

type Sector struct {
	Name      string     `json:"name" yaml:"name"`
	Slug      string     `json:"slug" yaml:"slug"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Store is an immutable, ordered set of sectors.
type Store struct {
	sectors []Sector
}

type document struct {
	Sectors []Sector `yaml:"sectors"`
}

// Default returns the embedded catalog.
func Default() *Store {
	s, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return s
}

// Load reads a catalog file, or returns the embedded catalog when path is empty.
func Load(path string) (*Store, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	seen := map[string]bool{}
	for i := range doc.Sectors {
		sec := &doc.Sectors[i]
		if strings.TrimSpace(sec.Name) == "" {
			return nil, fmt.Errorf("catalog sector %d has no name", i)
		}
		if sec.Slug == "" {
			sec.Slug = Slugify(sec.Name)
		}
		if seen[sec.Slug] {
			return nil, fmt.Errorf("catalog sector slug %q is duplicated", sec.Slug)
		}
		seen[sec.Slug] = true
		for j, q := range sec.Questions {
			if q.ID == "" {
				return nil, fmt.Errorf("catalog sector %s question %d has no id", sec.Name, j)
			}
			if q.Type == "" {
				sec.Questions[j].Type = "text"
			}
		}
	}
	return &Store{sectors: doc.Sectors}, nil
}

// Sectors returns a copy of the catalog in document order.
func (s *Store) Sectors() []Sector {
	out := make([]Sector, len(s.sectors))
	copy(out, s.sectors)
	return out
}

// Slugify lowercases, strips accents and joins alphanumeric runs with dashes:
// "Restoration / Food" becomes "restoration-food".
func Slugify(in string) string {
	var b strings.Builder
	dash := false
	for _, r := range norm.NFD.String(in) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
