// Package schema assembles the ordered sections of an intake form from the
// global baseline questions and the sector catalog.
package schema

import (
	"strings"

	"briefloop/internal/catalog"
)

type Section struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Questions []catalog.Question `json:"questions"`
}

type Schema struct {
	Sector   string    `json:"sector"`
	Matched  bool      `json:"matched"`
	Sections []Section `json:"sections"`
}

const (
	GlobalSectionID   = "global"
	SectorSectionID   = "sector"
	FallbackSectionID = "generic"
)

func globalSection() Section {
	return Section{
		ID:    GlobalSectionID,
		Title: "About your business",
		Questions: []catalog.Question{
			{ID: "company_name", Label: "Company name", Type: "text", Required: true},
			{ID: "website", Label: "Website", Type: "url"},
			{ID: "contact_email", Label: "Main contact email", Type: "email", Required: true},
			{ID: "business_summary", Label: "Describe your business in a few sentences", Type: "textarea", Required: true},
			{ID: "target_audience", Label: "Who are your ideal customers?", Type: "textarea"},
			{ID: "competitors", Label: "Which competitors do you watch?", Type: "textarea"},
			{ID: "goals", Label: "What should this campaign achieve?", Type: "textarea", Required: true},
			{ID: "brand_tone", Label: "How should your brand sound?", Type: "select", Options: []string{"Friendly", "Expert", "Premium", "Playful"}},
		},
	}
}

func fallbackSection() Section {
	return Section{
		ID:    FallbackSectionID,
		Title: "About your activity",
		Questions: []catalog.Question{
			{ID: "activity_description", Label: "Describe your activity and what makes it different", Type: "textarea", Required: true},
			{ID: "key_offers", Label: "Which products or services should we promote first?", Type: "textarea"},
		},
	}
}

// Build returns the form for a sector. The first section is always the global
// baseline; the second is the matched sector or the generic fallback. channels
// and distribution are threaded through by callers but do not change the result.
func Build(store *catalog.Store, sectorName string, channels []string, distribution string) Schema {
	out := Schema{Sector: sectorName, Sections: []Section{globalSection()}}
	if sec, ok := Match(store, sectorName); ok {
		qs := make([]catalog.Question, len(sec.Questions))
		copy(qs, sec.Questions)
		out.Matched = true
		out.Sections = append(out.Sections, Section{
			ID:        SectorSectionID,
			Title:     "Sector: " + sec.Name,
			Questions: qs,
		})
		return out
	}
	out.Sections = append(out.Sections, fallbackSection())
	return out
}

// Match finds a sector by case-insensitive name or slug.
func Match(store *catalog.Store, sectorName string) (catalog.Sector, bool) {
	name := strings.TrimSpace(sectorName)
	if name == "" || store == nil {
		return catalog.Sector{}, false
	}
	slug := catalog.Slugify(name)
	for _, sec := range store.Sectors() {
		if strings.EqualFold(sec.Name, name) || strings.EqualFold(sec.Slug, name) || (slug != "" && sec.Slug == slug) {
			return sec, true
		}
	}
	return catalog.Sector{}, false
}
