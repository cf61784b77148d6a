package pipeline

import (
	"strings"

	"github.com/plansmith/plansmith/engine/pkg/models"
)

// Section markers delimit labeled output in the durable combined view so it
// can be re-parsed into sections later. The legacy view is plain markdown
// for direct display or export.
const (
	sectionOpenPrefix = "<<<SECTION:"
	sectionOpenSuffix = ">>>"
	sectionEndMarker  = "<<<END_SECTION>>>"
)

// RenderSections produces the marker-delimited combined output.
func RenderSections(sections []models.Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sectionOpenPrefix)
		b.WriteString(s.Label)
		b.WriteString(sectionOpenSuffix)
		b.WriteString("\n")
		b.WriteString(s.Content)
		b.WriteString("\n")
		b.WriteString(sectionEndMarker)
	}
	return b.String()
}

// ParseSections is the inverse of RenderSections: it reproduces the same
// {label, content} list in the same order.
func ParseSections(combined string) []models.Section {
	var sections []models.Section
	rest := combined
	for {
		start := strings.Index(rest, sectionOpenPrefix)
		if start < 0 {
			break
		}
		rest = rest[start+len(sectionOpenPrefix):]

		labelEnd := strings.Index(rest, sectionOpenSuffix)
		if labelEnd < 0 {
			break
		}
		label := rest[:labelEnd]
		rest = rest[labelEnd+len(sectionOpenSuffix):]
		rest = strings.TrimPrefix(rest, "\n")

		end := strings.Index(rest, "\n"+sectionEndMarker)
		if end < 0 {
			break
		}
		sections = append(sections, models.Section{
			Label:   label,
			Content: rest[:end],
		})
		rest = rest[end+1+len(sectionEndMarker):]
	}
	return sections
}

// RenderLegacy produces the flat concatenated view: each section as a
// markdown heading followed by its content.
func RenderLegacy(sections []models.Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Label)
		b.WriteString("\n\n")
		b.WriteString(s.Content)
	}
	return b.String()
}
