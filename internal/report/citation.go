package report

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/research"
)

// Format is a citation style.
type Format string

const (
	APA Format = "APA"
	MLA Format = "MLA"
)

// ParseFormat accepts APA or MLA in any case; empty means APA.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "APA":
		return APA, nil
	case "MLA":
		return MLA, nil
	}
	return "", fmt.Errorf("unsupported report format %q", s)
}

// Reference renders one source.
func (f Format) Reference(s research.Source) string {
	site := helpers.Domain(s.URL)
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = site
	}
	if f == MLA {
		return fmt.Sprintf("\"%s.\" *%s*, %s.", strings.TrimSuffix(title, "."), site, s.URL)
	}
	return fmt.Sprintf("%s. (n.d.). *%s*. %s", strings.TrimSuffix(title, "."), site, s.URL)
}

// References renders the references list as markdown.
func (f Format) References(sources []research.Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## References\n\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s\n", f.Reference(s))
	}
	return b.String()
}
