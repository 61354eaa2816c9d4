package inspect

import (
	"strings"
)

// Docs is the parsed view of a function's documentation. Section headers in
// the Google/NumPy style (Args:, Returns:, Raises:, Example:, Notes:) split
// the text; lines before any header extend the description and the first
// line is the summary.
type Docs struct {
	Summary     string            `json:"summary,omitempty"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Returns     string            `json:"returns,omitempty"`
	Raises      map[string]string `json:"raises,omitempty"`
	Examples    []string          `json:"examples,omitempty"`
	Notes       string            `json:"notes,omitempty"`
}

type docSection int

const (
	secDescription docSection = iota
	secParams
	secReturns
	secRaises
	secExamples
	secNotes
)

var sectionHeaders = map[string]docSection{
	"args":       secParams,
	"arguments":  secParams,
	"parameters": secParams,
	"returns":    secReturns,
	"raises":     secRaises,
	"example":    secExamples,
	"examples":   secExamples,
	"notes":      secNotes,
}

// ParseDocs splits doc text into structured fields. Empty input yields empty
// fields.
func ParseDocs(doc string) Docs {
	d := Docs{}
	if strings.TrimSpace(doc) == "" {
		return d
	}

	section := secDescription
	var desc, returns, notes []string
	var example []string

	flushExample := func() {
		if len(example) > 0 {
			d.Examples = append(d.Examples, strings.Join(example, "\n"))
			example = nil
		}
	}

	for _, raw := range strings.Split(doc, "\n") {
		line := strings.TrimSpace(raw)

		if sec, ok := headerFor(line); ok {
			flushExample()
			section = sec
			continue
		}
		if line == "" {
			if section == secExamples {
				flushExample()
			}
			continue
		}

		switch section {
		case secDescription:
			desc = append(desc, line)
		case secParams:
			name, text, ok := splitNameDesc(line)
			if ok {
				if d.Params == nil {
					d.Params = make(map[string]string)
				}
				d.Params[name] = text
			}
		case secReturns:
			returns = append(returns, line)
		case secRaises:
			name, text, ok := splitNameDesc(line)
			if ok {
				if d.Raises == nil {
					d.Raises = make(map[string]string)
				}
				d.Raises[name] = text
			}
		case secExamples:
			example = append(example, raw)
		case secNotes:
			notes = append(notes, line)
		}
	}
	flushExample()

	if len(desc) > 0 {
		d.Summary = desc[0]
		if len(desc) > 1 {
			d.Description = strings.Join(desc[1:], " ")
		}
	}
	d.Returns = strings.Join(returns, " ")
	d.Notes = strings.Join(notes, " ")
	return d
}

func headerFor(line string) (docSection, bool) {
	if !strings.HasSuffix(line, ":") {
		return 0, false
	}
	key := strings.ToLower(strings.TrimSuffix(line, ":"))
	sec, ok := sectionHeaders[key]
	return sec, ok
}

// splitNameDesc matches "NAME: DESC" parameter and raises lines.
func splitNameDesc(line string) (name, desc string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:idx])
	desc = strings.TrimSpace(line[idx+1:])
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", "", false
	}
	return name, desc, true
}
