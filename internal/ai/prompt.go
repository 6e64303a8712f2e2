package ai

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rodrwan/moaa/internal/model"
)

//go:embed prompts/diff.yaml
var defaultPromptYAML string

// promptTemplate holds the static text of the diff prompt.
type promptTemplate struct {
	Role         string   `yaml:"role"`
	Rules        []string `yaml:"rules"`
	OutputFormat string   `yaml:"output_format"`
	FilesHeader  string   `yaml:"files_header"`
	Request      string   `yaml:"request"`
}

func parsePromptTemplate(content string) (promptTemplate, error) {
	var tmpl promptTemplate
	if err := yaml.Unmarshal([]byte(content), &tmpl); err != nil {
		return promptTemplate{}, fmt.Errorf("%w: parse prompt template: %v", model.ErrConfiguration, err)
	}
	if strings.TrimSpace(tmpl.Role) == "" || strings.TrimSpace(tmpl.Request) == "" {
		return promptTemplate{}, fmt.Errorf("%w: prompt template needs role and request", model.ErrConfiguration)
	}
	return tmpl, nil
}

func (p promptTemplate) system() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Role))
	if len(p.Rules) > 0 {
		b.WriteString("\n\nIMPORTANT RULES:\n")
		for i, r := range p.Rules {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(r))
		}
	}
	if f := strings.TrimSpace(p.OutputFormat); f != "" {
		b.WriteString("\n")
		b.WriteString(f)
	}
	return b.String()
}

// user renders the files in the order given, then the request.
func (p promptTemplate) user(description string, files []model.SourceFile) string {
	sections := make([]string, 0, len(files))
	for _, f := range files {
		sections = append(sections, "=== "+f.Path+" ===\n"+f.Content)
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.FilesHeader))
	b.WriteString("\n\n")
	b.WriteString(strings.Join(sections, "\n\n"))
	b.WriteString("\n\n---\n\nUser Request: ")
	b.WriteString(description)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(p.Request))
	return b.String()
}
