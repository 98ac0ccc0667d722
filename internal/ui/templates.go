package ui

import (
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// Each page is parsed into its own set cloned from the base layout, so a
// page can redefine base blocks without affecting siblings.
var templates = parsePages()

var funcMap = template.FuncMap{
	"formatTime":    formatTime,
	"providerLabel": providerLabel,
}

func formatTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return ""
		}
		return formatTime(*t)
	}
	return ""
}

// providerLabel maps a provider id to its display name.
func providerLabel(name string) string {
	switch name {
	case "slack":
		return "Slack"
	case "notion":
		return "Notion"
	case "asana":
		return "Asana"
	}
	return name
}

func parsePages() map[string]*template.Template {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		panic(err)
	}

	base := template.Must(template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html"))

	pages := make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if name == "base.html" {
			continue
		}
		set := template.Must(base.Clone())
		template.Must(set.ParseFS(templateFS, "templates/"+name))
		pages[name] = set
	}
	return pages
}
