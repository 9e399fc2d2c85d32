package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/iancoleman/strcase"
	log "github.com/sirupsen/logrus"
)

// markupFields carry HTML fragments upstream; they are reduced to plain text.
var markupFields = map[string]bool{
	"comments":        true,
	"description":     true,
	"summary":         true,
	"space":           true,
	"notes":           true,
	"response":        true,
	"house_rules":     true,
	"access":          true,
	"interaction":     true,
	"neighborhood":    true,
	"transit":         true,
	"localized_about": true,
}

// Record converts snake_case keys to lowerCamelCase at every nesting level
// and strips markup from known free-text fields.
func Record(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out, _ := value("", in).(map[string]any)
	return out
}

func value(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[strcase.ToLowerCamel(k)] = value(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = value(key, inner)
		}
		return out
	case string:
		if markupFields[key] {
			return PlainText(t)
		}
		return t
	default:
		return v
	}
}

// PlainText renders an HTML fragment as text, keeping line breaks.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		log.Debugf("Failed to parse markup, keeping raw text: %v", err)
		return fragment
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return strings.TrimSpace(doc.Text())
}
