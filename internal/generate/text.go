package generate

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	spaceRe          = regexp.MustCompile(`[ \t]+`)
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"pre": true, "tr": true, "table": true, "section": true, "article": true,
}

// StripHTML returns the visible text of an HTML fragment. Block elements
// become line breaks; script and style content is dropped.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way the text so far is the result.
			return tidy(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
	}
	out := strings.Join(lines, "\n")
	out = excessiveLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// ToMarkdown converts generated HTML into GitHub flavoured markdown.
func ToMarkdown(s string) (string, error) {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	out, err := conv.ConvertString(s)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(excessiveLinesRe.ReplaceAllString(out, "\n\n")), nil
}
