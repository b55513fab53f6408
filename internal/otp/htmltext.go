package otp

import (
	"strings"

	"golang.org/x/net/html"
)

// htmlToText strips markup from an HTML email body, keeping only visible
// text so the code pattern matches what the user would read. Script and
// style contents are dropped; block boundaries become whitespace.
func htmlToText(raw string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(raw))

	var b strings.Builder
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skipped(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skipped(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func skipped(tag string) bool {
	return tag == "script" || tag == "style" || tag == "head" || tag == "title"
}
