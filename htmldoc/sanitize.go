package htmldoc

import (
	"io"

	"github.com/microcosm-cc/bluemonday"
)

// sanitize keeps user-generated-content markup plus the sectioning elements
// and ids the spy relies on.
func sanitize(r io.Reader) io.Reader {
	p := bluemonday.UGCPolicy()
	p.AllowElements("section", "article", "aside", "nav", "main", "header", "footer", "div", "span")
	p.AllowAttrs("id").Globally()
	p.AllowAttrs("class").Globally()
	p.AllowDataAttributes()
	return p.SanitizeReader(r)
}
