package handler

import (
	"bytes"
	"html/template"

	"webrelay/internal/model"
)

// errorPage is the diagnostic document shown in place of a page that could
// not be fetched. It is self-contained so it renders even inside an iframe
// whose parent has no stylesheet for it.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="background:#1a1a1a;color:#e0e0e0;font-family:sans-serif;padding:20px;">
<h2 style="color:#ff4444;">{{.Title}}</h2>
{{- if .Path}}
<p><strong>Requested path:</strong> {{.Path}}</p>
{{- end}}
<p><strong>URL:</strong> {{.URL}}</p>
<p><strong>Error:</strong> {{.Err}}</p>
{{- if .Hints}}
<p>Try:</p>
<ul>
{{- range .Hints}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
{{- if .BackLink}}
<p><a href="/" style="color:#00ffff;">&larr; Back to start page</a></p>
{{- end}}
</body></html>
`))

type errorPageData struct {
	Title    string
	Path     string
	URL      string
	Err      string
	Hints    []string
	BackLink bool
}

var explicitHints = []string{
	"Check that the URL is correct",
	"Try the other protocol (http/https)",
	"Wait a moment and try again",
}

// renderErrorPage builds the error document for a failed fetch of url.
// path is the inbound request path and is only shown for the catch-all route.
func renderErrorPage(entry model.EntryPointKind, path, url string, err error) ([]byte, error) {
	data := errorPageData{URL: url, Err: err.Error()}
	if entry == model.CatchAll {
		data.Title = "Proxy request failed"
		data.Path = path
		data.BackLink = true
	} else {
		data.Title = "Page failed to load"
		data.Hints = explicitHints
	}

	var buf bytes.Buffer
	if err := errorPage.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
