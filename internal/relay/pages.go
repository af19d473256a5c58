// ABOUTME: Inline HTML pages served by the relay: landing, offline, admin.
// ABOUTME: Self-contained templates, no external asset files needed.

package relay

import (
	"fmt"
	"html/template"
	"time"
)

// pageStyle is shared by every relay-served page.
const pageStyle = `
body { background: #0c0c18; color: #e0e0f0; font-family: -apple-system, system-ui, sans-serif;
       display: flex; flex-direction: column; align-items: center; justify-content: center;
       min-height: 100vh; margin: 0; padding: 20px; box-sizing: border-box; }
h1 { font-size: 1.6em; margin-bottom: 0.3em; }
.bot-list { list-style: none; padding: 0; width: 100%; max-width: 400px; }
.bot-list li { margin: 8px 0; }
.bot-list a { display: flex; align-items: center; gap: 10px; padding: 14px 18px;
              background: #1a1a2e; border-radius: 12px; color: #e0e0f0;
              text-decoration: none; font-size: 1.1em; transition: background 0.15s; }
.bot-list a:hover { background: #252545; }
.dot { width: 10px; height: 10px; border-radius: 50%; flex-shrink: 0; }
.dot.online { background: #4cff8e; box-shadow: 0 0 6px #4cff8e; }
.dot.offline { background: #555; }
.muted { color: #667; font-size: 0.85em; }
.card { background: #1a1a2e; border-radius: 12px; padding: 16px 20px; margin: 10px 0;
        width: 100%; max-width: 600px; }
.file-row { display: flex; align-items: center; justify-content: space-between;
            padding: 8px 0; border-bottom: 1px solid #252545; gap: 10px; }
.file-row:last-child { border-bottom: none; }
.file-info { flex: 1; min-width: 0; }
.file-name { font-size: 0.95em; word-break: break-all; }
.file-meta { color: #667; font-size: 0.8em; }
.btn { padding: 6px 14px; border-radius: 8px; border: none; cursor: pointer;
       font-size: 0.85em; text-decoration: none; display: inline-block; }
.btn-dl { background: #2a4a6e; color: #e0e0f0; }
.btn-dl:hover { background: #3a5a8e; }
.btn-del { background: #5a2a2a; color: #e0e0f0; }
.btn-del:hover { background: #7a3a3a; }
.btn-back { background: #252545; color: #e0e0f0; margin-bottom: 12px; }
.btn-back:hover { background: #353565; }
.total { color: #667; font-size: 0.85em; margin-top: 4px; }
`

var landingTmpl = template.Must(template.New("landing").Parse(`<!DOCTYPE html><html><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>PACbot Relay</title><style>` + pageStyle + `</style>
</head><body><h1>PACbot Relay</h1>
<p class="muted">Use your bot dashboard to find your remote URL.</p>
</body></html>`))

var offlineTmpl = template.Must(template.New("offline").Parse(`<!DOCTYPE html><html><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Bot}} — Offline</title><style>` + pageStyle + `</style>
<meta http-equiv="refresh" content="10">
</head><body>
<h1>{{.Bot}}</h1>
<p><span class="dot offline" style="display:inline-block;vertical-align:middle"></span> &nbsp;Offline</p>
<p class="muted">This page will auto-refresh when the bot reconnects.</p>
</body></html>`))

var adminTmpl = template.Must(template.New("admin").Parse(`<!DOCTYPE html><html><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Title}}</title><style>` + pageStyle + `</style></head>
<body style="justify-content:flex-start;padding-top:40px">
<h1>{{.Title}}</h1>
{{if not .Bots}}<p class="muted">No uploads yet.</p>{{else}}
<ul class="bot-list">
{{range .Bots}}<li><a href="/-/admin/uploads/{{.Name}}{{$.SecretQuery}}"><span class="dot {{if .Online}}online{{else}}offline{{end}}"></span>{{.Name}} &mdash; {{.Count}} file{{if ne .Count 1}}s{{end}}, {{.Size}}</a></li>
{{end}}</ul>
<p class="total">Total: {{.TotalSize}}</p>
{{end}}
</body></html>`))

var adminBotTmpl = template.Must(template.New("adminBot").Parse(`<!DOCTYPE html><html><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Bot}} — Uploads</title><style>` + pageStyle + `</style></head>
<body style="justify-content:flex-start;padding-top:40px">
<h1>{{.Bot}} — Uploads</h1>
<a class="btn btn-back" href="/-/admin{{.SecretQuery}}">&larr; All bots</a>
<div class="card"><h3 style="margin:0 0 10px">{{.Bot}}</h3>
{{range .Files}}<div class="file-row">
<div class="file-info"><div class="file-name">{{.Name}}</div>
<div class="file-meta">{{.Size}} &middot; {{.Age}}</div></div>
<a class="btn btn-dl" href="/-/admin/uploads/{{$.Bot}}/{{.Name}}{{$.SecretQuery}}">Download</a>
<button class="btn btn-del" onclick="delFile(this,'{{.Name}}')">Delete</button>
</div>
{{end}}<div style="margin-top:12px;text-align:right">
<button class="btn btn-del" onclick="delAll()">Delete All</button>
</div></div>
<script>
function delFile(btn,f){if(!confirm('Delete '+f+'?'))return;
fetch('/-/admin/uploads/{{.Bot}}/'+f+'{{.SecretQuery}}',{method:'DELETE'})
.then(r=>{if(r.ok)btn.closest('.file-row').remove();else alert('Delete failed: '+r.status)})
.catch(e=>alert(e))}
function delAll(){if(!confirm('Delete ALL uploads for {{.Bot}}?'))return;
fetch('/-/admin/uploads/{{.Bot}}{{.SecretQuery}}',{method:'DELETE'})
.then(r=>{if(r.ok)location.href='/-/admin{{.SecretQuery}}';else alert('Failed: '+r.status)})
.catch(e=>alert(e))}
</script>
</body></html>`))

// formatSize renders a byte count the way the admin pages display it.
func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age >= 24*time.Hour:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	case age >= time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		m := int(age.Minutes())
		if m < 1 {
			m = 1
		}
		return fmt.Sprintf("%dm ago", m)
	}
}
