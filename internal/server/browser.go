package server

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/path"
)

var browserTemplate = template.Must(template.New("browser").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Name}} - basekit</title>
<style>
* { box-sizing: border-box; margin: 0; padding: 0; }
body { font-family: system-ui, -apple-system, sans-serif; padding: 16px; background: #fafafa; color: #333; }
h1 { font-size: 1.2em; font-weight: 600; margin-bottom: 12px; }
h2 { font-size: 1em; font-weight: 600; margin: 16px 0 8px; }
.toolbar { display: flex; align-items: center; gap: 12px; margin-bottom: 12px; padding: 8px 12px; background: #fff; border: 1px solid #ddd; border-radius: 6px; font-size: 0.85em; }
.table-wrap { overflow-x: auto; background: #fff; border: 1px solid #ddd; border-radius: 6px; margin-bottom: 12px; }
table { border-collapse: collapse; font-size: 0.85em; width: 100%; }
thead { background: #f5f5f5; }
th { text-align: left; padding: 6px 10px; font-weight: 600; border-bottom: 2px solid #ddd; white-space: nowrap; }
td { padding: 4px 10px; border-bottom: 1px solid #eee; white-space: nowrap; vertical-align: top; }
tr:hover { background: #f8f8ff; }
.col-id { color: #888; font-family: monospace; }
.col-type { color: #0066cc; font-weight: 600; }
.col-value { color: #228b22; font-family: monospace; }
</style>
</head>
<body>
<h1>{{.Name}}</h1>
<div class="toolbar">
<span>permission: <b>{{.Permission}}</b></span>
<span>sessions: <b>{{len .Sessions}}</b></span>
<a href="/api/base">base JSON</a>
<a href="/metrics">metrics</a>
</div>
{{range .Tables}}
<h2>{{.Name}} <span class="col-id">{{.ID}}</span></h2>
<div class="table-wrap"><table>
<thead><tr><th>Field</th><th>Id</th><th>Type</th></tr></thead>
<tbody>{{range .Fields}}<tr><td>{{.Name}}{{if .Primary}} (primary){{end}}</td><td class="col-id">{{.ID}}</td><td class="col-type">{{.Type}}</td></tr>{{end}}</tbody>
</table></div>
<div class="toolbar"><span>records: <b class="col-value">{{.Records}}</b></span><span>views: {{range .Views}}{{.}} {{end}}</span></div>
{{end}}
<h2>Sessions</h2>
<div class="table-wrap"><table>
<thead><tr><th>Session</th><th>Remote</th><th>Connected</th><th>Subscriptions</th></tr></thead>
<tbody>{{range .Sessions}}<tr><td class="col-id">{{.ID}}</td><td>{{.RemoteAddr}}</td><td>{{.ConnectedAt.Format "15:04:05"}}</td><td class="col-value">{{range .Subscriptions}}{{.}} {{end}}</td></tr>{{end}}</tbody>
</table></div>
</body>
</html>
`))

type browserField struct {
	ID, Name, Type string
	Primary        bool
}

type browserTable struct {
	ID, Name string
	Fields   []browserField
	Views    []string
	Records  int
}

type browserPage struct {
	Name       string
	Permission string
	Tables     []browserTable
	Sessions   []SessionInfo
}

// handleBrowser renders an overview of the base and the connected sessions.
func (h *HTTPEndpoint) handleBrowser(c *gin.Context) {
	tree := datatree.New(h.host.Snapshot())
	page := browserPage{
		Name:       tree.String(path.Path{path.KeyName}),
		Permission: tree.String(path.Path{path.KeyPermission}),
	}
	for _, tid := range tree.Strings(path.TableOrder()) {
		t := path.Table(tid)
		bt := browserTable{
			ID:      tid,
			Name:    tree.String(t.Child(path.KeyName)),
			Records: len(tree.Keys(path.Records(tid))),
		}
		primary := tree.String(t.Child(path.KeyPrimaryField))
		for _, fid := range tree.Keys(t.Child(path.KeyFields)) {
			f := path.Field(tid, fid)
			bt.Fields = append(bt.Fields, browserField{
				ID:      fid,
				Name:    tree.String(f.Child(path.KeyName)),
				Type:    tree.String(f.Child(path.KeyType)),
				Primary: fid == primary,
			})
		}
		for _, vid := range tree.Strings(t.Child(path.KeyViewOrder)) {
			bt.Views = append(bt.Views, tree.String(path.View(tid, vid).Child(path.KeyName)))
		}
		page.Tables = append(page.Tables, bt)
	}
	for _, sess := range h.sessions.GetAllSessions() {
		page.Sessions = append(page.Sessions, SessionInfo{
			ID:            sess.ID,
			RemoteAddr:    sess.RemoteAddr,
			ConnectedAt:   sess.ConnectedAt,
			Subscriptions: h.relay.Subscriptions(sess.ID),
		})
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := browserTemplate.Execute(c.Writer, page); err != nil {
		h.wsEndpoint.Log(0, "render browser: %v", err)
	}
}
