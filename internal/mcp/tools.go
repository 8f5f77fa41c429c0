package mcp

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
)

type fieldInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Primary bool   `json:"primary,omitempty"`
}

type viewInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type tableInfo struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Fields []fieldInfo `json:"fields"`
	Views  []viewInfo  `json:"views"`
}

type recordInfo struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Cells map[string]any `json:"cells"`
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_tables",
		mcp.WithDescription("List the base's tables with their fields and views"),
	), s.listTables)

	s.mcp.AddTool(mcp.NewTool("select_records",
		mcp.WithDescription("Read records of a table or view, optionally sorted and filtered"),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table id or name")),
		mcp.WithString("view", mcp.Description("View id or name; records come in the view's order")),
		mcp.WithString("sort", mcp.Description("Field to sort by")),
		mcp.WithString("direction", mcp.Description("asc or desc"), mcp.Enum("asc", "desc")),
		mcp.WithString("filter", mcp.Description(`Formula over fields["Name"] and id, e.g. fields["Estimate"] > 3`)),
		mcp.WithArray("fields", mcp.Description("Field ids or names to return"), mcp.WithStringItems()),
	), s.selectRecords)

	s.mcp.AddTool(mcp.NewTool("update_record",
		mcp.WithDescription("Set cell values of a record"),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table id or name")),
		mcp.WithString("recordId", mcp.Required(), mcp.Description("Record id")),
		mcp.WithObject("cells", mcp.Required(), mcp.Description("Cell values keyed by field id or name; null clears a cell")),
	), s.updateRecord)

	s.mcp.AddTool(mcp.NewTool("create_record",
		mcp.WithDescription("Create a record and return its id"),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table id or name")),
		mcp.WithObject("cells", mcp.Description("Cell values keyed by field id or name")),
	), s.createRecord)

	s.mcp.AddTool(mcp.NewTool("delete_record",
		mcp.WithDescription("Delete a record"),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table id or name")),
		mcp.WithString("recordId", mcp.Required(), mcp.Description("Record id")),
	), s.deleteRecord)

	if s.runner != nil {
		s.mcp.AddTool(mcp.NewTool("run_lua",
			mcp.WithDescription("Run a Lua script against the base. The global base offers name, tables, table, cursor; tables offer select, count, update, create and delete"),
			mcp.WithString("code", mcp.Required(), mcp.Description("Lua source; the first returned value is the result")),
		), s.runLua)
	}
}

// jsonResult renders v as the text of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports err to the agent as a failed tool call.
func toolError(tool string, err error) (*mcp.CallToolResult, error) {
	glog.V(1).Infof("mcp: %s: %v", tool, err)
	return mcp.NewToolResultError(err.Error()), nil
}

func (s *Server) table(req mcp.CallToolRequest) (*sdk.Table, error) {
	ref, err := req.RequireString("table")
	if err != nil {
		return nil, err
	}
	return s.session.Base().GetTable(ref)
}

func cells(req mcp.CallToolRequest) map[string]any {
	m, _ := req.GetArguments()["cells"].(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func (s *Server) listTables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tables []tableInfo
	for _, t := range s.session.Base().Tables() {
		info := tableInfo{ID: t.ID(), Name: t.Name()}
		for _, f := range t.Fields() {
			info.Fields = append(info.Fields, fieldInfo{ID: f.ID(), Name: f.Name(), Type: string(f.Type()), Primary: f.IsPrimaryField()})
		}
		for _, v := range t.Views() {
			info.Views = append(info.Views, viewInfo{ID: v.ID(), Name: v.Name()})
		}
		tables = append(tables, info)
	}
	return jsonResult(tables)
}

func (s *Server) selectRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := s.table(req)
	if err != nil {
		return toolError("select_records", err)
	}
	opts := query.Options{Filter: req.GetString("filter", "")}
	if field := req.GetString("sort", ""); field != "" {
		opts.Sorts = []query.Sort{{Field: field, Direction: req.GetString("direction", "")}}
	}
	opts.Fields = req.GetStringSlice("fields", nil)
	sel := t.SelectRecords
	if ref := req.GetString("view", ""); ref != "" {
		v, err := t.GetView(ref)
		if err != nil {
			return toolError("select_records", err)
		}
		sel = v.SelectRecords
	}

	q, err := sel(opts)
	if err != nil {
		return toolError("select_records", err)
	}
	defer q.Release()
	if _, err := q.LoadData(ctx); err != nil {
		return toolError("select_records", err)
	}
	defer q.UnloadData()

	fields := t.Fields()
	if len(opts.Fields) > 0 {
		fields = fields[:0:0]
		for _, ref := range opts.Fields {
			f, err := t.GetField(ref)
			if err != nil {
				return toolError("select_records", err)
			}
			fields = append(fields, f)
		}
	}
	records := make([]recordInfo, 0, len(q.RecordIDs()))
	for _, rec := range q.Records() {
		info := recordInfo{ID: rec.ID(), Name: rec.Name(), Cells: make(map[string]any, len(fields))}
		for _, f := range fields {
			v, err := q.GetCellValue(rec.ID(), f.ID())
			if err != nil {
				return toolError("select_records", err)
			}
			if v != nil {
				info.Cells[f.Name()] = v
			}
		}
		records = append(records, info)
	}
	return jsonResult(records)
}

// withRecords keeps t's record data loaded while fn runs.
func withRecords(ctx context.Context, t *sdk.Table, fn func() (*sdk.Completion, error)) error {
	q, err := t.SelectRecords(query.Options{})
	if err != nil {
		return err
	}
	defer q.Release()
	if _, err := q.LoadData(ctx); err != nil {
		return err
	}
	defer q.UnloadData()
	done, err := fn()
	if err != nil {
		return err
	}
	return done.Wait(ctx)
}

func (s *Server) updateRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := s.table(req)
	if err != nil {
		return toolError("update_record", err)
	}
	id, err := req.RequireString("recordId")
	if err != nil {
		return toolError("update_record", err)
	}
	err = withRecords(ctx, t, func() (*sdk.Completion, error) {
		return t.UpdateRecord(ctx, id, cells(req))
	})
	if err != nil {
		return toolError("update_record", err)
	}
	return mcp.NewToolResultText("updated " + id), nil
}

func (s *Server) createRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := s.table(req)
	if err != nil {
		return toolError("create_record", err)
	}
	var id string
	err = withRecords(ctx, t, func() (*sdk.Completion, error) {
		var done *sdk.Completion
		var err error
		id, done, err = t.CreateRecord(ctx, cells(req))
		return done, err
	})
	if err != nil {
		return toolError("create_record", err)
	}
	return jsonResult(map[string]string{"id": id})
}

func (s *Server) deleteRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := s.table(req)
	if err != nil {
		return toolError("delete_record", err)
	}
	id, err := req.RequireString("recordId")
	if err != nil {
		return toolError("delete_record", err)
	}
	err = withRecords(ctx, t, func() (*sdk.Completion, error) {
		return t.DeleteRecord(ctx, id)
	})
	if err != nil {
		return toolError("delete_record", err)
	}
	return mcp.NewToolResultText("deleted " + id), nil
}

func (s *Server) runLua(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return toolError("run_lua", err)
	}
	v, err := s.runner.Run(ctx, "run_lua", code)
	if err != nil {
		return toolError("run_lua", err)
	}
	return jsonResult(v)
}
