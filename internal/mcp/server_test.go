package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/mcp"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/script"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/simhost"
)

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func newServer(t *testing.T, level permission.Level) (*simhost.Host, *mcp.Server) {
	t.Helper()
	host, err := simhost.New(simhost.SampleBase(), simhost.WithPermission(level))
	require.NoError(t, err)
	s, err := sdk.NewSession(context.Background(), host, sdk.WithUnloadDelay(0))
	require.NoError(t, err)
	r := script.New(s)
	t.Cleanup(func() {
		r.Close()
		s.Close()
		host.Close()
	})
	return host, mcp.NewServer(s, r)
}

var nextID = 0

// call sends a JSON-RPC request and returns its decoded result.
func call(t *testing.T, s *mcp.Server, method string, params any, result any) {
	t.Helper()
	nextID++
	req, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": nextID, "method": method, "params": params})
	require.NoError(t, err)
	resp, err := json.Marshal(s.Handle(context.Background(), req))
	require.NoError(t, err)
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp, &envelope))
	require.Nil(t, envelope.Error, "%s: %s", method, resp)
	require.NoError(t, json.Unmarshal(envelope.Result, result))
}

func callTool(t *testing.T, s *mcp.Server, name string, args map[string]any) toolResult {
	t.Helper()
	var res toolResult
	call(t, s, "tools/call", map[string]any{"name": name, "arguments": args}, &res)
	require.NotEmpty(t, res.Content)
	return res
}

func TestListTools(t *testing.T) {
	_, s := newServer(t, permission.Read)
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	call(t, s, "tools/list", map[string]any{}, &res)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_tables", "select_records", "update_record", "create_record", "delete_record", "run_lua"}, names)
}

func TestListTablesAndSelect(t *testing.T) {
	_, s := newServer(t, permission.Read)

	res := callTool(t, s, "list_tables", nil)
	require.False(t, res.IsError, res.Content[0].Text)
	var tables []struct {
		ID     string `json:"id"`
		Fields []struct {
			Name    string `json:"name"`
			Primary bool   `json:"primary"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &tables))
	require.Len(t, tables, 2)
	assert.Equal(t, "tblTasks", tables[0].ID)
	assert.True(t, tables[0].Fields[0].Primary)

	res = callTool(t, s, "select_records", map[string]any{
		"table":     "Tasks",
		"sort":      "Estimate",
		"direction": "desc",
		"fields":    []any{"Name", "Estimate"},
	})
	require.False(t, res.IsError, res.Content[0].Text)
	var records []struct {
		ID    string         `json:"id"`
		Cells map[string]any `json:"cells"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &records))
	require.Len(t, records, 4)
	for i := 1; i < len(records); i++ {
		prev, _ := records[i-1].Cells["Estimate"].(float64)
		cur, _ := records[i].Cells["Estimate"].(float64)
		assert.GreaterOrEqual(t, prev, cur)
	}
	assert.NotContains(t, records[0].Cells, "Notes")

	res = callTool(t, s, "select_records", map[string]any{"table": "Nope"})
	assert.True(t, res.IsError)
}

func TestRecordTools(t *testing.T) {
	host, s := newServer(t, permission.Edit)

	res := callTool(t, s, "update_record", map[string]any{
		"table": "Tasks", "recordId": "recBuild", "cells": map[string]any{"Notes": "via agent"},
	})
	require.False(t, res.IsError, res.Content[0].Text)

	res = callTool(t, s, "create_record", map[string]any{"table": "tblTasks", "cells": map[string]any{"Name": "Plan"}})
	require.False(t, res.IsError, res.Content[0].Text)
	var created struct{ ID string }
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &created))

	res = callTool(t, s, "delete_record", map[string]any{"table": "Tasks", "recordId": "recShip"})
	require.False(t, res.IsError, res.Content[0].Text)

	require.NoError(t, host.Flush(context.Background()))
	tree := datatree.New(host.Snapshot())
	notes, _ := tree.Get(path.CellValue("tblTasks", "recBuild", "fldNotes"))
	assert.Equal(t, "via agent", notes)
	assert.True(t, tree.Exists(path.Record("tblTasks", created.ID)))
	assert.False(t, tree.Exists(path.Record("tblTasks", "recShip")))

	res = callTool(t, s, "delete_record", map[string]any{"table": "Tasks", "recordId": "recShip"})
	assert.True(t, res.IsError)
}

func TestRunLuaAndResource(t *testing.T) {
	_, s := newServer(t, permission.Read)

	res := callTool(t, s, "run_lua", map[string]any{"code": `return base:name()`})
	require.False(t, res.IsError, res.Content[0].Text)
	assert.Equal(t, `"Project Tracker"`, res.Content[0].Text)

	res = callTool(t, s, "run_lua", map[string]any{"code": `error("boom")`})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "boom")

	var read struct {
		Contents []struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"contents"`
	}
	call(t, s, "resources/read", map[string]any{"uri": mcp.BaseURI}, &read)
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, `"Project Tracker"`)
}
