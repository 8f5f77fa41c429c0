package simhost

// SampleBase returns a small project tracker base: a Tasks table with a
// select, a number and a notes field and two views, and a People table.
func SampleBase() map[string]any {
	choices := []any{
		map[string]any{"id": "selTodo", "name": "Todo"},
		map[string]any{"id": "selDoing", "name": "Doing"},
		map[string]any{"id": "selDone", "name": "Done"},
	}
	task := func(id, created, name, status string, estimate float64) map[string]any {
		cells := map[string]any{"fldName": name, "fldEstimate": estimate}
		if status != "" {
			cells["fldStatus"] = map[string]any{"id": "sel" + status, "name": status}
		}
		return map[string]any{
			"id":                  id,
			"createdTime":         created,
			"commentCount":        0,
			"cellValuesByFieldId": cells,
		}
	}
	return map[string]any{
		"id":              "appTracker",
		"name":            "Project Tracker",
		"permissionLevel": "owner",
		"currentUserId":   "usrAda",
		"tableOrder":      []any{"tblTasks", "tblPeople"},
		"tablesById": map[string]any{
			"tblTasks": map[string]any{
				"id":             "tblTasks",
				"name":           "Tasks",
				"description":    "Work items",
				"primaryFieldId": "fldName",
				"viewOrder":      []any{"viwAll", "viwOpen"},
				"fieldsById": map[string]any{
					"fldName":     map[string]any{"id": "fldName", "name": "Name", "type": "singleLineText"},
					"fldStatus":   map[string]any{"id": "fldStatus", "name": "Status", "type": "singleSelect", "options": map[string]any{"choices": choices}},
					"fldEstimate": map[string]any{"id": "fldEstimate", "name": "Estimate", "type": "number"},
					"fldNotes":    map[string]any{"id": "fldNotes", "name": "Notes", "type": "multilineText"},
				},
				"viewsById": map[string]any{
					"viwAll": map[string]any{
						"id":   "viwAll",
						"name": "All tasks",
						"type": "grid",
						"fieldOrder": map[string]any{
							"fieldIds":          []any{"fldName", "fldStatus", "fldEstimate", "fldNotes"},
							"visibleFieldCount": 3,
						},
						"visibleRecordIds": []any{"recDesign", "recBuild", "recTest", "recShip"},
					},
					"viwOpen": map[string]any{
						"id":   "viwOpen",
						"name": "Open",
						"type": "grid",
						"fieldOrder": map[string]any{
							"fieldIds":          []any{"fldName", "fldEstimate", "fldStatus", "fldNotes"},
							"visibleFieldCount": 2,
						},
						"visibleRecordIds": []any{"recBuild", "recTest", "recShip"},
					},
				},
				"recordsById": map[string]any{
					"recDesign": task("recDesign", "2024-01-01T09:00:00.000Z", "Design", "Done", 3),
					"recBuild":  task("recBuild", "2024-01-02T09:00:00.000Z", "Build", "Doing", 8),
					"recTest":   task("recTest", "2024-01-03T09:00:00.000Z", "Test", "Todo", 5),
					"recShip":   task("recShip", "2024-01-04T09:00:00.000Z", "Ship", "", 1),
				},
			},
			"tblPeople": map[string]any{
				"id":             "tblPeople",
				"name":           "People",
				"primaryFieldId": "fldPerson",
				"fieldsById": map[string]any{
					"fldPerson": map[string]any{"id": "fldPerson", "name": "Name", "type": "singleLineText"},
					"fldEmail":  map[string]any{"id": "fldEmail", "name": "Email", "type": "email"},
				},
				"recordsById": map[string]any{
					"recAda": map[string]any{
						"id":                  "recAda",
						"createdTime":         "2024-01-01T08:00:00.000Z",
						"cellValuesByFieldId": map[string]any{"fldPerson": "Ada", "fldEmail": "ada@example.com"},
					},
				},
			},
		},
		"cursorData": map[string]any{
			"activeTableId":       "tblTasks",
			"activeViewId":        "viwAll",
			"selectedRecordIdSet": map[string]any{"recBuild": true},
			"selectedFieldIdSet":  map[string]any{},
		},
	}
}
