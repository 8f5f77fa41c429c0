package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newInspectCommand(g *globalFlags) *cobra.Command {
	var (
		sf     sessionFlags
		view   string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "inspect [table]",
		Short: "Show a base's tables, or the records of one table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, func(c *Config) { sf.apply(cmd, c) })
			if err != nil {
				return err
			}
			session, closeSession, err := openSession(cmd.Context(), cfg, sf.url)
			if err != nil {
				return err
			}
			defer closeSession()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				if asJSON {
					return writeJSON(out, session.Snapshot())
				}
				return inspectBase(out, session)
			}
			t, err := session.Base().GetTable(args[0])
			if err != nil {
				return err
			}
			return inspectTable(cmd, t, view, limit, asJSON)
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&view, "view", "", "list the records of this view, in its order")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many records (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func render(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func inspectBase(out io.Writer, s *sdk.Session) error {
	b := s.Base()
	fmt.Fprintf(out, "%s (%s)\n", b.Name(), b.PermissionLevel())
	var rows [][]string
	for _, t := range b.Tables() {
		primary := ""
		if f := t.PrimaryField(); f != nil {
			primary = f.Name()
		}
		rows = append(rows, []string{
			t.Name(), t.ID(), primary,
			strconv.Itoa(len(t.Fields())), strconv.Itoa(len(t.Views())),
		})
	}
	fmt.Fprintln(out, render([]string{"Table", "ID", "Primary field", "Fields", "Views"}, rows))
	return nil
}

func inspectTable(cmd *cobra.Command, t *sdk.Table, viewRef string, limit int, asJSON bool) error {
	sel := t.SelectRecords
	if viewRef != "" {
		v, err := t.GetView(viewRef)
		if err != nil {
			return err
		}
		sel = v.SelectRecords
	}
	q, err := sel(query.Options{})
	if err != nil {
		return err
	}
	defer q.Release()
	if _, err := q.LoadData(cmd.Context()); err != nil {
		return err
	}
	defer q.UnloadData()

	records := q.Records()
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	fields := t.Fields()
	if asJSON {
		list := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			list = append(list, map[string]any{"id": rec.ID(), "cellValuesByFieldId": rec.CellValues()})
		}
		return writeJSON(cmd.OutOrStdout(), list)
	}

	headers := []string{"ID"}
	for _, f := range fields {
		headers = append(headers, f.Name())
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := []string{rec.ID()}
		for _, f := range fields {
			row = append(row, rec.GetCellValueAsString(f.ID()))
		}
		rows = append(rows, row)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d of %d records\n", t.Name(), len(records), len(q.RecordIDs()))
	fmt.Fprintln(out, render(headers, rows))
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
