package runlog

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mesh.report/internal/httputil"
)

// AttachAdminRoutes mounts the tsweb debugger on mux with a live SQL console
// over the history and a chart of recent runs.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Reconstruction runs",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("runs/chart", "Recent reconstruction runs", db.ChartHandler())
	return nil
}

// ChartHandler renders run durations and vertex counts of recent runs. The
// optional limit query parameter bounds the number of runs.
func (db *DB) ChartHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httputil.BadRequest(w, "limit must be a positive integer")
				return
			}
			limit = n
		}
		runs, err := db.RecentRuns(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}

		var buf bytes.Buffer
		if err := renderRunChart(&buf, runs); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

func renderRunChart(buf *bytes.Buffer, runs []Run) error {
	x := make([]string, 0, len(runs))
	durations := make([]opts.LineData, 0, len(runs))
	vertices := make([]opts.LineData, 0, len(runs))
	// Oldest first, left to right.
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		x = append(x, r.StartedAt.Format("01-02 15:04:05"))
		durations = append(durations, opts.LineData{Name: r.Status, Value: r.Duration.Seconds()})
		vertices = append(vertices, opts.LineData{Name: r.SnapshotID, Value: r.Vertices})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Reconstruction runs", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Reconstruction runs", Subtitle: fmt.Sprintf("last %d runs", len(runs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "vertices"})
	line.SetXAxis(x).
		AddSeries("duration", durations).
		AddSeries("vertices", vertices, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))
	return line.Render(buf)
}
