// Package archive indexes the reports in an archive directory into a SQLite database so that results can be queried
// with SQL.
package archive

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/Octogonapus/ClusterBenchmark/settings"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

const FileName = "results.db"

const schema = `
CREATE TABLE IF NOT EXISTS results (
	hash TEXT PRIMARY KEY,
	iteration INTEGER NOT NULL,
	benchmark TEXT NOT NULL,
	class TEXT,
	name TEXT,
	run_id TEXT,
	config TEXT,
	runs INTEGER,
	mean_time_sec REAL,
	error TEXT,
	path TEXT NOT NULL
);
`

type Archive struct {
	dir string
	db  *sql.DB
}

// Opens the database in archiveDir, creating it if needed. With rebuild, the index is recreated from the reports on
// disk.
func Open(archiveDir string, rebuild bool) (*Archive, error) {
	err := os.MkdirAll(archiveDir, os.ModePerm)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(archiveDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &Archive{dir: archiveDir, db: db}
	if rebuild {
		_, err = a.Rebuild()
	} else {
		_, err = db.Exec(schema)
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Drops the index and re-adds every report.json under results/. Returns how many reports were indexed.
func (a *Archive) Rebuild() (int, error) {
	_, err := a.db.Exec("DROP TABLE IF EXISTS results")
	if err != nil {
		return 0, err
	}
	_, err = a.db.Exec(schema)
	if err != nil {
		return 0, err
	}

	paths, err := filepath.Glob(filepath.Join(a.dir, "results", "*", "*", "id*", report.FileName))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range paths {
		err = a.Add(filepath.Dir(p))
		if err != nil {
			slog.Warn("not indexing report", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	slog.Info("rebuilt results database", slog.String("path", filepath.Join(a.dir, FileName)), slog.Int("reports", n))
	return n, nil
}

// Indexes the report in a benchmark's archive directory, replacing any earlier entry for it.
func (a *Archive) Add(dir string) error {
	rep, err := report.Load(filepath.Join(dir, report.FileName))
	if err != nil {
		return err
	}
	config, err := loadConfig(dir, rep)
	if err != nil {
		return err
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshalling config failed: %w", err)
	}

	btype, _ := config["benchmark"].(string)
	if btype == "" {
		btype = filepath.Base(filepath.Dir(dir))
	}
	hash := strings.TrimPrefix(filepath.Base(dir), "id")

	_, err = a.db.Exec(
		`INSERT OR REPLACE INTO results (hash, iteration, benchmark, class, name, run_id, config, runs, mean_time_sec, error, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hash, rep.Iteration, btype, rep.Class, rep.Name, rep.RunID, string(configJSON), len(rep.TotalTimeSec), rep.MeanTimeSec(), rep.Error, dir,
	)
	return err
}

// The settings written next to the report win over the copy inside it.
func loadConfig(dir string, rep *report.BenchmarkReport) (map[string]any, error) {
	buf, err := os.ReadFile(filepath.Join(dir, benchmark.ConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		if rep.Config == nil {
			return map[string]any{}, nil
		}
		return rep.Config, nil
	}
	if err != nil {
		return nil, err
	}
	config := map[string]any{}
	err = yaml.Unmarshal(buf, &config)
	if err != nil {
		return nil, fmt.Errorf("parsing %s failed: %w", benchmark.ConfigFileName, err)
	}
	return config, nil
}

// Runs a query and writes its rows to w in the given format (json, csv or raw).
func (a *Archive) Query(query string, format string, w io.Writer) error {
	if format != settings.FormatJSON && format != settings.FormatCSV && format != settings.FormatRaw {
		return fmt.Errorf("unknown query format %q, must be one of %v", format, settings.Formats)
	}

	rows, err := a.db.Query(query)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	records := [][]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		records = append(records, values)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	switch format {
	case settings.FormatJSON:
		return writeJSON(w, columns, records)
	case settings.FormatCSV:
		return writeCSV(w, columns, records)
	default:
		return writeRaw(w, records)
	}
}

func writeJSON(w io.Writer, columns []string, records [][]any) error {
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			row[c] = record[i]
		}
		out = append(out, row)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeCSV(w io.Writer, columns []string, records [][]any) error {
	cw := csv.NewWriter(w)
	err := cw.Write(columns)
	if err != nil {
		return err
	}
	for _, record := range records {
		err = cw.Write(formatRecord(record))
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeRaw(w io.Writer, records [][]any) error {
	for _, record := range records {
		_, err := fmt.Fprintln(w, strings.Join(formatRecord(record), "\t"))
		if err != nil {
			return err
		}
	}
	return nil
}

func formatRecord(record []any) []string {
	out := make([]string, len(record))
	for i, v := range record {
		if v != nil {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}
