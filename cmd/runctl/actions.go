package main

import (
	"fmt"
	"io"
	"strings"

	"run-reporter/api/console"
	"run-reporter/core/models"
	"run-reporter/core/repository"
	"run-reporter/core/runs"
	"run-reporter/storage"

	"github.com/urfave/cli/v2"
)

// openService builds a run service from the global flags; the returned
// function closes the database
func openService(c *cli.Context) (*runs.Service, func(), error) {
	db, err := repository.NewDB(c.String("database"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	fsStore, err := storage.NewFSStore(c.String("evidence-root"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	router := storage.NewRouter(fsStore)
	router.Register("", fsStore)

	if bucket := c.String("evidence-bucket"); bucket != "" {
		s3Store, err := storage.NewS3Store(c.Context, bucket, c.String("region"))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		router.Register("s3", s3Store)
	}

	collector, err := storage.NewCollector(router, c.String("evidence-root"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	svc := runs.NewService(db, router, collector, storage.NewExporter(c.String("export-dir")))
	return svc, func() { db.Close() }, nil
}

func runIDArg(c *cli.Context) (string, error) {
	runID := strings.TrimSpace(c.Args().First())
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	return runID, nil
}

// RunsAction lists runs
func RunsAction(c *cli.Context) error {
	svc, closeDB, err := openService(c)
	if err != nil {
		return err
	}
	defer closeDB()

	var status *models.RunStatus
	if s := c.String("status"); s != "" {
		parsed, ok := models.ParseRunStatus(s)
		if !ok {
			return fmt.Errorf("unknown status %q", s)
		}
		status = &parsed
	}

	summaries, err := svc.List(c.Context, status, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	w := c.App.Writer
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs found")
		return nil
	}

	fmt.Fprintf(w, "%-24s %-8s %-12s %-20s %-20s\n", "Run", "Config", "Status", "Started", "Finished")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, s := range summaries {
		finished := "-"
		if s.FinishedAt != nil {
			finished = s.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-24s %-8s %-12s %-20s %-20s\n",
			s.ID,
			s.ConfigFingerprint,
			s.Status,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			finished,
		)
	}

	fmt.Fprintf(w, "\nTotal: %d runs\n", len(summaries))
	fmt.Fprintf(w, "\nTip: Use 'runctl show <run-id>' to see details\n")
	return nil
}

// ShowAction renders a run report
func ShowAction(c *cli.Context) error {
	runID, err := runIDArg(c)
	if err != nil {
		return err
	}

	svc, closeDB, err := openService(c)
	if err != nil {
		return err
	}
	defer closeDB()

	view, err := console.LoadView(c.Context, svc, runID, c.Int("logs"))
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	fmt.Fprint(c.App.Writer, console.RenderRun(view))
	return nil
}

// FailuresAction lists the failures of a run
func FailuresAction(c *cli.Context) error {
	runID, err := runIDArg(c)
	if err != nil {
		return err
	}

	svc, closeDB, err := openService(c)
	if err != nil {
		return err
	}
	defer closeDB()

	failures, err := svc.Failures(c.Context, runID)
	if err != nil {
		return fmt.Errorf("failed to get failures: %w", err)
	}
	if len(failures) == 0 {
		fmt.Fprintln(c.App.Writer, "No failures recorded")
		return nil
	}

	fmt.Fprint(c.App.Writer, console.RenderFailures(failures))
	return nil
}

// ExportAction writes the CSV export of a run
func ExportAction(c *cli.Context) error {
	runID, err := runIDArg(c)
	if err != nil {
		return err
	}

	svc, closeDB, err := openService(c)
	if err != nil {
		return err
	}
	defer closeDB()

	export, err := svc.Export(c.Context, runID)
	if err != nil {
		return fmt.Errorf("failed to export run: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Export %s\n", export.ID)
	for _, f := range export.Files {
		fmt.Fprintf(c.App.Writer, "  %s\n", f)
	}
	return nil
}

// EvidenceAction prints a stored failed-response sample
func EvidenceAction(c *cli.Context) error {
	runID, err := runIDArg(c)
	if err != nil {
		return err
	}
	evidenceID := c.Args().Get(1)
	if evidenceID == "" {
		return fmt.Errorf("evidence id is required")
	}

	svc, closeDB, err := openService(c)
	if err != nil {
		return err
	}
	defer closeDB()

	_, body, err := svc.Evidence(c.Context, runID, evidenceID)
	if err != nil {
		return fmt.Errorf("failed to open evidence: %w", err)
	}
	defer body.Close()

	_, err = io.Copy(c.App.Writer, body)
	return err
}
