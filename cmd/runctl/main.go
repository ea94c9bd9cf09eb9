package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "runctl",
		Usage: "inspect collection runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Usage:   "database URL (postgres:// or sqlite://)",
				EnvVars: []string{"DATABASE_URL"},
				Value:   "sqlite://./data/runs.db",
			},
			&cli.StringFlag{
				Name:    "evidence-root",
				Usage:   "directory holding logs/failed_responses",
				EnvVars: []string{"EVIDENCE_ROOT"},
				Value:   ".",
			},
			&cli.StringFlag{
				Name:    "evidence-bucket",
				Usage:   "S3 bucket for s3:// evidence pointers",
				EnvVars: []string{"EVIDENCE_BUCKET"},
			},
			&cli.StringFlag{
				Name:    "region",
				EnvVars: []string{"AWS_REGION"},
				Value:   "us-east-1",
			},
			&cli.StringFlag{
				Name:    "export-dir",
				EnvVars: []string{"EXPORT_DIR"},
				Value:   "./exports",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "runs",
				Usage:  "list runs, newest first",
				Action: RunsAction,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.StringFlag{Name: "status", Usage: "only runs in this status"},
				},
			},
			{
				Name:      "show",
				Usage:     "show a run report",
				ArgsUsage: "<run-id>",
				Action:    ShowAction,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "logs", Value: 50, Usage: "number of log lines"},
				},
			},
			{
				Name:      "failures",
				Usage:     "list the failures of a run",
				ArgsUsage: "<run-id>",
				Action:    FailuresAction,
			},
			{
				Name:      "export",
				Usage:     "export a run as CSV files",
				ArgsUsage: "<run-id>",
				Action:    ExportAction,
			},
			{
				Name:      "evidence",
				Usage:     "print a stored failed-response sample",
				ArgsUsage: "<run-id> <evidence-id>",
				Action:    EvidenceAction,
			},
		},
	}
}
