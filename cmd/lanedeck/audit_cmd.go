package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/statedb"
)

func handleAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	since := fs.String("since", "24h", "Lookback duration or RFC3339 timestamp")
	limit := fs.Int("limit", 0, "Show only the newest N records (0 = all)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: lanedeck audit [options]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Print audit records mirrored into the state database.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}
	if *limit < 0 {
		fmt.Fprintln(stderr, "Error: --limit must not be negative")
		return 1
	}
	cutoff, err := parseSinceFlag(*since, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	cfg := loadConfig(stderr)
	st, err := cfg.StorageSettings()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	db, err := statedb.Open(st.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	records, err := db.ReplayAudit(context.Background(), cutoff)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *limit > 0 && len(records) > *limit {
		records = records[len(records)-*limit:]
	}
	as := cfg.AuditSettings()
	rows := audit.ExportRecords(records, audit.NewRedactor(as.RedactFields))

	if wantJSON(*jsonOut, stdout) {
		if err := printJSON(stdout, rows); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No audit records.")
		if !as.Durable {
			fmt.Fprintln(stdout, "Durable audit is off; set durable = true under [audit] to keep records across restarts.")
		}
		return 0
	}
	tw := newTable(stdout)
	fmt.Fprintln(tw, "RECORDED\tSEQ\tOUTCOME\tTYPE\tNAME\tCORRELATION\tREASON")
	for _, row := range rows {
		seq := "-"
		if row.Sequence != nil {
			seq = fmt.Sprintf("%d", *row.Sequence)
		}
		reason := ""
		if row.Reason != nil {
			reason = *row.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.RecordedAt, seq, row.Outcome, row.EnvelopeType,
			dash(row.Name), dash(row.CorrelationID), reason)
	}
	_ = tw.Flush()
	return 0
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
