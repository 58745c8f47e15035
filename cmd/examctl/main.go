package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"examengine/internal/app"
	"examengine/internal/app/observability"
	"examengine/internal/auth"
	"examengine/internal/db"
	"examengine/internal/exam"
	"examengine/internal/masterdata"
	"examengine/internal/question"
	"examengine/internal/report"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examctl",
		Short:        "Operator tools for the exam engine",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.String("db-driver", "", "Database driver (pgx, sqlite); overrides DB_DRIVER")
	pf.String("db-dsn", "", "Database DSN or SQLite path; overrides DB_DSN")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd(), seedCmd(), reconcileCmd(), resultsCmd(), tokenCmd(), hashAdminKeyCmd())
	return root
}

// loadConfig merges persistent flags over the environment configuration.
func loadConfig(cmd *cobra.Command) (app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if v, _ := f.GetString("db-driver"); v != "" {
		cfg.DBDriver = v
	}
	if v, _ := f.GetString("db-dsn"); v != "" {
		cfg.DBDSN = v
	}
	if v, _ := f.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	observability.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func openDB(ctx context.Context, cmd *cobra.Command) (*sql.DB, app.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}
	conn, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN, cfg.Pool())
	if err != nil {
		return nil, cfg, err
	}
	if err := db.Migrate(ctx, conn, cfg.DBDriver); err != nil {
		_ = conn.Close()
		return nil, cfg, err
	}
	return conn, cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cfg, err := openDB(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer conn.Close()
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.DBDriver)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a roster CSV and exams from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			rosterPath, _ := cmd.Flags().GetString("roster")
			examsPath, _ := cmd.Flags().GetString("exams")
			if rosterPath == "" && examsPath == "" {
				return fmt.Errorf("nothing to seed: pass --roster and/or --exams")
			}

			ctx := cmd.Context()
			conn, _, err := openDB(ctx, cmd)
			if err != nil {
				return err
			}
			defer conn.Close()
			out := cmd.OutOrStdout()

			if rosterPath != "" {
				f, err := os.Open(rosterPath)
				if err != nil {
					return fmt.Errorf("open roster: %w", err)
				}
				rep, err := masterdata.NewDirectory(conn).ImportRosterCSV(ctx, f)
				_ = f.Close()
				if err != nil {
					return err
				}
				color.New(color.FgGreen).Fprintf(out, "roster: %d of %d rows imported\n", rep.SuccessRows, rep.TotalRows)
				for _, e := range rep.Errors {
					color.New(color.FgRed).Fprintf(out, "  row %d %s: %s\n", e.Row, e.Username, e.Error)
				}
			}

			if examsPath != "" {
				f, err := os.Open(examsPath)
				if err != nil {
					return fmt.Errorf("open exams: %w", err)
				}
				bank := question.NewService(conn)
				exams, err := bank.ImportExams(ctx, f)
				_ = f.Close()
				reports := report.NewService(report.NewSQLStore(conn), bank, report.WithRoster(masterdata.NewDirectory(conn)))
				for _, e := range exams {
					fmt.Fprintf(out, "exam %d: %s (%d marks)\n", e.ID, e.Title, e.TotalMarks)
					n, perr := reports.InitializePending(ctx, e.ID)
					if perr != nil {
						return fmt.Errorf("initialize pending results for exam %d: %w", e.ID, perr)
					}
					fmt.Fprintf(out, "  %d pending results\n", n)
				}
				if err != nil {
					return err
				}
				color.New(color.FgGreen).Fprintf(out, "exams: %d created\n", len(exams))
			}
			return nil
		},
	}
	cmd.Flags().String("roster", "", "Roster CSV (username, full_name, role, grade_id, email, locale, parent_username)")
	cmd.Flags().String("exams", "", "YAML file with a top-level exams list")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild results from closed executions",
		Long: "Without --exam-id only executions whose result was never synced are repaired.\n" +
			"With --exam-id every closed execution of that exam is re-projected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			examID, _ := cmd.Flags().GetInt64("exam-id")
			if examID < 0 {
				return fmt.Errorf("--exam-id must not be negative")
			}
			ctx := cmd.Context()
			conn, _, err := openDB(ctx, cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			syncer := report.NewSynchronizer(report.NewSQLStore(conn), exam.NewSQLStore(conn), slog.Default())
			rep, err := syncer.Reconcile(ctx, examID)
			if err != nil {
				return err
			}
			c := color.New(color.FgGreen)
			if rep.Failed > 0 {
				c = color.New(color.FgRed)
			}
			c.Fprintf(cmd.OutOrStdout(), "scanned %d, synced %d, failed %d\n", rep.Scanned, rep.Synced, rep.Failed)
			return nil
		},
	}
	cmd.Flags().Int64("exam-id", 0, "Exam to reconcile (0 = all unsynced)")
	return cmd
}

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Print an exam's results table",
		RunE: func(cmd *cobra.Command, args []string) error {
			examID, _ := cmd.Flags().GetInt64("exam-id")
			ctx := cmd.Context()
			conn, _, err := openDB(ctx, cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			bank := question.NewService(conn)
			e, err := bank.GetExam(ctx, examID)
			if err != nil {
				return err
			}
			res, err := report.NewService(report.NewSQLStore(conn), bank).ExamResults(ctx, examID)
			if err != nil {
				return err
			}
			renderResults(cmd.OutOrStdout(), e, res)
			return nil
		},
	}
	cmd.Flags().Int64("exam-id", 0, "Exam id")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func renderResults(out io.Writer, e *question.Exam, res *report.ExamResults) {
	color.New(color.FgYellow).Fprintf(out, "\n%s (%d marks, pass %d)\n", e.Title, e.TotalMarks, e.PassingScore)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Student ID", "Name", "Grade", "Status", "Submitted"})
	for _, r := range res.Results {
		table.Append([]string{
			strconv.FormatInt(r.StudentID, 10),
			r.StudentName,
			gradeText(r),
			statusText(r.Status),
			timeText(r.SubmittedAt),
		})
	}
	table.Render()

	avg := "-"
	if res.AverageGrade.Valid {
		avg = res.AverageGrade.Decimal.StringFixed(2)
	}
	fmt.Fprintf(out, "students %d, graded %d, average %s\n", res.TotalStudents, res.GradedStudents, avg)
}

func gradeText(r report.Result) string {
	if !r.Grade.Valid {
		return "-"
	}
	return r.Grade.Decimal.String()
}

func statusText(s report.ResultStatus) string {
	switch s {
	case report.StatusCompleted:
		return color.GreenString(string(s))
	case report.StatusFailed, report.StatusLate:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func timeText(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user id and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetInt64("user-id")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			tok, exp, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, ttl).Issue(auth.User{ID: userID, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64("user-id", 0, "User id (token subject)")
	cmd.Flags().String("role", auth.RoleStudent, "Role: admin, teacher, student, parent")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func hashAdminKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-key <key>",
		Short: "Print the bcrypt hash to store in ADMIN_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashAdminKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
