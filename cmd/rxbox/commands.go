package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/rxbox/internal/config"
	"github.com/ehr/rxbox/internal/domain/inbox"
	"github.com/ehr/rxbox/internal/domain/prescription"
	"github.com/ehr/rxbox/internal/platform/auth"
	"github.com/ehr/rxbox/internal/platform/db"
	"github.com/ehr/rxbox/migrations"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.amk>...",
		Short: "Import prescription files received from other clients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, src := range args {
				res, err := a.pipeline.Import(ctx, src)
				if err != nil {
					return fmt.Errorf("import %s: %w", src, err)
				}
				printImport(cmd.OutOrStdout(), src, res)
				if res.Outcome == inbox.OutcomeInvalid || res.Outcome == inbox.OutcomeRejected {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) not imported", failed, len(args))
			}
			return nil
		},
	}
}

func printImport(w io.Writer, src string, res inbox.Result) {
	switch res.Outcome {
	case inbox.OutcomeOk:
		fmt.Fprintf(w, "%s: new patient %s, saved as %s\n", src, res.Contact.Fullname(), res.File.Name)
	case inbox.OutcomeFound:
		fmt.Fprintf(w, "%s: patient %s already registered, saved as %s\n", src, res.Contact.Fullname(), res.File.Name)
	default:
		fmt.Fprintf(w, "%s: %s: %v\n", src, res.Outcome, res.Err)
	}
	if res.Migrated {
		fmt.Fprintf(w, "  uid corrected from %s\n", res.PrevUID)
	}
}

func filesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files <patient-uid>",
		Short: "List a patient's prescription files, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			files, err := a.store.ListFiles(ctx, args[0])
			if err != nil {
				return err
			}
			printFiles(cmd.OutOrStdout(), files)
			return nil
		},
	}
}

func printFiles(w io.Writer, files []prescription.FileDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHASH\tSTATUS")
	for _, f := range files {
		status := "ok"
		if !f.IsValid {
			status = "unreadable"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.Hash, status)
	}
	tw.Flush()
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Manage the import inbox",
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove inbox files older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			olderThan := a.cfg.InboxRetention
			if all, _ := cmd.Flags().GetBool("all"); all {
				olderThan = 0
			}
			n, err := a.store.CleanInbox(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s) from %s\n", n, a.store.InboxDir())
			return nil
		},
	}
	cleanCmd.Flags().Bool("all", false, "Remove every file regardless of age")
	cmd.AddCommand(cleanCmd)

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL registry migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}

	var files fs.FS = migrations.FS
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		files = os.DirFS(dir)
	}

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg, os.Stderr))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, files), pool.Close, nil
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}

			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			roles, _ := cmd.Flags().GetStringSlice("role")

			token, err := auth.IssueToken([]byte(cfg.AuthSigningKey), authIssuer, strings.TrimSpace(subject), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject, e.g. the operator's login")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	cmd.Flags().StringSlice("role", nil, "Role claim, repeatable")
	cmd.MarkFlagRequired("subject")
	return cmd
}
