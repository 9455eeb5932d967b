package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/fleet-control-plane/config"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories/postgres"
	"github.com/upb/fleet-control-plane/services/credentials"
	"github.com/upb/fleet-control-plane/services/provisioning"
	"go.uber.org/zap"
)

// Provisioner is the part of the provisioning service the commands drive
type Provisioner interface {
	CreateTeam(ctx context.Context, req provisioning.TeamRequest) (*models.Team, error)
	IssueCredential(ctx context.Context, req provisioning.CredentialRequest) (*provisioning.IssuedCredential, error)
	AuditTrail(ctx context.Context, slug string, limit, offset int) ([]*models.AuditLog, error)
}

// openFunc connects a Provisioner; the returned func releases it
type openFunc func(ctx context.Context) (Provisioner, func() error, error)

func main() {
	if err := newRootCommand(openDatabase).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operator utility for fleet control plane tenants and agent credentials",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newTeamsCommand(open))
	cmd.AddCommand(newCredentialsCommand(open))
	cmd.AddCommand(newAuditCommand(open))
	return cmd
}

func newTeamsCommand(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "Team operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var name, slug string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(cmd, open, func(ctx context.Context, p Provisioner) error {
				team, err := p.CreateTeam(ctx, provisioning.TeamRequest{Name: name, Slug: slug})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "team %s created (id %s)\n", team.Slug, team.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "Display name of the team")
	create.Flags().StringVar(&slug, "slug", "", "Unique lowercase slug, e.g. acme-corp")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("slug")

	cmd.AddCommand(create)
	return cmd
}

func newCredentialsCommand(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Agent credential operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var team, name string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an agent token. The token is printed once and cannot be recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(cmd, open, func(ctx context.Context, p Provisioner) error {
				issued, err := p.IssueCredential(ctx, provisioning.CredentialRequest{Slug: team, Name: name})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "credential %s issued for team %s (id %s)\n", issued.Credential.Name, issued.Team.Slug, issued.Credential.ID)
				fmt.Fprintf(out, "token: %s\n", issued.Token)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&team, "team", "", "Slug of the owning team")
	issue.Flags().StringVar(&name, "name", "", "Label for the credential")
	_ = issue.MarkFlagRequired("team")
	_ = issue.MarkFlagRequired("name")

	cmd.AddCommand(issue)
	return cmd
}

func newAuditCommand(open openFunc) *cobra.Command {
	var (
		team   string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List a team's audit trail, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(cmd, open, func(ctx context.Context, p Provisioner) error {
				logs, err := p.AuditTrail(ctx, team, limit, offset)
				if err != nil {
					return err
				}
				return printAuditLogs(cmd.OutOrStdout(), logs)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Slug of the team")
	cmd.Flags().IntVar(&limit, "limit", provisioning.DefaultAuditLimit, "Maximum entries to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func withProvisioner(cmd *cobra.Command, open openFunc, fn func(context.Context, Provisioner) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()
	return fn(ctx, p)
}

func printAuditLogs(out io.Writer, logs []*models.AuditLog) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tRESOURCE\tDETAILS")
	for _, l := range logs {
		resource := l.ResourceType
		if l.ResourceID != nil {
			resource += "/" + l.ResourceID.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Timestamp.UTC().Format(time.RFC3339), l.Action, resource, string(l.Details))
	}
	return w.Flush()
}

func openDatabase(ctx context.Context) (Provisioner, func() error, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.With(zap.String("service", "fleetctl"))

	factory, err := postgres.NewRepositoryFactory(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	repos := factory.NewRepositories()
	svc := provisioning.NewService(repos.Teams, repos.Credentials, repos.AuditLogs, credentials.NewHasher(cfg.Credentials.Pepper), logger)

	release := func() error {
		_ = logger.Sync()
		return factory.Close()
	}
	return svc, release, nil
}
