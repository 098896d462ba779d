package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codequality/rule-registry/pkg/rules"
)

const registerActor = "rules-server/register"

type registerResult struct {
	Rules       int
	RuleJobs    int
	ActiveJobs  int
	JobsDrained int
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var noIndex bool

	cmd := &cobra.Command{
		Use:   "register <file>...",
		Short: "Register the rules declared in repository files",
		Long: `Register inserts the rules declared in each YAML repository file and
re-registers the rules that already exist. All files are written in a single
transaction. The registered rules and their activations are queued for
indexing in every known organization, then indexed unless --no-index is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := registerFiles(cmd.Context(), a, args, !noIndex)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d rules, queued %d rule and %d active rule index jobs, indexed %d\n",
				res.Rules, res.RuleJobs, res.ActiveJobs, res.JobsDrained)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "Only queue index jobs; leave them to the server's workers")
	return cmd
}

// registerFiles registers every file in one session, queues the index jobs
// of the written rules in the same session and, when drain is set, publishes
// them after commit.
func registerFiles(ctx context.Context, a *app, paths []string, drain bool) (registerResult, error) {
	var res registerResult

	sess, err := rules.BeginSession(ctx, a.db)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	ruleStore := rules.NewRuleStore(a.db)
	profiles := rules.NewProfileStore(a.db)
	audit := rules.NewAuditStore(a.db)
	registrar := rules.NewRegistrar(ruleStore, a.logger)

	var ids []int64
	for _, path := range paths {
		written, err := registrar.RegisterFile(ctx, sess, path)
		if err != nil {
			return res, err
		}
		ids = append(ids, written...)
	}
	res.Rules = len(ids)

	orgs, err := a.organizations(ctx, sess)
	if err != nil {
		return res, err
	}
	for _, org := range orgs {
		for _, id := range ids {
			if err := a.jobStore.EnqueueRule(sess.DB(), org, id, registerActor); err != nil {
				return res, err
			}
			res.RuleJobs++

			actives, err := profiles.ListActiveRulesForRule(ctx, sess, org, id)
			if err != nil {
				return res, err
			}
			for _, ar := range actives {
				if err := a.jobStore.EnqueueActiveRule(sess.DB(), ar.Record.ID, registerActor); err != nil {
					return res, err
				}
				res.ActiveJobs++
			}

			if err := audit.Append(ctx, sess, &rules.RuleEventRecord{
				OrganizationUUID: org,
				RuleID:           id,
				EventType:        rules.EventRuleRegistered,
				Actor:            registerActor,
			}); err != nil {
				return res, err
			}
		}
	}

	if err := sess.Commit(); err != nil {
		return res, err
	}
	a.logger.Info("rules registered", "files", len(paths), "rules", res.Rules, "organizations", len(orgs))

	if drain {
		n, err := a.pool.Drain(ctx)
		res.JobsDrained = n
		if err != nil {
			return res, fmt.Errorf("index registered rules: %w", err)
		}
	}
	return res, nil
}
