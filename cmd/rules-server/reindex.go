package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codequality/rule-registry/pkg/rules"
)

const reindexActor = "rules-server/reindex"

type reindexResult struct {
	RuleJobs    int
	ActiveJobs  int
	JobsDrained int
}

func newReindexCmd(opts *rootOptions) *cobra.Command {
	var noDrain bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the record store",
		Long: `Reindex queues an index job for every rule in every known organization
and for every active rule, then processes the queue until it is empty.
Jobs that are already queued are not duplicated.`,
		Args: cobra.NoArgs,
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

			res, err := reindexAll(cmd.Context(), a, !noDrain)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d rule and %d active rule index jobs, indexed %d\n",
				res.RuleJobs, res.ActiveJobs, res.JobsDrained)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noDrain, "no-drain", false, "Only queue index jobs; leave them to the server's workers")
	return cmd
}

func reindexAll(ctx context.Context, a *app, drain bool) (reindexResult, error) {
	var res reindexResult

	sess, err := rules.BeginSession(ctx, a.db)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	ruleIDs, err := rules.NewRuleStore(a.db).ListIDs(ctx, sess)
	if err != nil {
		return res, err
	}
	orgs, err := a.organizations(ctx, sess)
	if err != nil {
		return res, err
	}
	for _, org := range orgs {
		for _, id := range ruleIDs {
			if err := a.jobStore.EnqueueRule(sess.DB(), org, id, reindexActor); err != nil {
				return res, err
			}
			res.RuleJobs++
		}
	}

	activeIDs, err := rules.NewProfileStore(a.db).ListActiveRuleIDs(ctx, sess)
	if err != nil {
		return res, err
	}
	for _, id := range activeIDs {
		if err := a.jobStore.EnqueueActiveRule(sess.DB(), id, reindexActor); err != nil {
			return res, err
		}
		res.ActiveJobs++
	}

	if err := sess.Commit(); err != nil {
		return res, err
	}
	a.logger.Info("reindex queued", "rules", len(ruleIDs), "organizations", len(orgs), "activeRules", len(activeIDs))

	if drain {
		n, err := a.pool.Drain(ctx)
		res.JobsDrained = n
		if err != nil {
			return res, fmt.Errorf("drain index jobs: %w", err)
		}
	}
	return res, nil
}
