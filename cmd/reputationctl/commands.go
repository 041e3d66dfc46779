package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qahub/reputation-engine/config"
	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/application/query"
	"github.com/qahub/reputation-engine/internal/bootstrap"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/infrastructure/auth"
	"github.com/qahub/reputation-engine/internal/infrastructure/messaging/kafka"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/postgres"
	"github.com/qahub/reputation-engine/internal/infrastructure/scheduler/jobs"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEMA
// ══════════════════════════════════════════════════════════════════════════════

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, flags, bootstrap.Options{Migrate: true}, func(ctx context.Context, e *bootstrap.Engine) error {
				if e.DB == nil {
					return errors.New("DATABASE_URL is not set")
				}
				status, err := postgres.NewMigrator(e.DB.Pool()).Status(ctx)
				if err != nil {
					return err
				}
				for _, m := range status {
					state := "pending"
					if m.IsApplied {
						state = "applied " + m.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%04d %-32s %s\n", m.Version, m.Name, state)
				}
				return nil
			})
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

func newRecordCmd(flags *globalFlags) *cobra.Command {
	var eventID, source string
	c := &cobra.Command{
		Use:   "record <user_id> <event_type>",
		Short: "Record a point event (backfills, manual replays of lost actions)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID == "" {
				return errors.New("--event-id is required; retries must reuse the original id")
			}
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				out, err := e.RecordEvent.Handle(ctx, command.RecordEventCommand{
					EventID:        eventID,
					UserID:         args[0],
					EventType:      args[1],
					SourceEntityID: source,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	c.Flags().StringVar(&eventID, "event-id", "", "idempotency key of the action")
	c.Flags().StringVar(&source, "source", "", "source entity id (question, answer)")
	return c
}

func newAdjustCmd(flags *globalFlags) *cobra.Command {
	var (
		eventID, actor, token, reason string
		pc, pcon                      int64
	)
	c := &cobra.Command{
		Use:   "adjust <user_id>",
		Short: "Apply an admin adjustment to a user's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID == "" {
				eventID = "adj-" + uuid.NewString()
				fmt.Fprintf(cmd.ErrOrStderr(), "generated event id %s; reuse it to retry\n", eventID)
			}
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				out, err := e.AdjustPoints.Handle(ctx, command.AdjustPointsCommand{
					EventID:   eventID,
					UserID:    args[0],
					PCDelta:   pc,
					PConDelta: pcon,
					Actor:     points.Actor{ID: actor, Token: token},
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	c.Flags().StringVar(&eventID, "event-id", "", "idempotency key (generated when empty)")
	c.Flags().StringVar(&actor, "actor", "", "admin actor id")
	c.Flags().StringVar(&token, "token", "", "admin token for the actor")
	c.Flags().StringVar(&reason, "reason", "", "audit note")
	c.Flags().Int64Var(&pc, "pc", 0, "PC delta")
	c.Flags().Int64Var(&pcon, "pcon", 0, "PCon delta")
	_ = c.MarkFlagRequired("actor")
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user_id>",
		Short: "Show a user's balances, rank and achievements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				stats, err := e.UserStats.Handle(ctx, query.GetUserStatsQuery{UserID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newLeaderboardCmd(flags *globalFlags) *cobra.Command {
	var offset, limit int
	c := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print a page of the leaderboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				page, err := e.Leaderboard.Handle(ctx, query.GetLeaderboardQuery{Offset: offset, Limit: limit})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, row := range page.Entries {
					fmt.Fprintf(w, "%5d  %-36s  pc=%-7d pcon=%d\n", row.Position, row.UserID, row.PCPoints, row.PConPoints)
				}
				fmt.Fprintf(w, "total=%d from_cache=%t\n", page.Total, page.FromCache)
				return nil
			})
		},
	}
	c.Flags().IntVar(&offset, "offset", 0, "zero-based offset")
	c.Flags().IntVar(&limit, "limit", 20, "page size (max 100)")
	return c
}

func newCatalogCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List achievement definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				return printJSON(cmd.OutOrStdout(), e.Catalog.Handle(ctx))
			})
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MAINTENANCE
// ══════════════════════════════════════════════════════════════════════════════

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <user_id>",
		Short: "Replay one user's ledger and correct the stored aggregate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				res, err := e.Reconcile.Handle(ctx, command.ReconcileUserCommand{UserID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"user_id":     args[0],
					"corrected":   res.Corrected,
					"stored":      res.Stored,
					"expected":    res.Expected,
					"through_seq": res.ThroughSeq,
					"aggregate":   res.Aggregate,
				})
			})
		},
	}
}

func newReconcileAllCmd(flags *globalFlags) *cobra.Command {
	var concurrency int
	c := &cobra.Command{
		Use:   "reconcile-all",
		Short: "Run the drift reconciliation sweep over every user now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				jobCfg := jobs.DefaultReconcileAggregatesConfig()
				jobCfg.Concurrency = concurrency
				job := jobs.NewReconcileAggregatesJob(e.Ledger, e.Reconcile, e.Logger, jobCfg)
				runErr := job.Run(ctx)
				if stats := job.LastStats(); stats != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "users=%d corrected=%d failed=%d took=%s\n",
						stats.Users, stats.Corrected, stats.Failed, stats.Duration.Round(time.Millisecond))
				}
				return runErr
			})
		},
	}
	c.Flags().IntVar(&concurrency, "concurrency", 8, "users reconciled in parallel")
	return c
}

func newCheckAchievementsCmd(flags *globalFlags) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "check-achievements [user_id]",
		Short: "Evaluate achievements for one user, or every user with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) || len(args) > 1 {
				return fmt.Errorf("give exactly one of <user_id> or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				if all {
					sum, err := e.CheckAchievements.HandleAll(ctx)
					if sum != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "users=%d unlocked=%d failed=%d\n", sum.Users, sum.Unlocked, sum.Failed)
					}
					return err
				}
				res, err := e.CheckAchievements.Handle(ctx, command.CheckAchievementsCommand{UserID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	c.Flags().BoolVar(&all, "all", false, "check every user with ledger activity")
	return c
}

func newRebuildCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-leaderboard",
		Short: "Recompute the leaderboard cache from the aggregate store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, flags, bootstrap.Options{}, func(ctx context.Context, e *bootstrap.Engine) error {
				var locker jobs.Locker
				if e.Cache != nil {
					locker = e.Cache
				}
				job := jobs.NewRebuildLeaderboardJob(e.Store, e.Board, locker, e.Bus, e.Logger, jobs.DefaultRebuildLeaderboardConfig())
				if err := job.Run(ctx); err != nil {
					return err
				}
				if stats := job.LastRebuildStats(); stats != nil {
					if stats.Skipped {
						fmt.Fprintln(cmd.OutOrStdout(), "skipped: another instance holds the rebuild lock")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "entries=%d took=%s\n", stats.Entries, stats.Duration.Round(time.Millisecond))
				}
				return nil
			})
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// KAFKA AND TOKENS
// ══════════════════════════════════════════════════════════════════════════════

func newSendActionCmd(_ *globalFlags) *cobra.Command {
	var eventID, source string
	c := &cobra.Command{
		Use:   "send-action <user_id> <event_type>",
		Short: "Publish a record action to the actions topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Kafka.Disabled {
				return errors.New("kafka is disabled (KAFKA_DISABLED=true)")
			}
			if _, err := points.ParseEventType(args[1]); err != nil {
				return err
			}
			if eventID == "" {
				eventID = uuid.NewString()
			}

			producer, err := kafka.NewProducer(bootstrap.KafkaConfig(cfg))
			if err != nil {
				return err
			}
			defer producer.Close()

			msg := &kafka.ActionMessage{
				Kind:           kafka.KindRecord,
				EventID:        eventID,
				UserID:         args[0],
				EventType:      args[1],
				SourceEntityID: source,
				OccurredAt:     time.Now().UTC(),
			}
			if err := producer.SendAction(cmd.Context(), msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", eventID, cfg.Kafka.ActionsTopic)
			return nil
		},
	}
	c.Flags().StringVar(&eventID, "event-id", "", "idempotency key (generated when empty)")
	c.Flags().StringVar(&source, "source", "", "source entity id")
	return c
}

func newIssueTokenCmd() *cobra.Command {
	var (
		ttl   time.Duration
		roles string
	)
	c := &cobra.Command{
		Use:   "issue-token <actor_id>",
		Short: "Sign an admin token with ADMIN_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("ADMIN_JWT_SECRET is not set")
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), args[0], cfg.Auth.JWTIssuer, splitRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	c.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	c.Flags().StringVar(&roles, "roles", auth.RoleAdmin, "comma separated roles")
	return c
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "Print feature flags as resolved from FEATURE_* variables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), config.LoadFeatureFlags().List())
		},
	}
}

func splitRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
