// Command shardctl demonstrates wiring the library end to end against
// in-memory backends: routing keys over a YAML-described topology, planning
// a rebalance and executing it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shardkit/shardkit/migrate"
	"github.com/shardkit/shardkit/router"
	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store/memstore"
)

type config struct {
	Shards      []string          `yaml:"shards"`
	Replication int               `yaml:"replication"`
	Assignments map[string]string `yaml:"assignments"`
	Target      map[string]string `yaml:"target"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("config names no shards")
	}
	return &cfg, nil
}

func (c *config) shardIDs() []shard.ID {
	ids := make([]shard.ID, len(c.Shards))
	for i, s := range c.Shards {
		ids[i] = shard.ID(s)
	}
	return ids
}

func (c *config) seededStore(ctx context.Context) (*memstore.Store[string], error) {
	st := memstore.New[string]()
	for key, id := range c.Assignments {
		if _, err := st.Assign(ctx, shard.NewKey(key), shard.ID(id)); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func topologyFrom(m map[string]string) *shard.Topology[string] {
	maps := make([]shard.Map[string], 0, len(m))
	for key, id := range m {
		maps = append(maps, shard.Map[string]{Key: shard.NewKey(key), Shard: shard.ID(id)})
	}
	return shard.NewTopology(maps...)
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "shardctl",
		Short:        "Route keys and rebalance shards against an in-memory topology",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "shardctl.yaml", "topology config file")

	root.AddCommand(routeCmd(&configPath), planCmd(&configPath), migrateCmd(&configPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func routeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "route <key>...",
		Short: "Resolve keys to their owning shards",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := cfg.seededStore(ctx)
			if err != nil {
				return err
			}
			rt, err := router.New(cfg.shardIDs(), st, router.Options{Replication: cfg.Replication})
			if err != nil {
				return err
			}
			for _, key := range args {
				m, existing, err := rt.Route(ctx, shard.NewKey(key))
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\texisting=%v\n", key, m.Shard, existing)
			}
			return nil
		},
	}
}

func planCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Diff the current assignments against the target topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			plan, err := migrate.PlanMoves(topologyFrom(cfg.Assignments), topologyFrom(cfg.Target), migrate.PlannerOptions{})
			if err != nil {
				return err
			}
			fmt.Printf("plan %s: %d moves\n", plan.ID(), plan.Len())
			for _, m := range plan.Moves() {
				fmt.Printf("  %s\t%s -> %s\n", m.Key, m.Source, m.Target)
			}
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Execute the rebalance plan against in-memory shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := cfg.seededStore(ctx)
			if err != nil {
				return err
			}

			data := migrate.NewMemData[string, string]()
			for key, id := range cfg.Assignments {
				if err := data.Upsert(ctx, shard.ID(id), shard.NewKey(key), "payload:"+key); err != nil {
					return err
				}
			}

			plan, err := migrate.PlanMoves(topologyFrom(cfg.Assignments), topologyFrom(cfg.Target), migrate.PlannerOptions{})
			if err != nil {
				return err
			}

			exec, err := migrate.NewExecutor(migrate.ExecutorConfig[string]{
				Mover:       &migrate.KVMover[string, string]{Data: data},
				Verifier:    &migrate.ChecksumVerifier[string, string]{Data: data},
				Swapper:     &migrate.StoreSwapper[string]{Assignments: st},
				Checkpoints: migrate.NewMemCheckpoints[string](),
			})
			if err != nil {
				return err
			}

			summary, err := exec.Run(ctx, plan)
			if err != nil {
				return err
			}
			fmt.Printf("plan %s: planned=%d done=%d failed=%d retries=%d elapsed=%s\n",
				summary.PlanID, summary.Planned, summary.Done, summary.Failed, summary.Retries, summary.Elapsed)
			for key, err := range summary.FailedKeys {
				fmt.Printf("  failed %s: %v\n", key, err)
			}
			return nil
		},
	}
}
