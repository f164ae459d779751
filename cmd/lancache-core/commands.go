package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/model"
	"github.com/lancachemanager/core/internal/steamdepot"
)

func newCacheCmd(cfgPath *string, log zerolog.Logger) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the cache tree",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "size [service]",
		Short: "Walk the cache and report its size",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			report, err := c.walker.Size(cmd.Context(), service, c.cfg.DeleteRates)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "services",
		Short: "List the services present in the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			services, err := c.walker.Services()
			if err != nil {
				return err
			}
			for _, s := range services {
				fmt.Println(s)
			}
			return nil
		},
	})

	var preserveSkeleton bool
	clearCmd := &cobra.Command{
		Use:   "clear [service]",
		Short: "Delete cached files, whole cache or one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			service := ""
			if len(args) == 1 {
				service = args[0]
			}

			sub := c.bus.Subscribe(events.TopicCacheClearComplete, events.TopicServiceRemovalComplete)
			defer sub.Close()

			id := c.runner.CacheClear(cmd.Context(), service, preserveSkeleton)
			return waitForCompletion(cmd.Context(), sub, id)
		},
	}
	clearCmd.Flags().BoolVar(&preserveSkeleton, "preserve-skeleton", false, "keep the two-level hex directory skeleton")
	cacheCmd.AddCommand(clearCmd)

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "scrub <service>",
		Short: "Scan one service for corrupt chunks and delete them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			sub := c.bus.Subscribe(events.TopicCorruptionRemovalComplete)
			defer sub.Close()

			id := c.runner.CorruptionRemove(cmd.Context(), args[0])
			return waitForCompletion(cmd.Context(), sub, id)
		},
	})

	return cacheCmd
}

func newDepotCmd(cfgPath *string, log zerolog.Logger) *cobra.Command {
	depotCmd := &cobra.Command{
		Use:   "depot",
		Short: "Manage the Steam depot-to-app catalogue",
	}

	depotCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch the depot catalogue once and apply it to downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			if c.cfg.CrawlerURL == "" {
				return fmt.Errorf("no depot crawler configured (set DEPOT_CRAWLER_URL or crawler_url)")
			}

			mapper := steamdepot.NewMapper(c.repo)
			result, err := mapper.Refresh(cmd.Context(), crawlerFetch(c.cfg.CrawlerURL))
			if err != nil {
				return err
			}
			applied, err := mapper.ApplyToDownloads(cmd.Context(), "steam")
			if err != nil {
				return err
			}
			log.Info().
				Int("fetched", result.Fetched).
				Int("merged", result.Merged).
				Int("applied", applied).
				Msg("depot refresh complete")
			return nil
		},
	})

	return depotCmd
}

func newDBCmd(cfgPath *string, log zerolog.Logger) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the embedded store",
	}

	dbCmd.AddCommand(&cobra.Command{
		Use:   "reset [table...]",
		Short: "Truncate derived tables (all of them if none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			sub := c.bus.Subscribe(events.TopicFastProcessingComplete)
			defer sub.Close()

			id := c.runner.DatabaseReset(cmd.Context(), args)
			return waitForCompletion(cmd.Context(), sub, id)
		},
	})

	return dbCmd
}

func newLogCmd(cfgPath *string, log zerolog.Logger) *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Manage the source access logs",
	}

	logCmd.AddCommand(&cobra.Command{
		Use:   "remove-service <datasource> <service>",
		Short: "Rewrite a datasource's log without one service's lines",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(cmd.Context(), *cfgPath, log)
			if err != nil {
				return err
			}
			defer c.close()

			var logPath string
			for _, ds := range c.cfg.Datasources {
				if ds.Name == args[0] {
					logPath = ds.LogDirectory + "/access.log"
				}
			}
			if logPath == "" {
				return fmt.Errorf("unknown datasource %q", args[0])
			}

			sub := c.bus.Subscribe(events.TopicLogRemovalComplete)
			defer sub.Close()

			id := c.runner.LogServiceRemove(cmd.Context(), logPath, args[1])
			return waitForCompletion(cmd.Context(), sub, id)
		},
	})

	return logCmd
}

// waitForCompletion blocks until the completion event for operation id
// arrives on sub, then reports its outcome as the command's error.
func waitForCompletion(ctx context.Context, sub *events.Subscription, id string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C:
			done, ok := ev.Payload.(events.OperationComplete)
			if !ok || done.OperationID != id {
				continue
			}
			if !done.Success {
				if done.Error != "" {
					return fmt.Errorf("operation failed: %s", done.Error)
				}
				return fmt.Errorf("operation did not complete successfully")
			}
			return nil
		}
	}
}

// crawlerFetch builds a FetchFunc that GETs the crawler's JSON depot
// catalogue export.
func crawlerFetch(url string) steamdepot.FetchFunc {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context) ([]model.DepotMapping, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("crawler returned %s: %s", resp.Status, body)
		}

		var raw []struct {
			DepotID int64  `json:"depot_id"`
			AppID   int64  `json:"app_id"`
			AppName string `json:"app_name"`
			IsOwner bool   `json:"is_owner"`
			Source  string `json:"source"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode crawler response: %w", err)
		}
		mappings := make([]model.DepotMapping, 0, len(raw))
		for _, m := range raw {
			mappings = append(mappings, model.DepotMapping{
				DepotID: m.DepotID,
				AppID:   m.AppID,
				AppName: m.AppName,
				IsOwner: m.IsOwner,
				Source:  m.Source,
			})
		}
		return mappings, nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
