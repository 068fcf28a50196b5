// Command hcd runs a holo conductor: it loads a config file, installs and
// enables whatever apps that config lists, and serves them until signaled
// to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/holo/conductor/internal/appval"
	"github.com/holo/conductor/internal/chc"
	"github.com/holo/conductor/internal/conductor"
	"github.com/holo/conductor/internal/config"
	"github.com/holo/conductor/internal/holo"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "hcd",
		Short: "holo conductor daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to hcd.yaml (defaults to $CONDUCTOR_CONFIG, then ./hcd.yaml or /etc/holo/hcd.yaml)")
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the hcd build identifier",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("hcd (github.com/holo/conductor)")
		},
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	log.SetLevel(lv)
	return log
}

func runCmd() *cobra.Command {
	var dumpInterval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the conductor and serve its configured apps until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = os.Getenv("CONDUCTOR_CONFIG")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.Logging.Level
			if env := os.Getenv("HOLO_LOG"); env != "" {
				level = env
			}
			log := newLogger(level)

			c, err := conductor.New(conductor.Config{
				DataDir:    cfg.DataDir,
				ListenAddr: cfg.ListenAddr,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("start conductor: %w", err)
			}
			defer c.Close()

			for _, appCfg := range cfg.Apps {
				c.InstallApp(appCfg.AppID, conductor.AppSpec{
					DnaHash:    holo.ComputeHash(holo.HashTypeExternal, []byte(appCfg.DnaSeed)),
					ZomeNames:  appCfg.ZomeNames,
					Validators: appval.Registry{},
					CHC:        chc.NoopHook{},
				})
				agent, err := c.Keystore.NewAgent()
				if err != nil {
					return fmt.Errorf("generate agent for app %q: %w", appCfg.AppID, err)
				}
				if _, err := c.EnableApp(appCfg.AppID, agent); err != nil {
					return fmt.Errorf("enable app %q: %w", appCfg.AppID, err)
				}
				log.WithFields(logrus.Fields{"app_id": appCfg.AppID, "agent": agent.String()}).
					Info("enabled app with a freshly generated agent")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(dumpInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down")
					return nil
				case <-ticker.C:
					states, err := c.DumpState()
					if err != nil {
						log.WithError(err).Warn("dump state failed")
						continue
					}
					for _, s := range states {
						log.WithFields(logrus.Fields{
							"app_id":      s.AppID,
							"agent":       s.Agent.String(),
							"pending":     s.Pending,
							"sys_deps":    s.AwaitingSysDeps,
							"app_deps":    s.AwaitingAppDeps,
							"integrated":  s.Integrated,
							"rejected":    s.Rejected,
							"chain":       s.ChainStatus,
							"quarantined": s.GossipQuarantined,
						}).Info("cell state")
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&dumpInterval, "dump-interval", 30*time.Second, "how often to log each cell's pipeline state")
	return cmd
}
