package main

import (
	"context"
	"fmt"

	"github.com/DataBiosphere/ssds/deployment"
	"github.com/DataBiosphere/ssds/submission"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

// app holds what every command needs once flags are parsed.
type app struct {
	cfgFile           string
	verbose           bool
	objectConcurrency int

	envRepo  env.Repository
	logger   log.Logger
	registry *deployment.Registry
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ssds",
		Short:         "Simple data storage for submissions",
		Long:          `Upload submissions to object store deployments and sync them between deployments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.logger.EnableDebugLog(a.verbose)

			registry, err := deployment.LoadRegistry(a.cfgFile, a.envRepo)
			if err != nil {
				return err
			}
			a.registry = registry
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "deployments config file (default is $"+deployment.ConfigEnvKey+" or deployments.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newDeploymentCmd(a), newStagingCmd(a))
	return rootCmd
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	a := &app{
		envRepo: env.NewRepository(),
		logger:  log.NewLogger(),
	}

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		a.logger.Errorf("%s", err)
		return 1
	}
	return 0
}

// target resolves a deployment name and opens its store. The caller closes
// the store with deployment.Close.
func (a *app) target(ctx context.Context, name string) (submission.Target, error) {
	if name == "" {
		return submission.Target{}, fmt.Errorf("deployment must be given")
	}

	d, err := a.registry.Get(name)
	if err != nil {
		return submission.Target{}, err
	}

	store, err := deployment.Open(ctx, d, a.envRepo, a.logger)
	if err != nil {
		return submission.Target{}, err
	}
	return submission.Target{Deployment: d, Store: store}, nil
}

func (a *app) closeTarget(t submission.Target) {
	if err := deployment.Close(t.Store); err != nil {
		a.logger.Warnf("Failed to close %s: %s", t.Deployment.Name, err)
	}
}

func (a *app) client() (*submission.Client, error) {
	config := submission.DefaultConfig()
	if a.objectConcurrency > 0 {
		config.ObjectConcurrency = a.objectConcurrency
	}
	return submission.NewClient(config, a.logger)
}
