package main

import (
	"fmt"

	"github.com/DataBiosphere/ssds/submission"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newStagingCmd(a *app) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Submissions in a deployment",
	}
	stagingCmd.PersistentFlags().IntVar(&a.objectConcurrency, "concurrency", 0, "maximum number of objects transferred at once")

	stagingCmd.AddCommand(
		newUploadCmd(a),
		newUploadFileCmd(a),
		newListCmd(a),
		newListSubmissionCmd(a),
		newSyncCmd(a),
	)
	return stagingCmd
}

func newUploadCmd(a *app) *cobra.Command {
	var name, subdir string
	var ids idFlags

	cmd := &cobra.Command{
		Use:   "upload PATH",
		Short: "Upload a local directory tree as a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := a.target(ctx, ids.deployment)
			if err != nil {
				return err
			}
			defer a.closeTarget(t)

			client, err := a.client()
			if err != nil {
				return err
			}

			report, err := client.Upload(ctx, t, submission.UploadInput{
				Root:   args[0],
				ID:     ids.submissionID,
				Name:   name,
				Subdir: subdir,
			})
			printReport(cmd, report)
			return err
		},
	}
	ids.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "submission name, required for new submissions")
	cmd.Flags().StringVar(&subdir, "subdir", "", "place the tree under this path inside the submission")
	return cmd
}

func newUploadFileCmd(a *app) *cobra.Command {
	var name string
	var ids idFlags

	cmd := &cobra.Command{
		Use:   "upload-file LOCAL_PATH REL_PATH",
		Short: "Upload a single file into a submission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := a.target(ctx, ids.deployment)
			if err != nil {
				return err
			}
			defer a.closeTarget(t)

			client, err := a.client()
			if err != nil {
				return err
			}

			result, err := client.UploadFile(ctx, t, args[0], ids.submissionID, name, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", result.Key, result.IdentityTag, units.HumanSize(float64(result.Plan.Size)))
			return nil
		},
	}
	ids.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "submission name, required for new submissions")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var deploymentName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := a.target(ctx, deploymentName)
			if err != nil {
				return err
			}
			defer a.closeTarget(t)

			addrs, err := submission.List(ctx, t.Store)
			if err != nil {
				return err
			}
			for _, addr := range addrs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", addr.ID, addr.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&deploymentName, "deployment", "d", "", "deployment name")
	return cmd
}

func newListSubmissionCmd(a *app) *cobra.Command {
	var ids idFlags

	cmd := &cobra.Command{
		Use:   "list-submission",
		Short: "List the files of a submission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := a.target(ctx, ids.deployment)
			if err != nil {
				return err
			}
			defer a.closeTarget(t)

			addr, paths, err := submission.ListObjects(ctx, t.Store, ids.submissionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", addr)
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
			}
			return nil
		},
	}
	ids.register(cmd)
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	var srcName, dstName, id string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy a submission to another deployment, skipping unchanged objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if id == "" {
				return fmt.Errorf("submission id must be given")
			}

			src, err := a.target(ctx, srcName)
			if err != nil {
				return err
			}
			defer a.closeTarget(src)

			dst, err := a.target(ctx, dstName)
			if err != nil {
				return err
			}
			defer a.closeTarget(dst)

			client, err := a.client()
			if err != nil {
				return err
			}

			report, err := client.Sync(ctx, src, dst, id)
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&srcName, "src-deployment", "", "source deployment name")
	cmd.Flags().StringVar(&dstName, "dst-deployment", "", "destination deployment name")
	cmd.Flags().StringVar(&id, "submission-id", "", "submission id")
	return cmd
}

type idFlags struct {
	deployment   string
	submissionID string
}

func (f *idFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.deployment, "deployment", "d", "", "deployment name")
	cmd.Flags().StringVar(&f.submissionID, "submission-id", "", "submission id")
}

func printReport(cmd *cobra.Command, report *submission.Report) {
	if report == nil {
		return
	}
	for _, o := range report.Outcomes() {
		line := fmt.Sprintf("%s\t%s", o.Status, o.Key)
		if o.Err != nil {
			line += "\t" + o.Err.Error()
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}
