package main

import (
	"github.com/spf13/cobra"
)

func templateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"templates"},
		Short:   "Build and manage sandbox templates",
	}
	cmd.AddCommand(templateBuildCmd(a), templateListCmd(a), templateRemoveCmd(a))
	return cmd
}

func templateBuildCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "build <dir>",
		Short: "Build a template from a directory containing a Dockerfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.manager.BuildTemplate(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			return a.print(cmd, t)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Template name (default: directory name)")
	return cmd
}

func templateListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List built templates",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := a.manager.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, items)
		},
	}
}

func templateRemoveCmd(a *app) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Remove a template from the catalog",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.manager.RemoveTemplate(cmd.Context(), args[0], purge)
			if err != nil {
				return err
			}
			return a.print(cmd, t)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete the built image")
	return cmd
}
