package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/workflow"
)

func newValidateCommand(a *app) *cobra.Command {
	var resolve bool
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow file",
		Long: `Validate checks a workflow definition for structural errors (missing
fields, dangling dependencies, cycles) without executing it. With
--resolve it also resolves every referenced agent spec.

Examples:
  agentrun validate deploy.yaml
  agentrun validate deploy.yaml --resolve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := workflow.LoadGraphFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ workflow %q is valid\n", g.Name())
			fmt.Fprintf(out, "  Steps: %d\n", g.Len())
			fmt.Fprintf(out, "  Order: %s\n", strings.Join(g.Order(), " -> "))

			if !resolve {
				return nil
			}
			var cl closers
			defer func() { _ = cl.close() }()
			store, err := openSpecStore(cmd.Context(), a.cfg, a.logger, &cl)
			if err != nil {
				return err
			}
			session := declarative.NewResolver(store, a.cfg.Resolver.MaxDepth, a.logger).NewSession()
			for _, step := range g.Steps() {
				spec, err := session.Resolve(cmd.Context(), step.AgentSpecID)
				if err != nil {
					return fmt.Errorf("step %s: %w", step.ID, err)
				}
				fmt.Fprintf(out, "  %s: %s\n", step.ID, strings.Join(spec.Provenance, " <- "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "Also resolve every referenced agent spec")
	return cmd
}

func newResolveCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "resolve <spec-id>",
		Short: "Print an agent spec merged with its ancestors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cl closers
			defer func() { _ = cl.close() }()
			store, err := openSpecStore(cmd.Context(), a.cfg, a.logger, &cl)
			if err != nil {
				return err
			}
			spec, err := declarative.NewResolver(store, a.cfg.Resolver.MaxDepth, a.logger).Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(spec)
			case "yaml":
				// AgentSpec 只有 json 标签，经 JSON 转一次保持字段名一致
				data, err := json.Marshal(spec)
				if err != nil {
					return err
				}
				var doc map[string]any
				if err := json.Unmarshal(data, &doc); err != nil {
					return err
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(doc)
			default:
				return fmt.Errorf("unknown output format %q", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "json", "Output format: json or yaml")
	return cmd
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of workflow definitions",
		Args:  cobra.NoArgs,
		// 不需要配置
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(workflow.DefinitionSchema(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
