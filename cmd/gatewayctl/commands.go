// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/config"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

// loadConfig returns the built-in defaults for an empty path.
func loadConfig(path string) (*config.File, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// inputText joins args, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return "", fmt.Errorf("no input: pass text as arguments or on stdin")
	}
	return text, nil
}

// validateCmd returns the validate subcommand.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a gateway configuration file",
		Long: `Parse a configuration file, expand environment variables and report every
structural problem at once.

Examples:
  gatewayctl validate gateway.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if _, err := f.SafetyMatrix(); err != nil {
				return fmt.Errorf("safety policies: %w", err)
			}
			policies, _ := f.RoutingPolicies()
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d providers, %d routing policies, %d safety overrides\n",
				args[0], len(f.Providers), len(policies), len(f.Safety.Policies))
			return nil
		},
	}
}

// exampleConfigCmd returns the example-config subcommand.
func exampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an annotated example configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), config.GenerateExampleConfigFile())
			return err
		},
	}
}

// scrubCmd returns the scrub subcommand.
func scrubCmd(configPath *string) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "scrub [text...]",
		Short: "Detect and redact PII in text",
		Long: `Run the PII detector and scrubber over text from the arguments or stdin.

Examples:
  gatewayctl scrub "My card is 4111111111111111"
  echo "mail me at jo@example.com" | gatewayctl scrub --mode hash`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			m := f.ScrubMode()
			if mode != "" {
				m = pii.Mode(mode)
				if !pii.IsValidMode(m) {
					return fmt.Errorf("invalid mode %q (mask, hash, remove)", mode)
				}
			}

			clean, matches := pii.NewScrubber(pii.NewDetector(f.DetectorConfig()), m).Scrub(text)
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"clean_text": clean,
				"matches":    matches,
				"summary":    pii.Summary(matches),
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "scrub mode override: mask, hash or remove")
	return cmd
}

// moderateCmd returns the moderate subcommand.
func moderateCmd(configPath *string) *cobra.Command {
	var subject string
	var gradeBand string

	cmd := &cobra.Command{
		Use:   "moderate [text...]",
		Short: "Run content moderation without audit or notifications",
		Long: `Evaluate text against the safety policy for a subject and grade band.

Examples:
  gatewayctl moderate --grade-band elementary "I will kill you"
  gatewayctl moderate --subject sel --grade-band middle "the other kids are bullying me"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			band := safety.GradeBand(gradeBand)
			if !safety.IsValidGradeBand(band) {
				return fmt.Errorf("invalid grade band %q", gradeBand)
			}
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}

			matrix, err := f.SafetyMatrix()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			engine := safety.NewEngine(
				safety.WithMatrix(matrix),
				safety.WithEngineLogger(log.New(cmd.ErrOrStderr(), "[SAFETY] ", 0)),
			)
			res := engine.Moderate(context.Background(), safety.Request{
				Content:   text,
				Subject:   safety.Subject(subject),
				GradeBand: band,
			})
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", string(safety.SubjectGeneral), "curricular subject")
	cmd.Flags().StringVar(&gradeBand, "grade-band", string(safety.GradeBandAdult), "elementary, middle, high or adult")
	return cmd
}

// routeCmd returns the route subcommand.
func routeCmd(configPath *string) *cobra.Command {
	var rc llm.RoutingContext
	var tier string
	var kind string

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show the provider order for a routing context",
		Long: `Resolve the routing policy for a context and print the ordered provider list,
assuming every provider is healthy.

Examples:
  gatewayctl route --subject enterprise/acme --sla-tier premium`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rc.SLATier = llm.SLATier(tier)
			if tier != "" && !llm.IsValidSLATier(rc.SLATier) {
				return fmt.Errorf("invalid sla tier %q", tier)
			}
			rc.Kind = llm.RequestKind(kind)

			policies, def := f.RoutingPolicies()
			router, err := llm.NewPolicyRouter(f.ProviderProfiles(), policies, def, nil,
				llm.WithRouterLogger(log.New(cmd.ErrOrStderr(), "[ROUTING] ", 0)))
			if err != nil {
				return err
			}
			d := router.Decide(rc)
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"policy":       d.Policy.Name,
				"strategy":     d.Policy.Strategy,
				"failover":     d.Policy.Failover,
				"providers":    d.Providers,
				"call_timeout": d.Policy.CallTimeout(rc).String(),
			})
		},
	}
	cmd.Flags().StringVar(&rc.Subject, "subject", "", "routing subject, e.g. enterprise/acme")
	cmd.Flags().StringVar(&rc.Locale, "locale", "", "request locale")
	cmd.Flags().StringVar(&tier, "sla-tier", "", "standard, premium or enterprise")
	cmd.Flags().StringVar(&rc.Model, "model", "", "requested model")
	cmd.Flags().StringVar(&kind, "kind", "", "request kind")
	cmd.Flags().StringVar(&rc.TenantID, "tenant", "", "tenant id")
	return cmd
}
