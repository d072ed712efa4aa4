package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"tunshield/internal"
)

var (
	configPath string
	cfg        *internal.Config
)

var rootCmd = &cobra.Command{
	Use:   "tunshieldctl",
	Short: "Operator CLI for the tunshield policy engine",
	Long: `tunshieldctl edits the persisted policy rule set in the config file that
tunshieldd loads when it starts: identity rules, domain rules, and the
default decision. A running tunshieldd does not reload the file.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = internal.LoadConfig(configPath)
		if errors.Is(err, os.ErrNotExist) {
			cfg = &internal.Config{}
			cfg.Policy.DefaultDecision = "ALLOW"
			return nil
		}
		return err
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current policy rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("default: %s\n", cfg.Policy.DefaultDecision)
		for identity, decision := range cfg.Policy.IdentityRules {
			fmt.Printf("identity %d -> %s\n", identity, decision)
		}
		for domain, decision := range cfg.Policy.DomainRules {
			fmt.Printf("domain %q -> %s\n", domain, decision)
		}
		return nil
	},
}

var setIdentityCmd = &cobra.Command{
	Use:   "set-identity [identity] [ALLOW|BLOCK]",
	Short: "Set the decision for an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid identity %q: %w", args[0], err)
		}
		decision, err := parseDecisionArg(args[1])
		if err != nil {
			return err
		}
		if cfg.Policy.IdentityRules == nil {
			cfg.Policy.IdentityRules = make(map[int]string)
		}
		cfg.Policy.IdentityRules[identity] = decision
		return cfg.Save(configPath)
	},
}

var removeIdentityCmd = &cobra.Command{
	Use:   "remove-identity [identity]",
	Short: "Remove the rule for an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid identity %q: %w", args[0], err)
		}
		delete(cfg.Policy.IdentityRules, identity)
		return cfg.Save(configPath)
	},
}

var setDomainCmd = &cobra.Command{
	Use:   "set-domain [domain] [ALLOW|BLOCK]",
	Short: "Set the decision for a domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, err := parseDecisionArg(args[1])
		if err != nil {
			return err
		}
		if cfg.Policy.DomainRules == nil {
			cfg.Policy.DomainRules = make(map[string]string)
		}
		cfg.Policy.DomainRules[args[0]] = decision
		return cfg.Save(configPath)
	},
}

var removeDomainCmd = &cobra.Command{
	Use:   "remove-domain [domain]",
	Short: "Remove the rule for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		delete(cfg.Policy.DomainRules, args[0])
		return cfg.Save(configPath)
	},
}

var setDefaultCmd = &cobra.Command{
	Use:   "set-default [ALLOW|BLOCK]",
	Short: "Set the default decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, err := parseDecisionArg(args[0])
		if err != nil {
			return err
		}
		cfg.Policy.DefaultDecision = decision
		return cfg.Save(configPath)
	},
}

func parseDecisionArg(s string) (string, error) {
	switch s {
	case "ALLOW", "BLOCK":
		return s, nil
	default:
		return "", fmt.Errorf("decision must be ALLOW or BLOCK, got %q", s)
	}
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		filepath.Join(home, ".config", "tunshield", "tunshield.yaml"),
		"config file path")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(setIdentityCmd)
	rootCmd.AddCommand(removeIdentityCmd)
	rootCmd.AddCommand(setDomainCmd)
	rootCmd.AddCommand(removeDomainCmd)
	rootCmd.AddCommand(setDefaultCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
