package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hmunoz/wagent/pkg/config"
	"github.com/hmunoz/wagent/pkg/store"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or register generator model configs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		configs, err := st.ListModelConfigs(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "failed to list model configs")
		}
		if len(configs) == 0 {
			fmt.Println("no model configs, add one with: wagent models add <name> <provider>")
			return nil
		}
		for _, mc := range configs {
			status := "active"
			if !mc.Active {
				status = "inactive"
			}
			if !credentialPresent(cfg, mc.Provider) {
				status += ", no credential"
			}
			fmt.Printf("%-24s %-10s %s\n", mc.Name, mc.Provider, status)
		}
		return nil
	},
}

var modelsAddConfig string
var modelsAddInactive bool

var modelsAddCmd = &cobra.Command{
	Use:   "add <name> <provider>",
	Short: "Register a model config (provider: anthropic, openai, xai, lmstudio, google, ollama)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpsertModelConfig(cmd.Context(), args[0], args[1], modelsAddConfig, !modelsAddInactive); err != nil {
			return errors.Wrap(err, "failed to upsert model config")
		}
		fmt.Printf("registered %s (%s)\n", args[0], args[1])
		return nil
	},
}

func openStore(cmd *cobra.Command) (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}
	cipher, err := loadCipher(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cmd.Context(), cfg.DBPath, cipher)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open store")
	}
	return cfg, st, nil
}

func credentialPresent(cfg *config.Config, provider string) bool {
	switch provider {
	case "anthropic":
		return cfg.AnthropicAPIKey != ""
	case "openai":
		return cfg.OpenAIAPIKey != ""
	case "xai":
		return cfg.XAIAPIKey != ""
	case "lmstudio":
		return cfg.LMStudioBaseURL != ""
	case "google":
		return cfg.GoogleAPIKey != ""
	case "ollama":
		return true
	}
	return false
}

func init() {
	modelsAddCmd.Flags().StringVar(&modelsAddConfig, "config", "", "Provider-specific JSON blob ({\"model\": ..., \"temperature\": ..., \"max_tokens\": ...})")
	modelsAddCmd.Flags().BoolVar(&modelsAddInactive, "inactive", false, "Register without activating")
	modelsCmd.AddCommand(modelsAddCmd)
}
