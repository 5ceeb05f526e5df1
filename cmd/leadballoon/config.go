package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/spf13/cobra"
	uber "go.uber.org/config"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and render the effective configuration",
	}

	cmd.AddCommand(newConfigCheckCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigKeysCmd())

	return cmd
}

// --- config check ----------------------------------------------------------------

type configCheckOptions struct {
	key    string
	cfgRef string
}

func newConfigCheckCmd() *cobra.Command {
	opts := &configCheckOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate every known key, or one with --key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigCheck(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.key, "key", "", "Only check this key")
	flags.StringVar(&opts.cfgRef, "config", "", "Path to YAML config file (highest precedence)")

	return cmd
}

func runConfigCheck(cmd *cobra.Command, opts *configCheckOptions) error {
	if opts.key != "" {
		if _, ok := configkit.KnownType(opts.key); !ok {
			return fmt.Errorf("unknown config key %q", opts.key)
		}
	}

	provider, err := loadProvider(cmd.Context(), opts.cfgRef)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	exitCode := 0
	for _, r := range configkit.Check(provider) {
		if opts.key != "" && r.Key != opts.key {
			continue
		}
		if r.OK {
			if err := writef(out, "[OK] %s\n", r.Key); err != nil {
				return err
			}
			continue
		}
		for _, issue := range r.Issues {
			if err := writef(out, "[ERROR] %s.%s\n", r.Key, issue); err != nil {
				return err
			}
			exitCode = 1
		}
		if r.Err != nil && len(r.Issues) == 0 {
			if err := writef(out, "[ERROR] %s: %v\n", r.Key, r.Err); err != nil {
				return err
			}
			exitCode = 1
		}
		for _, unk := range r.Unknown {
			if err := writef(out, "[WARN] %s: unknown key %s\n", r.Key, unk); err != nil {
				return err
			}
		}
	}

	if exitCode != 0 {
		return &exitError{code: exitCode}
	}
	return nil
}

// --- config show -----------------------------------------------------------------

type configShowOptions struct {
	key         string
	format      string
	showSecrets bool
	cfgRef      string
}

func newConfigShowCmd() *cobra.Command {
	opts := &configShowOptions{}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Render the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.key, "key", "", "Render only this key")
	flags.StringVar(&opts.format, "format", "yaml", "Output format: yaml|json")
	flags.BoolVar(&opts.showSecrets, "show-secrets", false, "Do not mask secret values")
	flags.StringVar(&opts.cfgRef, "config", "", "Path to YAML config file (highest precedence)")

	return cmd
}

func runConfigShow(cmd *cobra.Command, opts *configShowOptions) error {
	provider, err := loadProvider(cmd.Context(), opts.cfgRef)
	if err != nil {
		return err
	}

	key := opts.key
	if key == "" {
		key = uber.Root
	}
	var raw any
	if err := provider.Get(key).Populate(&raw); err != nil {
		return err
	}
	v := configkit.Redact(raw)
	if opts.showSecrets {
		v = configkit.Normalize(raw)
	}

	var b []byte
	switch strings.ToLower(opts.format) {
	case "", "yaml":
		b, err = yaml.Marshal(v)
	case "json":
		b, err = json.MarshalIndent(v, "", "  ")
		b = append(b, '\n')
	default:
		return fmt.Errorf("unsupported format %q; use yaml or json", opts.format)
	}
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(b)
	return err
}

// --- config keys -----------------------------------------------------------------

func newConfigKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the config keys this binary reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, r := range configkit.Known() {
				if err := writef(cmd.OutOrStdout(), "%-10s %s\n", r.Key, r.Type); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// --- helpers ---------------------------------------------------------------------

// loadProvider layers the built-in defaults under config/config.yml, $CONFIG
// and cfgRef.
func loadProvider(ctx context.Context, cfgRef string) (*uber.YAML, error) {
	opts := []configkit.ModuleOption{configkit.WithEmbeddedBytes(defaultConfig)}
	if cfgRef != "" {
		opts = append(opts, configkit.WithSources(configkit.File(cfgRef)))
	}
	return configkit.NewYAML(ctx, opts...)
}
