package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ckpt-project/ckpt/pkg/config"
	"github.com/ckpt-project/ckpt/pkg/color"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage ckpt configuration",
	Long: `Manage ckpt configuration stored in the storage root's config.yaml
(or config.toml).

Keys are dotted paths such as snapshot.default_format or
rollback.auto_checkpoint. Run "ckpt config keys" to list them all.`,
	DisableFlagsInUseLine: true,
}

// loadRootConfig returns the storage root's config and its file path.
func loadRootConfig() (*config.Config, string, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, "", err
	}
	if !isRoot(root) {
		return nil, "", errNotInRoot
	}
	path := config.Path(root)
	cfg, err := config.LoadFromRoot(root)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// configMap renders cfg with its YAML keys for JSON output.
func configMap(cfg *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadRootConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			m, err := configMap(cfg)
			if err != nil {
				return err
			}
			return outputJSON(m)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println(color.Dim("# " + path))
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRootConfig()
		if err != nil {
			return err
		}
		value, err := cfg.Get(args[0])
		if err != nil {
			return err
		}
		return printOr(map[string]string{"key": args[0], "value": value}, func() {
			fmt.Println(value)
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. The value is parsed as YAML.

Examples:
  ckpt config set snapshot.default_format tar.zst
  ckpt config set snapshot.exclude '["*.log", "cache"]'
  ckpt config set rollback.auto_checkpoint false
  ckpt config set retention.min_age 72h`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadRootConfig()
		if err != nil {
			return err
		}
		if err := cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		value, _ := cfg.Get(args[0])
		return printOr(map[string]string{"key": args[0], "value": value}, func() {
			fmt.Printf("Set %s = %s\n", args[0], value)
		})
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := config.Keys()
		return printOr(keys, func() {
			fmt.Println(strings.Join(keys, "\n"))
		})
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Long:  "Validate a configuration file, by default the storage root's.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) > 0 {
			path = args[0]
			if _, err := config.Load(path); err != nil {
				return err
			}
		} else {
			_, p, err := loadRootConfig()
			if err != nil {
				return err
			}
			path = p
		}
		return printOr(map[string]any{"path": path, "valid": true}, func() {
			fmt.Printf("%s  %s\n", path, color.Status("valid"))
		})
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configKeysCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
