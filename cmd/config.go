package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage StreamCapture configuration settings and profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Printf("# profile: %s\n", cfg.Profile)
		fmt.Print(string(out))
		return nil
	},
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved configuration and where each value comes from",
	Long: `Display the resolved configuration with inheritance indicators. Shows which
values the active profile sets itself and which it inherits from the
default profile or the global settings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := flattenConfig(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("=== PROFILE ===\n")
		fmt.Printf("file: %s\n", cfgFile)
		fmt.Printf("profile: %s\n", cfg.Profile)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		section := ""
		for _, key := range keys {
			head, field, _ := strings.Cut(key, ".")
			if head != section {
				section = head
				fmt.Printf("\n[%s]\n", strings.ToUpper(section[:1])+section[1:])
			}
			fmt.Printf("%s: %v %s\n", field, values[key], getInheritanceIndicator(cfg.Inheritance[key]))
		}
		return nil
	},
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the profiles in the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := config.Profiles(cfgFile)
		if err != nil {
			return err
		}
		for _, name := range names {
			marker := " "
			if name == cfg.Profile {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Make a profile the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile is now %s\n", args[0])
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in a profile",
	Long: `Set one configuration value, for example:

  streamcapture config set recording.auto_save true
  streamcapture config set recording.pre_roll 10s --profile night

The value is written to the profile given by --profile, or the default
profile. A running server picks up auto_record, auto_save and the output
directory without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.ToLower(args[0])
		if err := config.SetProfileValue(cfgFile, profile, key, parseValue(key, args[1])); err != nil {
			return err
		}
		// Refuse to leave behind a file that no longer loads.
		if _, err := config.LoadWithProfile(cfgFile, profile); err != nil {
			return fmt.Errorf("value written but the configuration is now invalid: %w", err)
		}
		target := profile
		if target == "" {
			target = config.DefaultProfile
		}
		fmt.Printf("%s = %s (profile %s)\n", key, args[1], target)
		return nil
	},
}

// parseValue turns command line text into the YAML type the key expects.
// Durations stay strings; viper decodes them.
func parseValue(key, raw string) any {
	if key == "station.api_servers" {
		var out []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// flattenConfig returns the resolved settings keyed like the config file,
// for example "recording.auto_save".
func flattenConfig(c *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("error reading marshaled config: %w", err)
	}
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out[key] = v
		}
	}
	walk("", tree)
	return out, nil
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	default:
		return "[unknown]"
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInfoCmd)
	configCmd.AddCommand(configProfilesCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configSetCmd)
}
