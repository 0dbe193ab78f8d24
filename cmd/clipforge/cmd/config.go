package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/pkg/bytesize"
	"github.com/clipforge/clipforge/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing clipforge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  clipforge config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, .clipforge.yaml, /etc/clipforge/config.yaml)
  - Environment variables (CLIPFORGE_SERVER_PORT, CLIPFORGE_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the CLIPFORGE_ prefix and underscores for nesting.
Example: server.port -> CLIPFORGE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Tag.Get("yaml")
		}
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case config.Duration:
			result[key] = duration.Format(v.Duration())
		case config.ByteSize:
			result[key] = bytesize.Format(bytesize.Size(v))
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Load config with defaults (no file, just defaults)
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := []string{
		"# clipforge Configuration File",
		"# =============================",
		"#",
		"# All values shown below are defaults.",
		"# Duration format: 30s, 5m, 1h, 7d",
		"# Size format: 5MB, 1GB",
		"#",
		"# Environment variable overrides:",
		"#   CLIPFORGE_SERVER_HOST, CLIPFORGE_SERVER_PORT",
		"#   CLIPFORGE_DATABASE_DRIVER, CLIPFORGE_DATABASE_DSN",
		"#   CLIPFORGE_STORAGE_DATA_DIR, CLIPFORGE_TOOLS_FFMPEG",
		"#   CLIPFORGE_LOGGING_LEVEL, CLIPFORGE_LOGGING_FORMAT",
		"#   etc.",
		"#",
		"",
	}
	fmt.Println(strings.Join(header, "\n"))
	fmt.Print(string(yamlData))

	return nil
}
