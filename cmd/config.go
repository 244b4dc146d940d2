package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/oppsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(redactConfig(*cfg))
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

// redactConfig masks secrets so the output is safe to paste into an issue.
func redactConfig(c config.Config) config.Config {
	c.SAM.APIKey = mask(c.SAM.APIKey)
	c.Anthropic.Key = mask(c.Anthropic.Key)
	c.Remote.APIKey = mask(c.Remote.APIKey)
	c.Server.APIKey = mask(c.Server.APIKey)
	c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted>"
}

func init() {
	rootCmd.AddCommand(configCmd)
}
