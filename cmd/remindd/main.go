// Command remindd runs the case reminder daemon and its maintenance tasks.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the resolved global flags. Values come from flags, then
// REMINDD_* environment variables.
type cli struct {
	v *viper.Viper
}

func (c *cli) configPath() string { return c.v.GetString("config") }
func (c *cli) jsonOutput() bool   { return c.v.GetBool("json") }

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("REMINDD")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "remindd",
		Short: "Case reminder scheduler",
		Long: `remindd fires scheduled reminders for open cases.

Definitions describe a timeline of messages; every matching open case gets
its own reminder instance that advances through the timeline as the poller
ticks. Messages go out over Telegram, email or the log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "./config.yaml", "config file (JSON or YAML)")
	root.PersistentFlags().Bool("json", false, "print JSON instead of tables")
	_ = c.v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = c.v.BindPFlag("json", root.PersistentFlags().Lookup("json"))

	root.AddCommand(
		serveCmd(c),
		tickCmd(c),
		validateCmd(c),
		reconcileCmd(c),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
