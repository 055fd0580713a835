// Package schema describes the command tree so agents can drive paycall
// without scraping help text.
package schema

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// AnnotationPayment marks a command that may sign an x402 payment.
const AnnotationPayment = "paycall/payment"

type Command struct {
	Path           string    `json:"path"`
	Use            string    `json:"use"`
	Short          string    `json:"short"`
	Example        string    `json:"example,omitempty"`
	Aliases        []string  `json:"aliases,omitempty"`
	MayPay         bool      `json:"may_pay,omitempty"`
	Flags          []Flag    `json:"flags,omitempty"`
	InheritedFlags []Flag    `json:"inherited_flags,omitempty"`
	Subcommands    []Command `json:"subcommands,omitempty"`
}

type Flag struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// Build describes the command at commandPath (names or aliases separated by
// spaces) and everything below it. Inherited flags are listed once, on the
// requested command.
func Build(root *cobra.Command, commandPath string) (Command, error) {
	cmd := root
	if parts := strings.Fields(commandPath); len(parts) > 0 {
		found, rest, err := root.Find(parts)
		if err != nil || len(rest) > 0 || found == root {
			return Command{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = found
	}
	out := describe(cmd)
	out.InheritedFlags = flags(cmd.InheritedFlags())
	return out, nil
}

func describe(cmd *cobra.Command) Command {
	out := Command{
		Path:    cmd.CommandPath(),
		Use:     cmd.Use,
		Short:   cmd.Short,
		Example: cmd.Example,
		Aliases: cmd.Aliases,
		MayPay:  cmd.Annotations[AnnotationPayment] == "true",
		Flags:   flags(cmd.NonInheritedFlags()),
	}
	for _, sub := range cmd.Commands() {
		if !sub.IsAvailableCommand() {
			continue
		}
		child := describe(sub)
		out.MayPay = out.MayPay || child.MayPay
		out.Subcommands = append(out.Subcommands, child)
	}
	return out
}

func flags(set *pflag.FlagSet) []Flag {
	var out []Flag
	set.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		required := f.Annotations[cobra.BashCompOneRequiredFlag]
		out = append(out, Flag{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  len(required) > 0 && required[0] == "true",
		})
	})
	return out
}
