package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	noop := func(*cobra.Command, []string) error { return nil }
	root := &cobra.Command{Use: "paycall"}
	root.PersistentFlags().String("output", "json", "output format")
	tools := &cobra.Command{Use: "tools", Short: "discover and call tools"}
	tools.PersistentFlags().String("endpoint", "", "tool endpoint")
	list := &cobra.Command{Use: "list", Short: "list tools", RunE: noop}
	call := &cobra.Command{
		Use:         "call <name>",
		Short:       "invoke a tool",
		Aliases:     []string{"invoke"},
		Annotations: map[string]string{AnnotationPayment: "true"},
		RunE:        noop,
	}
	call.Flags().String("params", "", "JSON arguments")
	call.Flags().Bool("stream", false, "print chunks as they arrive")
	call.Flags().String("trace", "", "internal")
	_ = call.Flags().MarkHidden("trace")
	_ = call.MarkFlagRequired("params")
	hidden := &cobra.Command{Use: "debug", Hidden: true, RunE: noop}
	tools.AddCommand(list, call, hidden)
	networks := &cobra.Command{Use: "networks", Short: "list networks", RunE: noop}
	root.AddCommand(tools, networks)
	return root
}

func TestBuildResolvesAliasesAndFlags(t *testing.T) {
	s, err := Build(testTree(), "tools invoke")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "paycall tools call" || !s.MayPay {
		t.Fatalf("unexpected command: %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "params" || !s.Flags[0].Required || s.Flags[1].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if len(s.InheritedFlags) != 2 || s.InheritedFlags[0].Name != "endpoint" || s.InheritedFlags[1].Name != "output" {
		t.Fatalf("unexpected inherited flags: %+v", s.InheritedFlags)
	}
}

func TestBuildMarksPayingSubtrees(t *testing.T) {
	root, err := Build(testTree(), "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !root.MayPay || len(root.Subcommands) != 2 {
		t.Fatalf("unexpected root: %+v", root)
	}
	tools, networks := root.Subcommands[1], root.Subcommands[0]
	if tools.Use != "tools" {
		tools, networks = networks, tools
	}
	if !tools.MayPay || networks.MayPay {
		t.Fatalf("payment marker misplaced: tools=%v networks=%v", tools.MayPay, networks.MayPay)
	}
	if len(tools.Subcommands) != 2 {
		t.Fatalf("hidden commands must be skipped: %+v", tools.Subcommands)
	}
	if len(tools.Subcommands[0].InheritedFlags) != 0 {
		t.Fatal("inherited flags belong only to the requested command")
	}
}

func TestBuildUnknownCommand(t *testing.T) {
	for _, path := range []string{"tools missing", "missing"} {
		if _, err := Build(testTree(), path); err == nil {
			t.Fatalf("expected unknown command error for %q", path)
		}
	}
}
