package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/capability"
	"github.com/deskshell/deskshell/internal/cli/output"
	"github.com/deskshell/deskshell/internal/config"
)

var capabilitiesOutput string

type capabilityInfo struct {
	Name  string `json:"name" yaml:"name"`
	Async bool   `json:"async" yaml:"async"`
}

type capabilityList []capabilityInfo

func (l capabilityList) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(l))
	for _, c := range l {
		kind := "sync"
		if c.Async {
			kind = "async"
		}
		rows = append(rows, []string{c.Name, kind})
	}
	return []string{"NAME", "KIND"}, rows
}

func newCapabilitiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List the native capabilities this build registers on the bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatter, err := output.NewFormatter(output.ResolveFormat(capabilitiesOutput), cmd.OutOrStdout())
			if err != nil {
				return &configError{err: err}
			}
			reg, err := capabilityRegistry(config.DefaultConfig())
			if err != nil {
				return err
			}

			list := capabilityList{}
			for _, name := range reg.Names() {
				r, _ := reg.Lookup(name)
				list = append(list, capabilityInfo{Name: name, Async: r.Async})
			}
			text, err := formatter.Format(list)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&capabilitiesOutput, "output", "o", "", "Output format (table, json, yaml)")
	return cmd
}

// capabilityRegistry builds the registry the shell would, without opening the
// preference store; a running shell may hold its lock
func capabilityRegistry(cfg *config.Config) (*bridge.Registry, error) {
	env := capability.Env{
		AppName: cfg.AppName,
		Version: version,
		Mode:    cfg.Mode,
	}
	caps := capability.Platform(env)
	caps = append(caps, capability.Prefs(nil)...)

	reg := bridge.NewRegistry()
	if err := capability.Register(reg, caps...); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}
