package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ngld/assetflow/pkg"
)

var listCmd = &cobra.Command{
	Use:   "list [option=value...]",
	Short: "Lists the available tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		_, options := pkg.SplitArgs(args)
		p, err := loadProject(commandContext(cmd), options)
		if err != nil {
			return err
		}

		if all {
			printAllTasks(cmd.OutOrStdout(), p)
		} else {
			printTasks(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolP("all", "a", false, "include hidden tasks")
	rootCmd.AddCommand(listCmd)
}

func printTasks(out io.Writer, p *project) {
	printTaskList(out, p, false)
}

func printAllTasks(out io.Writer, p *project) {
	printTaskList(out, p, true)
}

func printTaskList(out io.Writer, p *project, hidden bool) {
	type entry struct {
		name string
		desc string
	}

	tasks := make([]entry, 0)
	for _, name := range p.registry.Names() {
		task, _ := p.registry.Lookup(name)
		if task.Hidden && !hidden {
			continue
		}
		tasks = append(tasks, entry{name, task.Desc})
	}

	sessions := make([]entry, 0)
	for _, session := range p.registry.Sessions() {
		sessions = append(sessions, entry{session.Name, session.Desc})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].name < sessions[j].name })

	maxNameLen := 0
	for _, list := range [][]entry{tasks, sessions} {
		for _, item := range list {
			if len(item.name) > maxNameLen {
				maxNameLen = len(item.name)
			}
		}
	}
	optionNames := make([]string, 0, len(p.options))
	for name := range p.options {
		optionNames = append(optionNames, name)
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}
	sort.Strings(optionNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)

	fmt.Fprintln(out, "Available tasks:")
	for _, item := range tasks {
		fmt.Fprintf(out, lineFmt, item.name+":", item.desc)
	}

	if len(sessions) > 0 {
		fmt.Fprintln(out, "\nWatch sessions:")
		for _, item := range sessions {
			fmt.Fprintf(out, lineFmt, item.name+":", item.desc)
		}
	}

	if len(optionNames) > 0 {
		fmt.Fprintln(out, "\nOptions:")
		for _, name := range optionNames {
			opt := p.options[name]
			fmt.Fprintf(out, lineFmt, name+":", fmt.Sprintf("%s (default: %s)", opt.Help, opt.Default()))
		}
	}
}
