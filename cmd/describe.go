package cmd

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ngld/assetflow/pkg"
	"github.com/ngld/assetflow/pkg/buildsys"
	"github.com/ngld/assetflow/pkg/pipeline"
)

type taskDescription struct {
	buildsys.Task `yaml:",inline"`
	Stages        []pipeline.Descriptor `yaml:"stages,omitempty"`
}

type projectDescription struct {
	File     string                   `yaml:"file"`
	Tasks    []taskDescription        `yaml:"tasks,omitempty"`
	Sessions []*buildsys.WatchSession `yaml:"watch,omitempty"`
}

func describeTask(task *buildsys.Task) taskDescription {
	return taskDescription{
		Task:   *task,
		Stages: task.Descriptors(),
	}
}

var describeCmd = &cobra.Command{
	Use:   "describe [task...] [option=value...]",
	Short: "Prints the tasks and their pipeline stages as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, options := pkg.SplitArgs(args)
		p, err := loadProject(commandContext(cmd), options)
		if err != nil {
			return err
		}

		desc := projectDescription{File: p.file}
		if len(names) == 0 {
			for _, task := range p.registry.Tasks() {
				desc.Tasks = append(desc.Tasks, describeTask(task))
			}
			desc.Sessions = p.registry.Sessions()
		} else {
			for _, name := range names {
				if session, ok := p.registry.Session(name); ok {
					desc.Sessions = append(desc.Sessions, session)
					continue
				}

				task, ok := p.registry.Lookup(name)
				if !ok {
					return &buildsys.MissingTaskError{Name: name}
				}
				desc.Tasks = append(desc.Tasks, describeTask(task))
			}
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		err = enc.Encode(desc)
		if err != nil {
			return eris.Wrap(err, "failed to encode tasks")
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
}
