package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/adapters/jenkins"
)

func newRenderCommand() *cobra.Command {
	var asXML bool

	cmd := &cobra.Command{
		Use:   "render <pipeline-file>",
		Short: "Print the Jenkins pipeline generated for a pipeline file",
		Long: `Render the scripted Jenkinsfile that remote execution would submit for a
pipeline. With --xml the full job config.xml is printed instead.`,
		Example: `  conveyor render pipelines/build.yaml
  conveyor render --xml pipelines/build.yaml > config.xml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			script, err := jenkins.Render(def)
			if err != nil {
				return err
			}
			if !asXML {
				fmt.Fprint(stdout(), script)
				return nil
			}
			xml, err := jenkins.ConfigXML(fmt.Sprintf("Managed by conveyor: %s", def.Name), script)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout(), string(xml))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asXML, "xml", false, "print the job config.xml")

	return cmd
}
