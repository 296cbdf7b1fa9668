package jenkins

import (
	"encoding/xml"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/steps"
)

// Node is an element of the generated stage tree: a Leaf or a Parallel.
type Node interface {
	node()
}

// Leaf is a stage running one shell command. A non-empty Dir is the
// directory, relative to the job workspace unless absolute, that the command
// runs in.
type Leaf struct {
	Name  string
	Dir   string
	Shell string
}

// Parallel is a stage whose children run concurrently.
type Parallel struct {
	Name     string
	Children []Leaf
}

func (Leaf) node()     {}
func (Parallel) node() {}

// BuildNodes converts ordered steps into the stage tree. Members of a
// parallel group collapse into one Parallel node at the position of the
// group's first member.
//
// Leading `cd` commands of shell steps carry over to later stages the way the
// local shell executor carries them. Group members start from the directory
// in effect before the group, and their own changes are dropped afterwards.
func BuildNodes(defs []engine.StepDefinition) ([]Node, error) {
	units := engine.GroupSteps(defs)
	nodes := make([]Node, 0, len(units))
	cwd := ""
	for _, u := range units {
		leaves := make([]Leaf, 0, len(u.Steps))
		next := cwd
		for _, step := range u.Steps {
			leaf, dir, err := stageLeaf(step, cwd)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, leaf)
			next = dir
		}
		if u.IsGroup() {
			nodes = append(nodes, Parallel{Name: u.Group.Key, Children: leaves})
		} else {
			nodes = append(nodes, leaves[0])
			cwd = next
		}
	}
	return nodes, nil
}

// stageLeaf builds the stage for step starting in cwd and returns the
// directory in effect after it.
func stageLeaf(step engine.StepDefinition, cwd string) (Leaf, string, error) {
	script, err := StageScript(step)
	if err != nil {
		return Leaf{}, "", err
	}
	if shellDriven(step) {
		for {
			dir, rest, ok := steps.SplitLeadingCd(script)
			if !ok {
				break
			}
			cwd = changeDir(cwd, dir)
			script = rest
		}
		if script == "" {
			script = "pwd"
		}
	}
	return Leaf{Name: stageName(step), Dir: cwd, Shell: script}, cwd, nil
}

// shellDriven reports whether the step runs through the shell executor
// locally, which is where leading `cd` commands are honoured.
func shellDriven(step engine.StepDefinition) bool {
	if strings.TrimSpace(step.StringParam(engine.ParamCommand)) != "" {
		return true
	}
	switch step.Type {
	case engine.StepTypeShell, engine.StepTypeScript, engine.StepTypeBuild,
		engine.StepTypeTest, engine.StepTypeSecurityScan:
		return true
	}
	return false
}

// changeDir applies `cd dir` to cwd. An empty dir or `~` returns to the
// workspace root.
func changeDir(cwd, dir string) string {
	switch {
	case dir == "" || dir == "~":
		return ""
	case path.IsAbs(dir):
		return path.Clean(dir)
	}
	joined := path.Join(cwd, dir)
	if joined == "." {
		return ""
	}
	return joined
}

func stageName(step engine.StepDefinition) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}

// Render generates the declarative Jenkinsfile for def.
func Render(def *engine.PipelineDefinition) (string, error) {
	nodes, err := BuildNodes(def.Steps)
	if err != nil {
		return "", err
	}
	return RenderNodes(def, nodes), nil
}

// RenderNodes writes the pipeline wrapper around nodes. It owns all escaping
// and block joining of the generated script.
func RenderNodes(def *engine.PipelineDefinition, nodes []Node) string {
	w := &scriptWriter{}
	w.open("pipeline")
	w.line("agent any")

	if len(def.Environment) > 0 {
		w.open("environment")
		keys := make([]string, 0, len(def.Environment))
		for k := range def.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.line(fmt.Sprintf("%s = %s", envName(k), groovyString(def.Environment[k])))
		}
		w.close()
	}

	if def.Timeout > 0 {
		w.open("options")
		w.line(fmt.Sprintf("timeout(time: %d, unit: 'SECONDS')", int(def.Timeout.Seconds())))
		w.close()
	}

	w.open("stages")
	for _, n := range nodes {
		switch n := n.(type) {
		case Leaf:
			w.leaf(n)
		case Parallel:
			w.open("stage(" + groovyString(n.Name) + ")")
			w.open("parallel")
			for _, child := range n.Children {
				w.leaf(child)
			}
			w.close()
			w.close()
		}
	}
	w.close()
	w.close()
	return w.String()
}

type scriptWriter struct {
	b     strings.Builder
	depth int
}

func (w *scriptWriter) line(s string) {
	w.b.WriteString(strings.Repeat("    ", w.depth))
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}

func (w *scriptWriter) open(head string) {
	w.line(head + " {")
	w.depth++
}

func (w *scriptWriter) close() {
	w.depth--
	w.line("}")
}

func (w *scriptWriter) leaf(l Leaf) {
	w.open("stage(" + groovyString(l.Name) + ")")
	w.open("steps")
	if l.Dir != "" {
		w.open("dir(" + groovyString(l.Dir) + ")")
		w.line("sh " + ShellQuote(l.Shell))
		w.close()
	} else {
		w.line("sh " + ShellQuote(l.Shell))
	}
	w.close()
	w.close()
}

func (w *scriptWriter) String() string { return w.b.String() }

var (
	doubleQuoted = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "\n", `\n`)
	singleQuoted = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
	groovyQuoted = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
)

// ShellQuote turns a shell command into the string literal passed to `sh`.
// Commands containing a single quote are wrapped in double quotes with
// backslashes, double quotes and dollar signs escaped; all others are wrapped
// in single quotes. The shell receives the command text unchanged.
func ShellQuote(cmd string) string {
	if strings.Contains(cmd, "'") {
		return `"` + doubleQuoted.Replace(cmd) + `"`
	}
	return "'" + singleQuoted.Replace(cmd) + "'"
}

// groovyString quotes names and values that are not shell commands.
func groovyString(s string) string {
	return "'" + groovyQuoted.Replace(s) + "'"
}

var nonEnvChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

func envName(k string) string {
	name := nonEnvChar.ReplaceAllString(k, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return name
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// quoteArg quotes one shell word.
func quoteArg(s string) string {
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func commandLine(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, bin)
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

// StageScript returns the shell command a stage runs for step. An explicit
// `command` always wins; structured parameters are translated per type and
// unknown types fall back to `script` or a placeholder.
func StageScript(step engine.StepDefinition) (string, error) {
	if cmd := strings.TrimSpace(step.StringParam(engine.ParamCommand)); cmd != "" {
		return cmd, nil
	}

	switch step.Type {
	case engine.StepTypeShell, engine.StepTypeScript, engine.StepTypeBuild,
		engine.StepTypeTest, engine.StepTypeSecurityScan:
		if script := step.StringParam("script"); script != "" {
			return script, nil
		}
		return "", engine.NewConfigurationError(step.ID, "shell step requires a 'command' parameter")

	case engine.StepTypeFetchCode:
		args, _, err := steps.CloneArgs(step)
		if err != nil {
			return "", err
		}
		return commandLine("git", args), nil

	case engine.StepTypeDockerBuild, engine.StepTypeDockerPush,
		engine.StepTypeDockerPull, engine.StepTypeDockerRun:
		args, _, err := steps.DockerArgs(step)
		if err != nil {
			return "", err
		}
		return commandLine("docker", args), nil

	case engine.StepTypeAnsible:
		playbook := step.StringParam("playbook")
		if playbook == "" {
			return "", engine.NewConfigurationError(step.ID, "ansible step requires 'playbook' or 'command'")
		}
		return commandLine("ansible-playbook", steps.AnsibleArgs(step, playbook)), nil

	case engine.StepTypeK8sDeploy:
		tool, args, err := steps.KubernetesArgs(step, "")
		if err != nil {
			return "", err
		}
		return commandLine(tool, args), nil

	case engine.StepTypeDeploy:
		return deployScript(step)

	case engine.StepTypeNotify:
		msg := step.StringParam("message")
		if msg == "" {
			msg = "pipeline notification"
		}
		return "echo " + quoteArg(msg), nil

	default:
		if script := step.StringParam("script"); script != "" {
			return script, nil
		}
		return "echo " + quoteArg(fmt.Sprintf("step %s (%s) has no shell command", step.ID, step.Type)), nil
	}
}

func deployScript(step engine.StepDefinition) (string, error) {
	cfg, err := steps.SSHConfigFromStep(step)
	if err != nil {
		return "", err
	}
	artifact := step.StringParam("artifact")
	remoteCmd := step.StringParam("remote_command")
	if artifact == "" && remoteCmd == "" {
		return "", engine.NewConfigurationError(step.ID, "deploy step requires 'artifact', 'remote_command' or 'command'")
	}

	target := cfg.User + "@" + cfg.Host
	var parts []string
	if artifact != "" {
		remotePath := step.StringParam("remote_path")
		if remotePath == "" {
			remotePath = "/tmp/" + lastSegment(artifact)
		}
		parts = append(parts, commandLine("scp", []string{"-r", "-P", fmt.Sprint(cfg.Port), artifact, target + ":" + remotePath}))
	}
	if remoteCmd != "" {
		parts = append(parts, commandLine("ssh", []string{"-p", fmt.Sprint(cfg.Port), target, remoteCmd}))
	}
	return strings.Join(parts, " && "), nil
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// jobConfig is the config.xml document of a pipeline job.
type jobConfig struct {
	XMLName          xml.Name      `xml:"flow-definition"`
	Plugin           string        `xml:"plugin,attr"`
	Description      string        `xml:"description"`
	KeepDependencies bool          `xml:"keepDependencies"`
	Definition       jobDefinition `xml:"definition"`
	Disabled         bool          `xml:"disabled"`
}

type jobDefinition struct {
	Class   string `xml:"class,attr"`
	Plugin  string `xml:"plugin,attr"`
	Script  string `xml:"script"`
	Sandbox bool   `xml:"sandbox"`
}

// ConfigXML renders the job configuration embedding script.
func ConfigXML(description, script string) ([]byte, error) {
	doc := jobConfig{
		Plugin:      "workflow-job",
		Description: description,
		Definition: jobDefinition{
			Class:   "org.jenkinsci.plugins.workflow.cps.CpsFlowDefinition",
			Plugin:  "workflow-cps",
			Script:  script,
			Sandbox: true,
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode job config: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
