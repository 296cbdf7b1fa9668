package steps

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/transports/ssh"
)

// RemoteHost is the subset of the SSH transport a deploy step needs.
type RemoteHost interface {
	Connect(ctx context.Context) error
	Disconnect() error
	UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error
	UploadDirectory(ctx context.Context, localPath, remotePath string) error
	ExecuteCommand(ctx context.Context, cmd string) (stdout, stderr string, err error)
}

// RemoteHostFactory opens a RemoteHost for a connection config.
type RemoteHostFactory func(cfg *ssh.Config) (RemoteHost, error)

// NewSSHRemoteHost is the default RemoteHostFactory.
func NewSSHRemoteHost(cfg *ssh.Config) (RemoteHost, error) {
	return ssh.NewClient(cfg)
}

// DeployExecutor runs `command` locally when present. Otherwise it uploads
// `artifact` to `host` over SFTP and runs `remote_command` there.
type DeployExecutor struct {
	shell   *ShellCommandExecutor
	connect RemoteHostFactory
}

// NewDeployExecutor creates a deploy executor. A nil factory uses SSH.
func NewDeployExecutor(shell *ShellCommandExecutor, connect RemoteHostFactory) *DeployExecutor {
	if connect == nil {
		connect = NewSSHRemoteHost
	}
	return &DeployExecutor{shell: shell, connect: connect}
}

// Execute implements engine.StepExecutor.
func (e *DeployExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	if step.StringParam(engine.ParamCommand) != "" {
		return e.shell.Execute(ctx, step, rc)
	}

	cfg, err := SSHConfigFromStep(step)
	if err != nil {
		return nil, err
	}
	artifact := step.StringParam("artifact")
	remoteCommand := step.StringParam("remote_command")
	if artifact == "" && remoteCommand == "" {
		return nil, engine.NewConfigurationError(step.ID, "deploy step requires 'command', 'artifact' or 'remote_command'")
	}

	start := time.Now()
	logger := rc.Logger().WithStepID(step.ID).WithField("host", cfg.Host)
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	fail := func(format string, args ...interface{}) *engine.StepResult {
		res := engine.FailedResult(fmt.Sprintf(format, args...))
		if ctx.Err() == context.DeadlineExceeded {
			res.Status = engine.StatusTimeout
		}
		res.Data = map[string]interface{}{"host": cfg.Host}
		res.Duration = time.Since(start)
		return res
	}

	host, err := e.connect(cfg)
	if err != nil {
		return fail("failed to create ssh client: %v", err), nil
	}
	if err := host.Connect(ctx); err != nil {
		return fail("failed to connect to %s: %v", cfg.Address(), err), nil
	}
	defer func() {
		if err := host.Disconnect(); err != nil {
			logger.WithError(err).Warn("ssh disconnect failed")
		}
	}()

	var out strings.Builder
	data := map[string]interface{}{"host": cfg.Host}

	if artifact != "" {
		local := rc.ResolvePath(artifact)
		remote := step.StringParam("remote_path")
		if remote == "" {
			remote = path.Join("/tmp", filepath.Base(local))
		}
		info, err := os.Stat(local)
		if err != nil {
			return fail("artifact not found: %v", err), nil
		}
		if info.IsDir() {
			err = host.UploadDirectory(ctx, local, remote)
		} else {
			err = host.UploadFile(ctx, local, remote, uint32(info.Mode().Perm()))
		}
		if err != nil {
			return fail("failed to upload %s: %v", artifact, err), nil
		}
		logger.WithField("remote_path", remote).Info("artifact uploaded")
		fmt.Fprintf(&out, "uploaded %s to %s:%s\n", local, cfg.Host, remote)
		data["remote_path"] = remote
	}

	if remoteCommand != "" {
		stdout, stderr, err := host.ExecuteCommand(ctx, remoteCommand)
		out.WriteString(stdout)
		out.WriteString(stderr)
		if err != nil {
			res := fail("remote command failed: %v", err)
			res.Output = out.String()
			return res, nil
		}
	}

	return &engine.StepResult{
		Success:  true,
		Output:   out.String(),
		Data:     data,
		Duration: time.Since(start),
	}, nil
}

// SSHConfigFromStep builds the connection config from step parameters.
func SSHConfigFromStep(step engine.StepDefinition) (*ssh.Config, error) {
	host := step.StringParam("host")
	if host == "" {
		return nil, engine.NewConfigurationError(step.ID, "remote deploy requires 'host'")
	}
	user := step.StringParam("user")
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := ssh.DefaultConfig(host, user)
	cfg.Port = step.IntParam("port", cfg.Port)
	if keyPath := step.StringParam("private_key_path"); keyPath != "" {
		cfg.PrivateKeyPath = keyPath
	}
	if kh := step.StringParam("known_hosts_path"); kh != "" {
		cfg.KnownHostsPath = kh
	}
	if v, ok := step.Parameters["strict_host_key_checking"]; ok {
		if b, isBool := v.(bool); isBool {
			cfg.StrictHostKeyChecking = b
		}
	}
	switch auth := ssh.AuthMethod(step.StringParam("auth_method")); auth {
	case "":
	case ssh.AuthMethodKey, ssh.AuthMethodAgent, ssh.AuthMethodPassword:
		cfg.AuthMethod = auth
		cfg.Password = step.StringParam("password")
	default:
		return nil, engine.NewConfigurationError(step.ID, fmt.Sprintf("unsupported auth_method %q", auth))
	}
	if step.Timeout > 0 {
		cfg.CommandTimeout = step.Timeout
	}
	return cfg, nil
}
