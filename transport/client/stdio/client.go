package stdio

import (
	"context"
	"fmt"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	"github.com/viant/gosh/runner/ssh"
	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/internal/ring"
	transport2 "github.com/nexusmcp/gateway/transport"
	"github.com/nexusmcp/gateway/transport/client/base"
	"github.com/viant/scy/cred/secret"
	cssh "golang.org/x/crypto/ssh"
	"strings"
	"time"
)

// defaultMaxFrameBytes is the default cap on a single newline-delimited
// stdout frame.
const defaultMaxFrameBytes = 4 << 20

// Client represent a base
type Client struct {
	base          *base.Client
	client        runner.Runner
	secret        secret.Resource
	sshConfig     *cssh.ClientConfig
	host          string
	command       string
	args          []string
	env           map[string]string
	cwd           string
	maxFrameBytes int
	stderr        *ring.Buffer
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
}

// ShutdownGrace is the time Drain waits for the child to exit after the
// shutdown/exit handshake before forcing termination via context
// cancellation (the nearest equivalent to SIGTERM the gosh Runner
// abstraction exposes across both local and SSH execution).
const ShutdownGrace = 2 * time.Second

// KillGrace is the further time Drain waits after forcing cancellation
// before giving up on the child having exited.
const KillGrace = 3 * time.Second

// Drain shuts the backend down: send `shutdown`, notify `exit`, wait
// ShutdownGrace, force-terminate, wait KillGrace.
func (c *Client) Drain(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownGrace)
	defer cancel()
	_, _ = c.Send(shutdownCtx, &jsonrpc.Request{Jsonrpc: jsonrpc.Version, Method: "shutdown"})
	_ = c.Notify(ctx, &jsonrpc.Notification{Jsonrpc: jsonrpc.Version, Method: "exit"})

	select {
	case <-c.done:
		return nil
	case <-time.After(ShutdownGrace):
	}

	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(KillGrace):
		return fmt.Errorf("stdio backend did not exit within %s of forced termination", KillGrace)
	}
}

func (c *Client) start(ctx context.Context) error {
	if err := c.ensureSSHConfig(ctx); err != nil {
		return err // ensure SSH config is set up before initializing the service
	}
	var options = []runner.Option{
		runner.AsPipeline(),
	}
	if c.sshConfig != nil {
		c.client = ssh.New(c.host, c.sshConfig, options...) // create a new SSH client with the provided SSH config
	} else {
		c.client = local.New(options...) // fallback to local client if no SSH config is provided
	}
	c.base.Transport = &Transport{client: c.client}
	cmd := c.command
	if len(c.args) > 0 {
		cmd = fmt.Sprintf("%s %s", c.command, strings.Join(c.args, " "))
	}
	if c.cwd != "" {
		cmd = fmt.Sprintf("cd %s && %s", c.cwd, cmd)
	}
	if c.maxFrameBytes <= 0 {
		c.maxFrameBytes = defaultMaxFrameBytes
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.startCommand(runCtx, cmd)
	return nil
}

func (c *Client) startCommand(ctx context.Context, cmd string) {
	defer close(c.done)
	output, code, err := c.client.Run(ctx, cmd, runner.WithEnvironment(c.env), runner.WithListener(c.stdoutListener()))
	if c.stderr != nil && output != "" {
		c.stderr.Add(output)
	}
	if err != nil {
		c.base.SetError(err)
	}
	if code != -1 {
		c.base.SetError(fmt.Errorf("command exited with code: %d %v", code, output))
	}
}

func (c *Client) stdoutListener() runner.Listener {
	var builder strings.Builder
	return func(stdout string, hasMore bool) {
		for {
			index := strings.Index(stdout, "\n")
			if index == -1 {
				break
			}
			builder.WriteString(stdout[:index])
			data := []byte(builder.String())
			builder.Reset()
			c.base.HandleMessage(c.ctx, data)
			stdout = stdout[index+1:]
		}
		if builder.Len()+len(stdout) > c.maxFrameBytes {
			if c.stderr != nil {
				c.stderr.Add(fmt.Sprintf("frame exceeded %d bytes, killing session", c.maxFrameBytes))
			}
			c.base.SetError(fmt.Errorf("stdio frame exceeded %d bytes", c.maxFrameBytes))
			builder.Reset()
			return
		}
		builder.WriteString(stdout)
	}
}

func (c *Client) Notify(ctx context.Context, request *jsonrpc.Notification) error {
	return c.base.Notify(ctx, request)
}

func (c *Client) Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	return c.base.Send(ctx, request)
}

func (c *Client) ensureSSHConfig(ctx context.Context) error {
	if c.sshConfig != nil || c.host == "" {
		return nil
	}
	if c.secret != "" {
		secrets := secret.New()
		cred, err := secrets.GetCredentials(ctx, string(c.secret))
		if err != nil {
			return err // unable to retrieve credentials for SSH config
		}
		c.sshConfig, err = cred.SSH.Config(ctx) // this will populate the SSH config from the secret
		// SSH config is required for remote connections, if host is specified but no sshConfig provided
		return err
	}
	return fmt.Errorf("sshConfig is required but not provided for host: %s", c.host)
}

func New(command string, options ...Option) (*Client, error) {
	c := &Client{
		command: command,
		ctx:     context.Background(),
		base: &base.Client{
			RoundTrips: transport2.NewRoundTrips(20),
			RunTimeout: 15 * time.Minute,
			Transport:  &Transport{},
			Handler:    &base.Handler{},
			Logger:     jsonrpc.DefaultLogger,
		},
	}
	for _, opt := range options {
		opt(c)
	}
	err := c.start(c.ctx)
	return c, err
}
