package main

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guseggert/shellsession/agent"
	"github.com/guseggert/shellsession/config"
	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/stream"
	"github.com/guseggert/shellsession/transport/docker"
	"github.com/guseggert/shellsession/transport/local"
	sshtransport "github.com/guseggert/shellsession/transport/ssh"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultProfile = "default"

func newApp() *cli.App {
	return &cli.App{
		Name:      "rshell",
		Usage:     "run commands in an interactive shell and print what each one printed",
		ArgsUsage: "[command...]",
		Description: "Each argument after the transport's flags is executed as one command. " +
			"Without arguments, commands are read from stdin, one per line.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Profile file. Defaults to the nearest " + config.DefaultFileName + " in the working directory or its parents.",
				EnvVars: []string{"RSHELL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "profile",
				Usage:   "Name of the profile to apply before the flags below. Defaults to \"default\" when the file has one.",
				EnvVars: []string{"RSHELL_PROFILE"},
			},
			&cli.StringFlag{Name: "term", Usage: "Terminal type.", Value: shell.DefaultTerminalType},
			&cli.IntFlag{Name: "width", Usage: "Terminal width.", Value: shell.DefaultTerminalWidth},
			&cli.IntFlag{Name: "height", Usage: "Terminal height.", Value: shell.DefaultTerminalHeight},
			&cli.StringFlag{Name: "unit", Usage: "Unit of width and height, one of [chars,pixels].", Value: "chars"},
			&cli.StringSliceFlag{Name: "env", Usage: "Environment variable for the shell, as NAME=VALUE. Repeatable."},
			&cli.StringFlag{
				Name:    "prompt",
				Usage:   "Shell prompt. When known, each command reads until the prompt reappears.",
				EnvVars: []string{"RSHELL_PROMPT"},
			},
			&cli.BoolFlag{Name: "detect-prompt", Usage: "Take the prompt from the last line of the banner."},
			&cli.StringFlag{Name: "until", Usage: "Read each response until this string instead of waiting for the prompt."},
			&cli.DurationFlag{Name: "halt", Usage: "Delay between sending a command and reading its response.", Value: shell.DefaultHaltDelay},
			&cli.DurationFlag{Name: "timeout", Usage: "Idle timeout for reads, 0 disables it.", Value: shell.DefaultTimeout},
			&cli.StringFlag{Name: "line-terminator", Usage: "Sent after each command, Go-quoted (e.g. \"\\r\").", Value: strconv.Quote(shell.DefaultLineTerminator)},
			&cli.BoolFlag{Name: "readiness-wait", Usage: "Read as soon as output is ready instead of always waiting the halt delay."},
			&cli.BoolFlag{Name: "banner", Usage: "Print the banner the shell sends before the first command."},
			&cli.BoolFlag{Name: "history", Usage: "Print a timing summary of every command at the end."},
			&cli.BoolFlag{Name: "progress", Usage: "Report bytes received to stderr while reading responses."},
			&cli.BoolFlag{Name: "verbose", Usage: "Log debug output to stderr."},
		},
		Commands: []*cli.Command{
			sshCommand(),
			dockerCommand(),
			localCommand(),
			agentCommand(),
		},
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

func sshCommand() *cli.Command {
	return &cli.Command{
		Name:  "ssh",
		Usage: "open the shell over SSH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "host or host:port", Required: true},
			&cli.StringFlag{Name: "user", Usage: "User to log in as.", Value: os.Getenv("USER")},
			&cli.StringFlag{Name: "password", Usage: "Password to authenticate with.", EnvVars: []string{"RSHELL_SSH_PASSWORD"}},
			&cli.StringFlag{Name: "identity", Aliases: []string{"i"}, Usage: "Private key file to authenticate with."},
			&cli.StringFlag{Name: "known-hosts", Usage: "known_hosts file to verify the host key against. Defaults to ~/.ssh/known_hosts."},
			&cli.BoolFlag{Name: "insecure-ignore-host-key", Usage: "Skip host key verification."},
			&cli.DurationFlag{Name: "dial-timeout", Usage: "Timeout for the TCP connection and SSH handshake.", Value: shell.DefaultTimeout},
		},
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			cfg, err := sshClientConfig(c)
			if err != nil {
				return err
			}
			conn, err := sshtransport.Dial(c.Context, sshAddr(c.String("addr")), cfg, sshtransport.WithLogger(logger))
			if err != nil {
				return err
			}
			defer conn.Close()
			return runSession(c, conn, logger)
		},
	}
}

func sshAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

func sshClientConfig(c *cli.Context) (*gossh.ClientConfig, error) {
	var auth []gossh.AuthMethod
	if path := c.String("identity"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading identity: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("parsing identity: %w", err)
		}
		auth = append(auth, gossh.PublicKeys(signer))
	}
	if pw := c.String("password"); pw != "" {
		auth = append(auth, gossh.Password(pw))
	}
	if len(auth) == 0 {
		return nil, errors.New("one of --identity or --password is required")
	}

	hostKeyCallback := gossh.InsecureIgnoreHostKey()
	if !c.Bool("insecure-ignore-host-key") {
		path := c.String("known-hosts")
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("finding home dir: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &gossh.ClientConfig{
		User:            c.String("user"),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Duration("dial-timeout"),
	}, nil
}

func dockerCommand() *cli.Command {
	return &cli.Command{
		Name:  "docker",
		Usage: "open the shell in a running container with docker exec",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "container", Usage: "Container name or ID.", Required: true},
			&cli.StringFlag{Name: "shell", Usage: "Shell to run in the container.", Value: "/bin/sh"},
			&cli.StringFlag{Name: "user", Usage: "User to run the shell as."},
			&cli.StringFlag{Name: "workdir", Usage: "Working directory of the shell."},
		},
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			conn, err := docker.New(c.String("container"),
				docker.WithLogger(logger),
				docker.WithShell(c.String("shell")),
				docker.WithUser(c.String("user")),
				docker.WithWorkingDir(c.String("workdir")),
			)
			if err != nil {
				return err
			}
			return runSession(c, conn, logger)
		},
	}
}

func localCommand() *cli.Command {
	return &cli.Command{
		Name:  "local",
		Usage: "spawn the shell on this host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "shell", Usage: "Shell to spawn.", Value: "/bin/sh"},
			&cli.StringFlag{Name: "dir", Usage: "Working directory of the shell."},
			&cli.BoolFlag{Name: "clean-env", Usage: "Don't pass this process's environment to the shell."},
		},
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			conn := local.New(
				local.WithLogger(logger),
				local.WithShell(c.String("shell")),
				local.WithDir(c.String("dir")),
				local.WithInheritEnv(!c.Bool("clean-env")),
			)
			return runSession(c, conn, logger)
		},
	}
}

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "open the shell through a shellagent over mTLS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "IP address or host name of the agent.", Required: true},
			&cli.IntFlag{Name: "port", Usage: "Port of the agent.", Value: 8080},
			&cli.StringFlag{Name: "ca-cert-pem", Usage: "The CA cert PEM bytes to use (base64-encoded).", EnvVars: []string{"RSHELL_CA_CERT_PEM"}, Required: true},
			&cli.StringFlag{Name: "cert-pem", Usage: "The client cert PEM bytes to use (base64-encoded).", EnvVars: []string{"RSHELL_CERT_PEM"}, Required: true},
			&cli.StringFlag{Name: "key-pem", Usage: "The client key PEM bytes to use (base64-encoded).", EnvVars: []string{"RSHELL_KEY_PEM"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			var pems [3][]byte
			for i, name := range []string{"ca-cert-pem", "cert-pem", "key-pem"} {
				pems[i], err = base64.StdEncoding.DecodeString(c.String(name))
				if err != nil {
					return fmt.Errorf("decoding %s: %w", name, err)
				}
			}
			certs := &agent.Certs{
				CA:     agent.KeyPair{CertPEM: pems[0]},
				Client: agent.KeyPair{CertPEM: pems[1], KeyPEM: pems[2]},
			}
			client, err := agent.NewClient(logger.Sugar(), certs, c.String("host"), c.Int("port"), agent.WithClientLogger(logger))
			if err != nil {
				return err
			}
			return runSession(c, client, logger)
		},
	}
}

// sessionOptions applies the profile, if any, and then every flag set explicitly.
func sessionOptions(c *cli.Context) ([]shell.Option, error) {
	var opts []shell.Option

	profileOpts, err := profileOptions(c)
	if err != nil {
		return nil, err
	}
	opts = append(opts, profileOpts...)

	if c.IsSet("term") {
		opts = append(opts, shell.WithTerminalType(c.String("term")))
	}
	if c.IsSet("width") || c.IsSet("height") {
		opts = append(opts, shell.WithTerminalSize(c.Int("width"), c.Int("height")))
	}
	if c.IsSet("unit") {
		u, err := shell.ParseTerminalUnit(c.String("unit"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, shell.WithTerminalUnit(u))
	}
	if c.IsSet("env") {
		env, err := parseEnv(c.StringSlice("env"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, shell.WithEnv(env))
	}
	if c.IsSet("prompt") {
		opts = append(opts, shell.WithPrompt(c.String("prompt")))
	}
	if c.IsSet("detect-prompt") {
		opts = append(opts, shell.WithAutoDetectPrompt(c.Bool("detect-prompt")))
	}
	if c.IsSet("halt") {
		opts = append(opts, shell.WithHaltDelay(c.Duration("halt")))
	}
	if c.IsSet("timeout") {
		opts = append(opts, shell.WithTimeout(c.Duration("timeout")))
	}
	if c.IsSet("line-terminator") {
		t, err := strconv.Unquote(c.String("line-terminator"))
		if err != nil {
			return nil, fmt.Errorf("parsing line terminator %s: %w", c.String("line-terminator"), err)
		}
		opts = append(opts, shell.WithLineTerminator(t))
	}
	if c.Bool("readiness-wait") {
		opts = append(opts, shell.WithWaiter(shell.ReadinessWait{}))
	}
	// the banner is only kept in history
	opts = append(opts, shell.WithRecordHistory(true))
	return opts, nil
}

// profileOptions returns the options of the requested profile, or of the "default" profile when none is requested.
func profileOptions(c *cli.Context) ([]shell.Option, error) {
	name := c.String("profile")
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(config.DefaultFileName, wd)
		if errors.Is(err, config.ErrNotFound) && name == "" {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		if _, ok := f.Profiles[defaultProfile]; !ok {
			return nil, nil
		}
		name = defaultProfile
	}
	p, err := f.Profile(name)
	if err != nil {
		return nil, err
	}
	return p.Options()
}

func parseEnv(kvs []string) (map[string]string, error) {
	env := map[string]string{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q, want NAME=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

func runSession(c *cli.Context, conn shell.Connection, logger *zap.Logger) error {
	opts, err := sessionOptions(c)
	if err != nil {
		return err
	}
	sess, err := shell.New(conn, append(opts, shell.WithLogger(logger))...)
	if err != nil {
		return err
	}
	if err := sess.Start(c.Context); err != nil {
		return err
	}
	defer sess.Shutdown(c.Context)

	out := c.App.Writer
	if c.Bool("banner") {
		if h := sess.History(); len(h) > 0 {
			fmt.Fprint(out, h[0].Response())
		}
	}

	var execOpts []shell.ExecOption
	if c.Bool("progress") {
		execOpts = append(execOpts, shell.WithObservers(progressObserver(c.App.ErrWriter)))
	}

	execute := func(text string) error {
		var (
			cmd *shell.Command
			err error
		)
		switch {
		case c.String("until") != "":
			cmd, err = sess.ExecuteAndReadUntil(c.Context, text, c.String("until"), execOpts...)
		case sess.Prompt() != "":
			cmd, err = sess.ExecuteAndWaitForPrompt(c.Context, text, execOpts...)
		default:
			cmd, err = sess.Execute(c.Context, text, execOpts...)
		}
		if err != nil {
			return fmt.Errorf("executing %q: %w", text, err)
		}
		fmt.Fprint(out, cmd.Response())
		return nil
	}

	if c.Args().Present() {
		for _, text := range c.Args().Slice() {
			if err := execute(text); err != nil {
				return err
			}
		}
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := execute(scanner.Text()); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading commands: %w", err)
		}
	}

	if c.Bool("history") {
		printHistory(c.App.ErrWriter, sess.History())
	}
	return nil
}

func progressObserver(w io.Writer) stream.Observer {
	return func(label string, index, total int, data []byte, err error, elapsed time.Duration) {
		if err != nil {
			fmt.Fprintf(w, "%s: %d bytes, %s: %s\n", label, index, elapsed.Round(time.Millisecond), err)
			return
		}
		if total > 0 {
			fmt.Fprintf(w, "%s: %d/%d bytes, %s\n", label, index, total, elapsed.Round(time.Millisecond))
			return
		}
		fmt.Fprintf(w, "%s: %d bytes, %s\n", label, index, elapsed.Round(time.Millisecond))
	}
}

func printHistory(w io.Writer, history []*shell.Command) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOMMAND\tBYTES\tDURATION")
	for i, cmd := range history {
		text := cmd.Text()
		if i == 0 && text == "" {
			text = "(banner)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i, strconv.Quote(text), len(cmd.Response()), cmd.Duration().Round(time.Millisecond))
	}
	tw.Flush()
}
