package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/guseggert/shellsession/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "shellagent",
		Usage: "serves interactive shells over mTLS WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
				Value: "none",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
				Value: time.Minute,
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"SHELLAGENT_LISTEN_ADDR"},
			},
			&cli.StringSliceFlag{
				Name:  "shell",
				Usage: "The shell command line to spawn for each client.",
				Value: cli.NewStringSlice("/bin/sh"),
			},
			&cli.StringFlag{
				Name:  "shell-dir",
				Usage: "The working directory shells start in.",
			},
			&cli.StringFlag{
				Name:    "ca-cert-pem",
				Usage:   "The CA cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"SHELLAGENT_CA_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "cert-pem",
				Usage:   "The cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"SHELLAGENT_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "key-pem",
				Usage:   "The key PEM bytes to use (base64-encoded).",
				EnvVars: []string{"SHELLAGENT_KEY_PEM"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "certs",
				Usage: "generate a CA, server and client certs, printed as environment variables for shellagent and rshell",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "validity",
						Usage: "How long the certs are valid for.",
						Value: agent.DefaultCertValidity,
					},
					&cli.StringSliceFlag{
						Name:  "host",
						Usage: "Extra DNS names or IP addresses for the agent cert.",
					},
					&cli.StringFlag{
						Name:  "client-name",
						Usage: "Common name of the client cert.",
						Value: agent.ServerName + "-client",
					},
				},
				Action: func(ctx *cli.Context) error {
					certs, err := agent.GenerateCerts(
						agent.WithCertValidity(ctx.Duration("validity")),
						agent.WithCertHosts(ctx.StringSlice("host")...),
						agent.WithClientName(ctx.String("client-name")),
					)
					if err != nil {
						return fmt.Errorf("generating certs: %w", err)
					}
					enc := base64.StdEncoding.EncodeToString
					vars := []struct{ name, val string }{
						{"SHELLAGENT_CA_CERT_PEM", enc(certs.CA.CertPEM)},
						{"SHELLAGENT_CERT_PEM", enc(certs.Server.CertPEM)},
						{"SHELLAGENT_KEY_PEM", enc(certs.Server.KeyPEM)},
						{"RSHELL_CA_CERT_PEM", enc(certs.CA.CertPEM)},
						{"RSHELL_CERT_PEM", enc(certs.Client.CertPEM)},
						{"RSHELL_KEY_PEM", enc(certs.Client.KeyPEM)},
					}
					for _, v := range vars {
						fmt.Fprintf(ctx.App.Writer, "%s=%s\n", v.name, v.val)
					}
					return nil
				},
			},
		},
		Action: func(ctx *cli.Context) error {
			onHeartbeatFailure := ctx.String("on-heartbeat-failure")

			// checked here rather than with Required so the certs subcommand runs without them
			for _, name := range []string{"ca-cert-pem", "cert-pem", "key-pem"} {
				if ctx.String(name) == "" {
					return fmt.Errorf("required flag %q not set", name)
				}
			}

			caCertPEM, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure {
			case "shutdown":
				heartbeatFailureHandler = agent.HeartbeatFailureShutdown
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			a, err := agent.NewShellAgent(
				caCertPEM,
				certPEMBytes,
				keyPEMBytes,
				agent.WithLogLevel(zapcore.DebugLevel),
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
				agent.WithShell(ctx.StringSlice("shell")...),
				agent.WithShellDir(ctx.String("shell-dir")),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			err = a.Run()
			if err != nil {
				if err != http.ErrServerClosed {
					return err
				}
			}

			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
