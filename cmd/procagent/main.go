package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/procprovider/agent"
	"github.com/guseggert/procprovider/internal/files"
	"github.com/guseggert/procprovider/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

const usersFileName = "procagent.yaml"

func main() {
	app := &cli.App{
		Name:  "procagent",
		Usage: "runs processes and pseudo-terminals on behalf of authenticated users",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"PROCAGENT_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "users-file",
				Usage:   "YAML file of users and their tokens. Defaults to the nearest " + usersFileName + " in the working directory or its parents.",
				EnvVars: []string{"PROCAGENT_USERS_FILE"},
			},
			&cli.StringFlag{
				Name:    "tls-ca",
				Usage:   "CA cert PEM file. Enables mTLS together with --tls-cert and --tls-key.",
				EnvVars: []string{"PROCAGENT_TLS_CA"},
			},
			&cli.StringFlag{
				Name:    "tls-cert",
				Usage:   "Server cert PEM file.",
				EnvVars: []string{"PROCAGENT_TLS_CERT"},
			},
			&cli.StringFlag{
				Name:    "tls-key",
				Usage:   "Server key PEM file.",
				EnvVars: []string{"PROCAGENT_TLS_KEY"},
			},
			&cli.StringSliceFlag{
				Name:    "privileged-groups",
				Usage:   "Groups allowed to spawn processes and ptys. Pass an empty value to allow every user.",
				Value:   cli.NewStringSlice(agent.DefaultPrivilegedGroups...),
				EnvVars: []string{"PROCAGENT_PRIVILEGED_GROUPS"},
			},
			&cli.DurationFlag{
				Name:    "ping-timeout",
				Usage:   "How long a spawned process may go without a ping before it is killed.",
				Value:   supervisor.DefaultPingTimeout,
				EnvVars: []string{"PROCAGENT_PING_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often to look for processes that stopped being pinged.",
				Value:   supervisor.DefaultSweepInterval,
				EnvVars: []string{"PROCAGENT_SWEEP_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "kill-grace",
				Usage:   "How long a killed process has to exit after SIGTERM before it gets SIGKILL.",
				Value:   supervisor.DefaultKillGrace,
				EnvVars: []string{"PROCAGENT_KILL_GRACE"},
			},
			&cli.StringFlag{
				Name:    "shell",
				Usage:   "Shell used to run commands of every kind. Without it, exec and spawn use /bin/sh and pty uses $SHELL.",
				EnvVars: []string{"PROCAGENT_SHELL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"PROCAGENT_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{certsCommand},
		Action: func(cctx *cli.Context) error {
			logLevel, err := zapcore.ParseLevel(cctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			auth, tlsEnabled, err := buildAuthenticator(cctx)
			if err != nil {
				return err
			}

			var groups []string
			for _, g := range cctx.StringSlice("privileged-groups") {
				if g != "" {
					groups = append(groups, g)
				}
			}

			supervisorOpts := []supervisor.Option{
				supervisor.WithPingTimeout(cctx.Duration("ping-timeout")),
				supervisor.WithSweepInterval(cctx.Duration("sweep-interval")),
				supervisor.WithKillGrace(cctx.Duration("kill-grace")),
			}
			if shell := cctx.String("shell"); shell != "" {
				supervisorOpts = append(supervisorOpts, supervisor.WithShell(shell))
			}

			opts := []agent.Option{
				agent.WithLogLevel(logLevel),
				agent.WithListenAddr(cctx.String("listen-addr")),
				agent.WithPrivilegedGroups(groups...),
				agent.WithSupervisorOptions(supervisorOpts...),
			}
			if tlsEnabled {
				tlsConfig, err := agent.ServerTLSConfigFromFiles(cctx.String("tls-ca"), cctx.String("tls-cert"), cctx.String("tls-key"))
				if err != nil {
					return fmt.Errorf("loading TLS config: %w", err)
				}
				opts = append(opts, agent.WithTLSConfig(tlsConfig))
			}

			a, err := agent.New(auth, opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// buildAuthenticator authenticates with client certs when TLS is configured, and with the tokens of the users file.
func buildAuthenticator(cctx *cli.Context) (agent.Authenticator, bool, error) {
	tlsFiles := []string{cctx.String("tls-ca"), cctx.String("tls-cert"), cctx.String("tls-key")}
	tlsEnabled := tlsFiles[0] != "" || tlsFiles[1] != "" || tlsFiles[2] != ""
	if tlsEnabled && (tlsFiles[0] == "" || tlsFiles[1] == "" || tlsFiles[2] == "") {
		return nil, false, errors.New("--tls-ca, --tls-cert and --tls-key must be given together")
	}

	usersFile, err := findUsersFile(cctx.String("users-file"))
	if err != nil {
		return nil, false, err
	}

	var auths agent.FirstOf
	if tlsEnabled {
		auths = append(auths, agent.CertAuthenticator{})
	}
	if usersFile != "" {
		users, err := agent.LoadUsers(usersFile)
		if err != nil {
			return nil, false, err
		}
		tokens, err := agent.NewTokenAuthenticator(users)
		if err != nil {
			return nil, false, fmt.Errorf("loading users from %q: %w", usersFile, err)
		}
		auths = append(auths, tokens)
	}
	if len(auths) == 0 {
		return nil, false, errors.New("no users file found and TLS is not configured, so nobody could authenticate")
	}
	return auths, tlsEnabled, nil
}

// findUsersFile returns path, or the nearest procagent.yaml if path is empty, or "" if there is none.
func findUsersFile(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	path, err = files.FindUp(usersFileName, wd)
	if err != nil {
		return "", fmt.Errorf("looking for %s: %w", usersFileName, err)
	}
	return path, nil
}

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generates a throwaway CA, a server cert, and a client cert for every user of the users file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory to write the PEM files to.",
			Value: "certs",
		},
		&cli.StringFlag{
			Name:  "server-name",
			Usage: "DNS name the server cert is valid for, in addition to localhost.",
			Value: "localhost",
		},
		&cli.StringFlag{
			Name:    "users-file",
			Usage:   "YAML file of users. Defaults to the nearest " + usersFileName + ".",
			EnvVars: []string{"PROCAGENT_USERS_FILE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		usersFile, err := findUsersFile(cctx.String("users-file"))
		if err != nil {
			return err
		}
		if usersFile == "" {
			return errors.New("no users file found")
		}
		users, err := agent.LoadUsers(usersFile)
		if err != nil {
			return err
		}
		certs, err := agent.GenerateCerts(cctx.String("server-name"), users...)
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		dir := cctx.String("dir")
		if err := certs.WriteFiles(dir); err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "wrote certs for %d users to %s\n", len(users), dir)
		return nil
	},
}
