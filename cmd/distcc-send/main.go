package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xionghul/distcc/internal/authn"
	"github.com/xionghul/distcc/internal/config"
	"github.com/xionghul/distcc/internal/dispatch"
	"github.com/xionghul/distcc/internal/guard/cancel"
)

type cmdGlobal struct {
	flagConfigPath string
	flagVerbose    bool
	flagHost       string
}

func main() {
	global := &cmdGlobal{}

	app := &cobra.Command{
		Use:   "distcc-send",
		Short: "Dispatch one compile job to a remote build host",
		Long: `Description:
  distcc-send hands a single, already-preprocessed compile job to a
  configured build host and waits for the remote compiler's result.

  It does not parse compiler command lines, choose a host, or decide
  whether dispatching remotely makes sense for a given job; all of
  that is the caller's responsibility. This binary only drives the
  CONNECT/SEND/RECEIVE state machine against one already-chosen host.
`,
	}
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	app.PersistentFlags().StringVar(&global.flagConfigPath, "config", defaultConfigPath(), "Path to the host configuration file")
	app.PersistentFlags().StringVar(&global.flagHost, "host", "", "Host name from the config file (defaults to default-host)")
	app.PersistentFlags().BoolVarP(&global.flagVerbose, "verbose", "v", false, "Enable debug logging")

	sendCmd := cmdSend{global: global}
	app.AddCommand(sendCmd.command())

	keygenCmd := cmdKeygen{global: global}
	app.AddCommand(keygenCmd.command())

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "distcc-hosts.yaml"
	}
	return dir + "/distcc/hosts.yaml"
}

func (g *cmdGlobal) logger() *logrus.Logger {
	log := logrus.New()
	if g.flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

type cmdSend struct {
	global *cmdGlobal

	flagInput    string
	flagOutput   string
	flagDepfile  string
	flagStderr   string
	flagArgv     []string
	flagIdentity string
}

func (c *cmdSend) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "send"
	cmd.Short = "Dispatch a single preprocessed translation unit"
	cmd.RunE = c.run

	cmd.Flags().StringVar(&c.flagInput, "input", "", "Preprocessed source file to send")
	cmd.Flags().StringVar(&c.flagOutput, "output", "", "Path to write the reconstructed object file")
	cmd.Flags().StringVar(&c.flagDepfile, "depfile", "", "Path to write a Makefile-style dependency file, if any")
	cmd.Flags().StringVar(&c.flagStderr, "stderr", "", "Path to write the remote compiler's stderr")
	cmd.Flags().StringSliceVar(&c.flagArgv, "argv", nil, "Compiler argument vector, exactly as invoked locally")
	cmd.Flags().StringVar(&c.flagIdentity, "identity", "", "Path to a signing key for hosts that require auth")

	return cmd
}

func (c *cmdSend) run(cmd *cobra.Command, args []string) error {
	log := c.global.logger()

	cfg, err := config.Load(c.global.flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading host config: %w", err)
	}

	host, err := cfg.Host(c.global.flagHost)
	if err != nil {
		return fmt.Errorf("resolving host: %w", err)
	}

	job := dispatch.Job{
		InputFile:        c.flagInput,
		Argv:             c.flagArgv,
		PreprocessedPath: c.flagInput,
		OutputObject:     c.flagOutput,
		DependencyOutput: c.flagDepfile,
		ServerStderr:     c.flagStderr,
	}

	canceller := cancel.New()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		log.Warn("interrupted, abandoning dispatch at the next checkpoint")
		canceller.Cancel()
	}()
	defer signal.Stop(sigChan)

	opts := dispatch.Options{
		Notifier:  dispatch.NewLogNotifier(log),
		Canceller: canceller,
	}

	if host.RequireAuth {
		if c.flagIdentity == "" {
			return fmt.Errorf("host %q requires auth but no --identity was given", host.Name)
		}
		id, err := authn.LoadIdentity(host.Name, c.flagIdentity)
		if err != nil {
			return fmt.Errorf("loading identity: %w", err)
		}
		opts.Authenticator = authn.NewHandshake(id)
	}

	outcome, err := dispatch.Dispatch(host, job, opts)
	if err != nil {
		return fmt.Errorf("dispatching to %s: %w", host.Name, err)
	}

	os.Exit(outcome.WaitStatus)
	return nil
}

type cmdKeygen struct {
	global *cmdGlobal

	flagOut string
}

func (c *cmdKeygen) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "keygen"
	cmd.Short = "Generate a client signing identity for hosts that require auth"
	cmd.RunE = c.run
	cmd.Flags().StringVar(&c.flagOut, "out", "", "Path to write the private key")
	return cmd
}

func (c *cmdKeygen) run(cmd *cobra.Command, args []string) error {
	if c.flagOut == "" {
		return fmt.Errorf("--out is required")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "distcc-client"
	}

	id, err := authn.GenerateIdentity(hostname)
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}

	if err := id.Save(c.flagOut); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\n", authn.EncodePublicKey(id.PublicKey()))
	return nil
}
