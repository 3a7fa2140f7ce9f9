package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/envconfig"
	"github.com/jnb666/deepanomaly/img"
	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
	"github.com/jnb666/deepanomaly/report"
	"github.com/jnb666/deepanomaly/web"
)

const defaultConfig = "deepanomaly.json"

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}
	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI creates the root command with the init, run, eval and serve sub commands.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:           "deepanomaly",
		Short:         "Autoencoder anomaly detection on image corpora",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfig, "config file name under the data directory")
	rootCmd.PersistentFlags().StringArrayP("set", "s", nil, "override a config field, e.g. --set MaxEpoch=5")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE:  InitHandler,
	}
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Train the autoencoder and write the report",
		Args:  cobra.NoArgs,
		RunE:  RunHandler,
	}
	runCmd.Flags().String("format", "png", "plot format: png or svg")
	runCmd.Flags().StringP("output", "o", "", "output directory (default <data>/runs/<id>)")

	evalCmd := &cobra.Command{
		Use:   "eval CHECKPOINT",
		Short: "Evaluate saved weights without training",
		Args:  cobra.ExactArgs(1),
		RunE:  EvalHandler,
	}
	evalCmd.Flags().String("format", "png", "plot format: png or svg")
	evalCmd.Flags().StringP("output", "o", "", "output directory (default <data>/runs/<id>)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web viewer",
		Args:  cobra.NoArgs,
		RunE:  ServeHandler,
	}

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{initCmd, runCmd, evalCmd, serveCmd} {
		envs := []envconfig.EnvVar{envVars["DEEPANOMALY_DATA"], envVars["DEEPANOMALY_DEBUG"]}
		if cmd == serveCmd {
			envs = append(envs, envVars["DEEPANOMALY_HOST"])
		}
		appendEnvDocs(cmd, envs)
	}
	rootCmd.AddCommand(initCmd, runCmd, evalCmd, serveCmd)
	return rootCmd
}

// InitHandler saves the default config
func InitHandler(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("config")
	force, _ := cmd.Flags().GetBool("force")
	if nnet.FileExists(name) && !force {
		return errors.Errorf("%s already exists, use --force to overwrite", filepath.Join(nnet.DataDir, name))
	}
	if err := os.MkdirAll(nnet.DataDir, 0755); err != nil {
		return err
	}
	if err := nnet.DefaultConfig().Save(name); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "saved", filepath.Join(nnet.DataDir, name))
	return nil
}

// RunHandler trains a new network and writes the report and checkpoint
func RunHandler(cmd *cobra.Command, _ []string) error {
	conf, data, err := setup(cmd)
	if err != nil {
		return err
	}
	p, err := anomaly.NewPipeline(num.NewDevice(conf.UseAccel, conf.Threads), conf, data.Shape())
	if err != nil {
		return err
	}
	defer p.Release()
	rep, err := p.Run(data, nnet.NewTestLogger())
	if err != nil {
		return err
	}
	dir, err := writeReport(cmd, rep)
	if err != nil {
		return err
	}
	return saveCheckpoint(filepath.Join(dir, "params.pb"), p.Net)
}

func saveCheckpoint(path string, net *nnet.Network) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	if err = nnet.SaveParams(f, net); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "save checkpoint")
}

// EvalHandler loads weights from a checkpoint and evaluates them
func EvalHandler(cmd *cobra.Command, args []string) error {
	conf, data, err := setup(cmd)
	if err != nil {
		return err
	}
	p, err := anomaly.NewPipeline(num.NewDevice(conf.UseAccel, conf.Threads), conf, data.Shape())
	if err != nil {
		return err
	}
	defer p.Release()
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := nnet.LoadParams(f, p.Net); err != nil {
		return err
	}
	v, err := p.Partition(data)
	if err != nil {
		return err
	}
	rep, err := p.Evaluate(v)
	if err != nil {
		return err
	}
	_, err = writeReport(cmd, rep)
	return err
}

// ServeHandler runs the web viewer until interrupted
func ServeHandler(cmd *cobra.Command, _ []string) error {
	conf, data, err := setup(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("config")
	run := web.NewRunner(num.NewDevice(conf.UseAccel, conf.Threads), conf, data, name)
	r, err := web.NewRouter(run)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", envconfig.Host())
	if err != nil {
		return err
	}
	slog.Info("serving web page", "url", "http://"+ln.Addr().String())
	srv := &http.Server{Handler: r, BaseContext: func(net.Listener) context.Context { return cmd.Context() }}
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// load the config and corpus and configure logging
func setup(cmd *cobra.Command) (nnet.Config, nnet.Data, error) {
	name, _ := cmd.Flags().GetString("config")
	conf := nnet.DefaultConfig()
	if nnet.FileExists(name) {
		var err error
		if conf, err = nnet.LoadConfig(name); err != nil {
			return conf, nil, err
		}
	}
	sets, _ := cmd.Flags().GetStringArray("set")
	for _, kv := range sets {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return conf, nil, errors.Errorf("invalid --set %q, expecting key=value", kv)
		}
		var err error
		if conf, err = conf.SetString(key, val); err != nil {
			return conf, nil, err
		}
	}
	setupLogging(cmd.ErrOrStderr(), conf.DebugLevel)
	if err := conf.Validate(nil); err != nil {
		return conf, nil, err
	}
	slog.Debug(conf.String())
	data, err := loadCorpus(conf.DataSet)
	return conf, data, err
}

func setupLogging(w io.Writer, debugLevel int) {
	level := envconfig.LogLevel()
	if debugLevel > 0 && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		opts.ReplaceAttr = func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return attr
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}

// the parsed corpus is cached in gob format under the data directory
func loadCorpus(name string) (nnet.Data, error) {
	if name != "mnist" {
		return nnet.LoadDataFile(name)
	}
	if nnet.FileExists("mnist_train.dat") {
		return nnet.LoadDataFile("mnist_train")
	}
	d, err := img.LoadMNIST(filepath.Join(nnet.DataDir, "mnist"), "train")
	if err != nil {
		return nil, err
	}
	if err := nnet.SaveDataFile(d, "mnist_train"); err != nil {
		slog.Warn("could not cache corpus", "error", err)
	}
	return d, nil
}

func writeReport(cmd *cobra.Command, rep *anomaly.Report) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	dir, _ := cmd.Flags().GetString("output")
	if dir == "" {
		dir = filepath.Join(nnet.DataDir, "runs", rep.ID.String())
	}
	if _, err := report.WriteAll(dir, rep, format); err != nil {
		return dir, err
	}
	report.WriteTable(cmd.OutOrStdout(), rep)
	fmt.Fprintln(cmd.OutOrStdout(), "report saved to", dir)
	return dir, nil
}
