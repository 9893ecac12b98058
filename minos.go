/*
Minos - Standalone mail authentication daemon.
Copyright © 2022-2023 Max Mazurov <fox.cpp@disroot.org>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package minos ties the daemon together: configuration reading,
// logging setup, module registry population and the run loop that
// reacts to OS signals and control channel requests.
package minos

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	parser "github.com/foxcpp/minos/framework/cfgparser"
	"github.com/foxcpp/minos/framework/config"
	"github.com/foxcpp/minos/framework/hooks"
	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/framework/module"
	minoscli "github.com/foxcpp/minos/internal/cli"
	"github.com/urfave/cli/v2"
)

var (
	// Set by the linker.

	DefaultLibexecDirectory = "/usr/lib/minos"
	DefaultStateDirectory   = "/var/lib/minos"
	DefaultRuntimeDirectory = "/run/minos"
	ConfigDirectory         = "/etc/minos"

	profileEndpoint   string
	blockProfileRate  int
	mutexProfileFract int
)

func init() {
	minoscli.AddGlobalFlag(
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging early",
			Destination: &log.DefaultLogger.Debug,
		},
	)
	minoscli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to configuration file",
				EnvVars: []string{"MINOS_CONFIG"},
				Value:   filepath.Join(ConfigDirectory, "minos.conf"),
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "default logging target(s)",
				Value: "stderr",
			},
			&cli.StringFlag{
				Name:        "libexec",
				Usage:       "path to the libexec directory",
				Value:       DefaultLibexecDirectory,
				Destination: &config.LibexecDirectory,
			},
			&cli.StringFlag{
				Name:        "debug.pprof",
				Usage:       "enable live profiler HTTP endpoint and listen on the specified address",
				Hidden:      true,
				Destination: &profileEndpoint,
			},
			&cli.IntFlag{
				Name:        "debug.blockprofrate",
				Usage:       "set blocking profile rate",
				Hidden:      true,
				Destination: &blockProfileRate,
			},
			&cli.IntFlag{
				Name:        "debug.mutexproffract",
				Usage:       "set mutex profile fraction",
				Hidden:      true,
				Destination: &mutexProfileFract,
			},
		},
		Action: Run,
	})
	minoscli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Println("minos", BuildInfo())
			return nil
		},
	})
}

// Run is the entry point for the 'minos run' command.
func Run(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit(fmt.Sprintln("usage:", os.Args[0], "run [options]"), 2)
	}

	var err error
	log.DefaultLogger.Out, err = LogOutputOption(strings.Split(c.String("log"), " "))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	if c.Bool("debug") {
		log.DefaultLogger.Debug = true
	}

	initDebug()

	configPath, err := filepath.Abs(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	f, err := os.Open(configPath)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	defer f.Close()

	cfg, err := parser.Read(f, configPath)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	defer log.DefaultLogger.Out.Close()

	if err := moduleMain(cfg, configPath); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

func initDebug() {
	if profileEndpoint != "" {
		go func() {
			log.Println("listening on", "http://"+profileEndpoint, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(profileEndpoint, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if an argument is specified.
	if mutexProfileFract != 0 {
		runtime.SetMutexProfileFraction(mutexProfileFract)
	}
	if blockProfileRate != 0 {
		runtime.SetBlockProfileRate(blockProfileRate)
	}
}

// LogOutputOption builds a log.Output for the space-separated target
// list accepted by the -log flag and the log directive: stderr,
// stderr_ts (with timestamps), syslog, off or a file path.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func logOutput(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare block here")
	}

	return LogOutputOption(node.Args)
}

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

// ReadGlobals processes the top-level directives that are not
// configuration blocks and returns the globals map passed down to every
// module plus the remaining (block) nodes.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	var hostname string
	globals.String("hostname", false, false, "", &hostname)
	globals.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}

func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}
	if config.LibexecDirectory == "" {
		config.LibexecDirectory = DefaultLibexecDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return errors.New("runtime_dir should be absolute")
	}
	if !filepath.IsAbs(config.LibexecDirectory) {
		return errors.New("-libexec should be absolute")
	}

	// Change the working directory to make all relative paths
	// in configuration relative to the state directory.
	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

// ModInfo is a registered module instance together with the
// configuration block that declared it.
type ModInfo struct {
	Instance module.Module
	Cfg      config.Node
}

// RegisterModules walks the configuration block nodes and creates
// module/endpoint instances for them, without initializing them yet.
func RegisterModules(globals map[string]interface{}, nodes []config.Node) (endpoints, mods []ModInfo, err error) {
	for _, block := range nodes {
		var instName string
		var modAliases []string
		if len(block.Args) == 0 {
			instName = block.Name
		} else {
			instName = block.Args[0]
			modAliases = block.Args[1:]
		}

		modName := block.Name

		endpFactory := module.GetEndpoint(modName)
		if endpFactory != nil {
			inst, err := endpFactory(modName, block.Args)
			if err != nil {
				return nil, nil, err
			}
			endpoints = append(endpoints, ModInfo{Instance: inst, Cfg: block})
			continue
		}

		factory := module.Get(modName)
		if factory == nil {
			return nil, nil, config.NodeErr(block, "unknown module or endpoint: %s", modName)
		}

		if module.HasInstance(instName) {
			return nil, nil, config.NodeErr(block, "config block named %s already exists", instName)
		}

		inst, err := factory(modName, instName, modAliases, nil)
		if err != nil {
			return nil, nil, err
		}

		block := block
		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range modAliases {
			if module.HasInstance(alias) {
				return nil, nil, config.NodeErr(block, "config block named %s already exists", alias)
			}
			module.RegisterAlias(alias, instName)
		}

		mods = append(mods, ModInfo{Instance: inst, Cfg: block})
	}

	return endpoints, mods, nil
}

func initModules(globals map[string]interface{}, endpoints, mods []ModInfo) error {
	for _, endp := range endpoints {
		if err := endp.Instance.Init(config.NewMap(globals, endp.Cfg)); err != nil {
			return err
		}

		if closer, ok := endp.Instance.(io.Closer); ok {
			endp := endp
			hooks.AddHook(hooks.EventShutdown, func() {
				log.Debugf("close %s", endp.Instance.Name())
				if err := closer.Close(); err != nil {
					log.Printf("endpoint %s close failed: %v", endp.Instance.Name(), err)
				}
			})
		}
	}

	for _, inst := range mods {
		if module.Initialized[inst.Instance.InstanceName()] {
			continue
		}

		return fmt.Errorf("unused configuration block at %s:%d - %s (%s)",
			inst.Cfg.File, inst.Cfg.Line, inst.Instance.InstanceName(), inst.Instance.Name())
	}

	return nil
}

func moduleMain(cfg []config.Node, configPath string) error {
	globals, modBlocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}
	// The auth module re-reads the file on RELOAD.
	globals["config_path"] = configPath

	if err := InitDirs(); err != nil {
		return err
	}

	endpoints, mods, err := RegisterModules(globals, modBlocks)
	if err != nil {
		return err
	}

	if err := initModules(globals, endpoints, mods); err != nil {
		return err
	}

	systemdStatus(SDReady, "Listening for incoming connections...")

	handleSignals()

	systemdStatus(SDStopping, "Waiting for running transactions to complete...")
	hooks.RunHooks(hooks.EventShutdown)

	return nil
}

// reloadAuth rebuilds the authentication context from the configuration
// file. Errors are logged, the running context stays as is.
func reloadAuth() {
	inst, err := module.GetInstance("auth")
	if err != nil {
		log.Printf("reload failed: %v", err)
		return
	}
	rm, ok := inst.(module.ReloadModule)
	if !ok {
		return
	}
	if err := rm.Reload(); err != nil {
		log.Printf("reload failed: %v", err)
	}
}
