package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/errors"
	"github.com/hivegate/hivegate/internal/rpc"
	ws "github.com/hivegate/hivegate/internal/websocket"
)

// DefaultWorkerModule is the module the worker command executes.
const DefaultWorkerModule = "hivegate_worker"

// forceKillPollInterval is how often the kill path re-checks for a
// graceful exit before the timeout trips.
const forceKillPollInterval = 100 * time.Millisecond

// InterfaceFactory builds the broker-side interface exported to a plugin
// peer, bound to the plugin's context.
type InterfaceFactory func(ctx core.Context) map[string]any

// PluginProcess tracks one supervised worker through its pipeline and
// runtime. The abort flag is consulted between every pipeline step.
type PluginProcess struct {
	ID        string
	Name      string
	Type      string
	Tag       string
	Secret    string
	Signature string
	Flags     []string
	SessionID string
	ClientID  string
	WorkDir   string

	Plugin *core.Plugin

	mu       sync.Mutex
	abort    bool
	killing  bool
	exited   bool
	aborting *rpc.Completer
	cmd      *exec.Cmd
}

// Abort requests pipeline termination.
func (p *PluginProcess) Abort() {
	p.mu.Lock()
	p.abort = true
	p.mu.Unlock()
}

// Aborted reports whether the pipeline should stop.
func (p *PluginProcess) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abort
}

func (p *PluginProcess) markExited() {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

func (p *PluginProcess) hasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// InitPluginConfig is the plugin configuration of an init_plugin request.
type InitPluginConfig struct {
	Name         string
	Type         string
	Tag          string
	Cmd          string
	Workspace    string
	Flags        []string
	Env          any
	Requirements []string
}

// InitPluginReply is the reply payload of init_plugin.
type InitPluginReply struct {
	Success     bool   `json:"success"`
	Resumed     bool   `json:"resumed,omitempty"`
	Initialized bool   `json:"initialized"`
	Secret      string `json:"secret,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Supervisor launches and supervises native subprocess plugins. Each
// launching plugin gets its own goroutine running the blocking install
// pipeline; completions come back through frames on the plugin channel.
type Supervisor struct {
	cfg      *config.Config
	registry *core.Registry
	hub      *ws.Hub
	ifaces   InterfaceFactory
	runner   CommandRunner
	lookPath LookPath
	history  *CommandHistory
	log      zerolog.Logger

	// WorkerModule is the module executed by the worker command
	WorkerModule string

	// ServerURL is handed to workers so they can connect back
	ServerURL string

	mu         sync.Mutex
	procs      map[string]*PluginProcess // plugin id -> process
	secrets    map[string]*PluginProcess // secret -> process
	signatures map[string]*PluginProcess // signature -> process
	sessions   map[string][]*PluginProcess
}

// New creates a supervisor.
func New(cfg *config.Config, registry *core.Registry, hub *ws.Hub, ifaces InterfaceFactory, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		registry:     registry,
		hub:          hub,
		ifaces:       ifaces,
		runner:       ShellRunner{},
		lookPath:     exec.LookPath,
		history:      NewCommandHistory(),
		log:          log.With().Str("component", "supervisor").Logger(),
		WorkerModule: DefaultWorkerModule,
		ServerURL:    fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port),
		procs:        make(map[string]*PluginProcess),
		secrets:      make(map[string]*PluginProcess),
		signatures:   make(map[string]*PluginProcess),
		sessions:     make(map[string][]*PluginProcess),
	}
	hub.OnSessionClosed = s.onSessionClosed
	return s
}

// SetRunner substitutes the command runner (tests).
func (s *Supervisor) SetRunner(r CommandRunner) { s.runner = r }

// SetLookPath substitutes binary lookup (tests).
func (s *Supervisor) SetLookPath(lp LookPath) { s.lookPath = lp }

// History exposes the per-engine command history.
func (s *Supervisor) History() *CommandHistory { return s.history }

// Plugins returns a snapshot of supervised processes.
func (s *Supervisor) Plugins() []*PluginProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PluginProcess, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

// FindBySecret resolves a supervised process by its channel secret.
func (s *Supervisor) FindBySecret(secret string) (*PluginProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.secrets[secret]
	return p, ok
}

// InitPlugin admits a plugin init request from a session: resumes a
// matching single-instance or detached plugin, or mints a secret, opens
// its channel and starts the install pipeline.
func (s *Supervisor) InitPlugin(session *ws.Session, pluginID string, cfg InitPluginConfig) InitPluginReply {
	if session.ClientID == "" {
		return InitPluginReply{Success: false, Reason: "client has not been registered"}
	}
	if cfg.Cmd == "" {
		cfg.Cmd = "python"
	}
	if cfg.Workspace == "" {
		cfg.Workspace = session.Workspace
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "default"
	}
	workDir := filepath.Join(s.cfg.WorkspaceDir, cfg.Workspace)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return InitPluginReply{Success: false, Reason: err.Error()}
	}

	signature, resumable := pluginSignature(session.ClientID, cfg)
	if resumable {
		if reply, ok := s.resumeSession(session, pluginID, signature, workDir); ok {
			return reply
		}
		s.log.Info().Str("plugin", pluginID).Str("signature", signature).
			Msg("Failed to resume plugin, starting a new instance")
	}

	workspace := s.ensureWorkspace(session, cfg.Workspace)

	secret := uuid.NewString()
	proc := &PluginProcess{
		ID:        pluginID,
		Name:      cfg.Name,
		Type:      cfg.Type,
		Tag:       cfg.Tag,
		Secret:    secret,
		Signature: signature,
		Flags:     cfg.Flags,
		SessionID: session.ID,
		ClientID:  session.ClientID,
		WorkDir:   workDir,
	}

	plugin := &core.Plugin{
		ID:        pluginID,
		Name:      cfg.Name,
		Type:      cfg.Type,
		Workspace: workspace,
		UserInfo:  session.User,
		Secret:    secret,
		Signature: signature,
		Flags:     cfg.Flags,
		SessionID: session.ID,
		Config: map[string]any{
			"name":      cfg.Name,
			"type":      cfg.Type,
			"tag":       cfg.Tag,
			"workspace": cfg.Workspace,
			"flags":     cfg.Flags,
		},
	}
	proc.Plugin = plugin

	pluginCtx := core.Context{User: session.User, Workspace: workspace, Plugin: plugin}
	peer := rpc.NewPeer(pluginID, s.ifaces(pluginCtx), func(frame rpc.Frame) error {
		return s.hub.SendToPlugin(secret, frame)
	}, s.log)
	plugin.Peer = peer
	peer.OnReady = func() {
		plugin.SetStatus(core.StatusReady)
		s.registry.AddPlugin(plugin, func(prior *core.Plugin) {
			s.KillPlugin(prior.ID)
		})
	}
	peer.OnDisconnect = func(details map[string]any) {
		plugin.SetStatus(core.StatusDisconnected)
	}

	s.hub.OpenChannel(secret, func(frame ws.Frame) {
		s.handlePluginFrame(proc, peer, frame)
	}, session)

	s.mu.Lock()
	s.procs[pluginID] = proc
	s.secrets[secret] = proc
	if signature != "" {
		s.signatures[signature] = proc
	}
	s.sessions[session.ID] = append(s.sessions[session.ID], proc)
	s.mu.Unlock()

	go s.runPipeline(proc, cfg, workDir)

	return InitPluginReply{
		Success:     true,
		Initialized: false,
		Secret:      secret,
		WorkDir:     workDir,
	}
}

// pluginSignature derives the resume key: single-instance plugins are
// keyed by name/tag, detachable ones by client/workspace/name/tag.
func pluginSignature(clientID string, cfg InitPluginConfig) (string, bool) {
	for _, f := range cfg.Flags {
		if f == core.FlagSingleInstance {
			return fmt.Sprintf("%s/%s", cfg.Name, cfg.Tag), true
		}
	}
	for _, f := range cfg.Flags {
		if f == core.FlagAllowDetach {
			return fmt.Sprintf("%s/%s/%s/%s", clientID, cfg.Workspace, cfg.Name, cfg.Tag), true
		}
	}
	return "", false
}

// resumeSession hands an existing plugin instance to a new session. A
// plugin mid-termination is awaited first.
func (s *Supervisor) resumeSession(session *ws.Session, pluginID, signature, workDir string) (InitPluginReply, bool) {
	s.mu.Lock()
	proc, ok := s.signatures[signature]
	var aborting *rpc.Completer
	if ok {
		proc.mu.Lock()
		aborting = proc.aborting
		proc.mu.Unlock()
	}
	s.mu.Unlock()
	if !ok {
		return InitPluginReply{}, false
	}
	if aborting != nil {
		s.log.Info().Str("plugin", proc.ID).Msg("Waiting for plugin to abort before resuming")
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForceQuitTimeout*2)
		defer cancel()
		_, _ = aborting.Wait(ctx)
		return InitPluginReply{}, false
	}

	s.mu.Lock()
	proc.SessionID = session.ID
	s.sessions[session.ID] = append(s.sessions[session.ID], proc)
	s.mu.Unlock()
	s.hub.RebindCaller(proc.Secret, session)

	s.log.Info().Str("plugin", pluginID).Msg("Resuming plugin")
	return InitPluginReply{
		Success:     true,
		Resumed:     true,
		Initialized: true,
		Secret:      proc.Secret,
		WorkDir:     workDir,
	}, true
}

func (s *Supervisor) ensureWorkspace(session *ws.Session, name string) *core.Workspace {
	if workspace, ok := s.registry.GetWorkspace(name); ok {
		return workspace
	}
	info := core.WorkspaceInfo{
		Name:       name,
		Owners:     []string{session.User.ID},
		Visibility: core.VisibilityProtected,
	}
	if err := s.registry.RegisterWorkspace(info); err != nil {
		// lost the race; the workspace exists now
		s.log.Debug().Str("workspace", name).Msg("Workspace registration raced")
	}
	workspace, _ := s.registry.GetWorkspace(name)
	return workspace
}

// handlePluginFrame routes one from_plugin frame: lifecycle frames are
// mirrored to the caller session, everything else feeds the peer.
func (s *Supervisor) handlePluginFrame(proc *PluginProcess, peer *rpc.Peer, frame ws.Frame) {
	typ, _ := frame["type"].(string)
	switch typ {
	case "initialized", "importSuccess", "importFailure", "executeSuccess", "executeFailure":
		if err := s.hub.SendToCaller(proc.Secret, frame); err != nil {
			s.log.Error().Err(err).Msg("Failed to mirror lifecycle frame")
		}
		if typ == "executeFailure" {
			s.log.Info().Str("plugin", proc.ID).Msg("Killing plugin due to execution failure")
			go s.KillPlugin(proc.ID)
		}
	case "disconnected":
		proc.markExited()
	default:
		if err := s.hub.SendToCaller(proc.Secret, ws.Frame{"type": "message", "data": frame}); err != nil {
			s.log.Error().Err(err).Msg("Failed to mirror frame to caller")
		}
	}
	peer.HandleFrame(frame)
}

// runPipeline executes the linear install state machine for one plugin:
// clone repositories, prepare the environment, install requirements, and
// launch the worker. The abort flag interrupts between every step.
func (s *Supervisor) runPipeline(proc *PluginProcess, cfg InitPluginConfig, workDir string) {
	logging := func(msg, typ string) {
		if msg == "" {
			return
		}
		_ = s.hub.SendToCaller(proc.Secret, ws.Frame{
			"type":    "logging",
			"details": map[string]any{"value": msg, "type": typ},
		})
	}
	progress := func(pct int) {
		_ = s.hub.SendToCaller(proc.Secret, ws.Frame{
			"type":    "logging",
			"details": map[string]any{"value": pct, "type": "progress"},
		})
	}
	fail := func(err error) {
		s.log.Error().Str("plugin", proc.ID).Err(err).Msg("Plugin pipeline failed")
		logging(err.Error(), "error")
		s.disconnectCaller(proc, false, err.Error())
		s.cleanup(proc)
	}

	if proc.Aborted() {
		logging("Plugin aborting", "info")
		return
	}

	// step 1: clone repositories
	repos := ParseRepos(cfg.Requirements, workDir)
	pct := 5
	progress(pct)
	for _, repo := range repos {
		if proc.Aborted() {
			return
		}
		if err := SyncRepo(context.Background(), repo, s.log); err != nil {
			// a failed clone is logged but not fatal
			logging(fmt.Sprintf("Failed to obtain the git repo: %v", err), "error")
		}
		pct += 20 / len(repos)
		progress(pct)
	}

	// step 2: parse and run env commands
	defaultEnv := strings.ReplaceAll(fmt.Sprintf("%s-%s", cfg.Name, cfg.Tag), " ", "_")
	if cfg.Tag == "" {
		defaultEnv = strings.ReplaceAll(cfg.Name, " ", "_")
	}
	envResult, err := ParseEnv(cfg.Env, workDir, defaultEnv, s.cfg.CondaAvailable)
	if err != nil {
		fail(errors.LaunchFailed(err.Error()))
		return
	}

	pluginEnv := append(os.Environ(), "WORK_DIR="+workDir)
	reqCmds, err := ParseRequirements(cfg.Requirements, s.cfg.CondaAvailable)
	if err != nil {
		fail(errors.LaunchFailed(err.Error()))
		return
	}

	steps := len(envResult.Entries) + len(reqCmds)
	stepShare := 0
	if steps > 0 {
		stepShare = 70 / steps
	}

	for _, entry := range envResult.Entries {
		if proc.Aborted() {
			logging("Plugin aborting", "info")
			return
		}
		switch {
		case entry.Command != "":
			if s.history.Contains(entry.Command) {
				logging("Skip env command: "+entry.Command, "info")
				break
			}
			logging("Running env command: "+entry.Command, "info")
			code, stderr, err := s.runner.Run(entry.Command, workDir, pluginEnv, func(pid int) {
				proc.Plugin.SetProcessID(pid)
			})
			if err == nil && code == 0 {
				s.history.Add(entry.Command)
				logging("Successful execution of env command", "info")
			} else if stderr != "" {
				logging(stderr, "error")
			}
		case entry.Type == "variable":
			for key, value := range entry.Options {
				pluginEnv = append(pluginEnv, fmt.Sprintf("%s=%v", key, value))
			}
		case entry.Type == "gputil":
			devices, err := availableGPUs(entry.Options)
			if err != nil {
				fail(errors.LaunchFailed(err.Error()))
				return
			}
			pluginEnv = append(pluginEnv,
				"CUDA_DEVICE_ORDER=PCI_BUS_ID",
				"CUDA_VISIBLE_DEVICES="+strings.Join(devices, ","))
			logging("GPU id assigned: "+strings.Join(devices, ","), "info")
		}
		pct += stepShare
		progress(pct)
	}

	// step 3: install requirements
	if s.cfg.Freeze {
		s.log.Warn().Msg("Requirement installation is blocked in freeze mode")
		reqCmds = nil
	} else if s.cfg.CondaAvailable && envResult.VenvName != "" {
		reqCmds = ApplyCondaActivate(reqCmds, s.cfg.CondaActivate, envResult.VenvName)
	}
	if err := s.installRequirements(proc, reqCmds, workDir, pluginEnv, logging, func() {
		pct += stepShare
		progress(pct)
	}); err != nil {
		fail(err)
		return
	}

	if proc.Aborted() {
		logging("Plugin aborting", "info")
		return
	}

	// step 4: launch the worker
	if err := s.launchWorker(proc, cfg, workDir, pluginEnv, logging); err != nil {
		fail(err)
		return
	}
	progress(100)
}

// installRequirements runs the install commands, skipping those already
// in the per-engine history. On the first failure with conda available
// and git or pip missing, it installs them once and retries.
func (s *Supervisor) installRequirements(proc *PluginProcess, commands []string, workDir string, env []string, logging func(string, string), stepDone func()) error {
	commands = filterHistory(s.history, commands)
	if len(commands) == 0 {
		return nil
	}

	code, stderrs := s.runCommandList(proc, commands, workDir, env, stepDone)
	if code == 0 {
		s.history.Add(commands...)
		logging("Requirements command executed successfully.", "info")
		return nil
	}
	logging(fmt.Sprintf("Failed to run requirements command: %v", commands), "error")
	if msg := joinStderr(stderrs); msg != "" {
		logging(msg, "error")
	}

	if !s.cfg.CondaAvailable {
		return errors.InstallFailed(code, joinStderr(stderrs))
	}

	bootstrap := ""
	if _, err := s.lookPath("git"); err != nil {
		bootstrap += " git"
	}
	if _, err := s.lookPath("pip"); err != nil {
		bootstrap += " pip"
	}
	if bootstrap == "" {
		return errors.InstallFailed(code, joinStderr(stderrs))
	}

	s.log.Info().Msg("Install failed, trying to install git and pip")
	if code, _, err := s.runner.Run("conda install -y"+bootstrap, workDir, env, nil); err != nil || code != 0 {
		return errors.InstallFailed(code, joinStderr(stderrs))
	}

	code, stderrs = s.runCommandList(proc, commands, workDir, env, stepDone)
	if code != 0 {
		return errors.InstallFailed(code, joinStderr(stderrs))
	}
	s.history.Add(commands...)
	return nil
}

func (s *Supervisor) runCommandList(proc *PluginProcess, commands []string, workDir string, env []string, stepDone func()) (int, []string) {
	stderrs := make([]string, 0, len(commands))
	for _, cmd := range commands {
		if proc.Aborted() {
			return 0, stderrs
		}
		s.log.Info().Str("cmd", cmd).Msg("Running requirements command")
		code, stderr, err := s.runner.Run(cmd, workDir, env, func(pid int) {
			proc.Plugin.SetProcessID(pid)
		})
		stderrs = append(stderrs, stderr)
		if err != nil {
			return -1, append(stderrs, err.Error())
		}
		if code != 0 {
			return code, stderrs
		}
		if stepDone != nil {
			stepDone()
		}
	}
	return 0, stderrs
}

// launchWorker starts the plugin worker process in its own session so
// the whole subtree can be killed, and streams stdout back as logging
// frames.
func (s *Supervisor) launchWorker(proc *PluginProcess, cfg InitPluginConfig, workDir string, env []string, logging func(string, string)) error {
	args := []string{
		"-m", s.WorkerModule,
		"--id=" + proc.ID,
		"--server=" + s.ServerURL,
		"--secret=" + proc.Secret,
	}
	cmd := exec.Command(cfg.Cmd, args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.LaunchFailed(err.Error())
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return errors.LaunchFailed(err.Error())
	}
	proc.mu.Lock()
	proc.cmd = cmd
	proc.mu.Unlock()
	proc.Plugin.SetProcessID(cmd.Process.Pid)
	s.log.Info().Str("plugin", proc.ID).Int("pid", cmd.Process.Pid).Msg("Worker launched")

	go streamOutput(stdout, logging)
	go s.waitWorker(proc, cmd)
	return nil
}

func streamOutput(r interface{ Read([]byte) (int, error) }, logging func(string, string)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logging(strings.TrimRight(string(buf[:n]), "\n"), "info")
		}
		if err != nil {
			return
		}
	}
}

// waitWorker reaps the worker process and reports crashes.
func (s *Supervisor) waitWorker(proc *PluginProcess, cmd *exec.Cmd) {
	err := cmd.Wait()
	proc.markExited()

	proc.mu.Lock()
	killing := proc.killing
	proc.mu.Unlock()
	if killing {
		return
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil || exitCode != 0 {
		s.log.Warn().Str("plugin", proc.ID).Int("exit_code", exitCode).Msg("Worker crashed")
		s.disconnectCaller(proc, false, errors.WorkerCrashed(exitCode).Message)
	} else {
		s.disconnectCaller(proc, true, "")
	}
	s.cleanup(proc)
}

// KillPlugin terminates a plugin: a disconnect frame first, then after
// force_quit_timeout the process group is killed. Cleanup always removes
// the registry entries, closes the reference store and rejects pending
// calls.
func (s *Supervisor) KillPlugin(pluginID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[pluginID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	proc.mu.Lock()
	if proc.killing {
		proc.mu.Unlock()
		return true
	}
	proc.killing = true
	proc.abort = true
	proc.aborting = rpc.NewCompleter()
	proc.mu.Unlock()

	if proc.Plugin != nil {
		proc.Plugin.SetStatus(core.StatusTerminating)
	}
	_ = s.hub.SendToPlugin(proc.Secret, ws.Frame{"type": "disconnect"})

	forced := true
	deadline := time.Now().Add(s.cfg.ForceQuitTimeout)
	for time.Now().Before(deadline) {
		if proc.hasExited() {
			forced = false
			break
		}
		time.Sleep(forceKillPollInterval)
	}
	if forced {
		s.log.Warn().Str("plugin", proc.ID).Msg("Timeout, force quitting")
	}
	s.killProcessTree(proc)
	s.disconnectCaller(proc, !forced, "")
	s.cleanup(proc)
	return true
}

// KillPluginProcess kills a raw process id owned by the engine.
func (s *Supervisor) KillPluginProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// ProcessIDs lists the worker process ids of supervised plugins.
func (s *Supervisor) ProcessIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.procs))
	for _, p := range s.procs {
		if p.Plugin != nil && p.Plugin.ProcessID() > 0 {
			out = append(out, p.Plugin.ProcessID())
		}
	}
	return out
}

// KillAllPlugins kills every plugin started in a session.
func (s *Supervisor) KillAllPlugins(sessionID string) {
	s.mu.Lock()
	procs := append([]*PluginProcess(nil), s.sessions[sessionID]...)
	s.mu.Unlock()
	for _, proc := range procs {
		s.KillPlugin(proc.ID)
	}
}

// onSessionClosed garbage-collects the plugins of a finished session,
// keeping those flagged allow-detach.
func (s *Supervisor) onSessionClosed(session *ws.Session) {
	s.mu.Lock()
	procs := append([]*PluginProcess(nil), s.sessions[session.ID]...)
	delete(s.sessions, session.ID)
	s.mu.Unlock()

	for _, proc := range procs {
		detach := false
		for _, f := range proc.Flags {
			if f == core.FlagAllowDetach {
				detach = true
				break
			}
		}
		if detach {
			s.log.Info().Str("plugin", proc.ID).Msg("Keeping detached plugin after session end")
			continue
		}
		s.KillPlugin(proc.ID)
	}

	if session.User != nil && session.User.RemoveSession(session.ID) == 0 {
		s.registry.RemoveUser(session.User.ID)
		s.registry.Bus().Emit("user_disconnected", session.User)
	}
}

func (s *Supervisor) killProcessTree(proc *PluginProcess) {
	proc.mu.Lock()
	cmd := proc.cmd
	proc.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	// negative pid targets the process group created by Setsid
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		s.log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("Process group kill failed")
		_ = cmd.Process.Kill()
	}
}

// disconnectCaller mirrors the termination outcome to the caller session.
func (s *Supervisor) disconnectCaller(proc *PluginProcess, success bool, message string) {
	_ = s.hub.SendToCaller(proc.Secret, ws.Frame{
		"type":    "disconnected",
		"details": map[string]any{"success": success, "message": message},
	})
}

// cleanup removes every trace of a plugin from the supervisor, registry
// and hub.
func (s *Supervisor) cleanup(proc *PluginProcess) {
	s.mu.Lock()
	delete(s.procs, proc.ID)
	delete(s.secrets, proc.Secret)
	if proc.Signature != "" {
		if current, ok := s.signatures[proc.Signature]; ok && current == proc {
			delete(s.signatures, proc.Signature)
		}
	}
	for sid, procs := range s.sessions {
		for i, p := range procs {
			if p == proc {
				s.sessions[sid] = append(procs[:i], procs[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if proc.Plugin != nil {
		s.registry.RemovePlugin(proc.Plugin)
		if proc.Plugin.Peer != nil {
			proc.Plugin.Peer.Terminate(nil)
		}
	}
	s.hub.CloseChannel(proc.Secret)

	proc.mu.Lock()
	aborting := proc.aborting
	proc.mu.Unlock()
	if aborting != nil {
		aborting.Resolve(true)
	}
}
