// lored is Lore's background process: it starts the session watcher, the
// IPC control plane, and the periodic cloud sync task, and otherwise stays
// out of the way. A thin login subcommand drives the OAuth loopback flow
// so a user can authenticate before the daemon ever starts syncing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/varalys/lore/internal/config"
	"github.com/varalys/lore/internal/credentials"
	"github.com/varalys/lore/internal/crypto"
	"github.com/varalys/lore/internal/daemon"
	"github.com/varalys/lore/internal/errs"
	"github.com/varalys/lore/internal/ipc"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `lored v%s - Lore background daemon

Usage: lored <command>

Commands:
  run       Start the daemon in the foreground (used by the service
            manager; does not daemonize itself)
  status    Report whether the daemon is running
  stats     Print watcher/import counters from the running daemon
  stop      Ask a running daemon to shut down
  login     Authenticate against the Lore cloud service
  version   Print the daemon version

`, version)
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "run":
		err = runForeground()
	case "status":
		err = cmdStatus()
	case "stats":
		err = cmdStats()
	case "stop":
		err = cmdStop()
	case "login":
		err = cmdLogin()
	case "version":
		fmt.Printf("lored v%s\n", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
}

func runForeground() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return daemon.Run(ctx)
}

func cmdStatus() error {
	state, err := daemon.NewState()
	if err != nil {
		return err
	}
	pid, ok := state.GetPID()
	if !ok || !state.IsRunning() {
		fmt.Println("daemon is not running")
		return nil
	}

	resp, err := ipc.SendCommand(state.SocketPath, ipc.CommandStatus)
	if err != nil {
		fmt.Printf("daemon process %d is running, but the control socket is not responding: %v\n", pid, err)
		return nil
	}
	startedAt := time.Now().Add(-time.Duration(resp.UptimeSeconds) * time.Second)
	fmt.Printf("daemon is running (pid %d, started %s)\n", resp.PID, humanize.Time(startedAt))
	return nil
}

func cmdStats() error {
	state, err := daemon.NewState()
	if err != nil {
		return err
	}
	if !state.IsRunning() {
		return fmt.Errorf("%w: daemon is not running", errs.Shutdown)
	}

	resp, err := ipc.SendCommand(state.SocketPath, ipc.CommandStats)
	if err != nil {
		return err
	}
	if resp.Stats == nil {
		return fmt.Errorf("daemon returned no stats")
	}
	s := resp.Stats
	fmt.Printf("files watched:      %s\n", humanize.Comma(int64(s.FilesWatched)))
	fmt.Printf("sessions imported:  %s\n", humanize.Comma(int64(s.SessionsImported)))
	fmt.Printf("messages imported:  %s\n", humanize.Comma(int64(s.MessagesImported)))
	fmt.Printf("errors:             %s\n", humanize.Comma(int64(s.Errors)))
	fmt.Printf("started at:         %s (%s)\n", s.StartedAt.Format(time.RFC3339), humanize.Time(s.StartedAt))
	return nil
}

func cmdStop() error {
	state, err := daemon.NewState()
	if err != nil {
		return err
	}
	if !state.IsRunning() {
		fmt.Println("daemon is not running")
		return nil
	}

	resp, err := ipc.SendCommand(state.SocketPath, ipc.CommandStop)
	if err != nil {
		return err
	}
	if resp.Type != ipc.ResponseTypeStopping {
		return fmt.Errorf("unexpected response from daemon: %s", resp.Message)
	}
	fmt.Println("stop requested")
	return nil
}

// cmdLogin drives the OAuth loopback flow: open the cloud's consent page in
// the user's browser, wait for the callback, and persist the resulting
// credentials plus a freshly minted encryption key.
func cmdLogin() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cloudURL := cfg.EffectiveCloudURL()

	ctx, cancel := context.WithTimeout(context.Background(), credentials.LoginTimeout+5*time.Second)
	defer cancel()

	authURL, results, err := credentials.Login(ctx, cloudURL)
	if err != nil {
		return err
	}

	fmt.Println("Opening browser for authentication...")
	fmt.Printf("If it does not open automatically, visit:\n\n  %s\n\n", authURL)
	if err := openBrowser(authURL); err != nil {
		fmt.Fprintf(os.Stderr, "(could not launch a browser automatically: %v)\n", err)
	}

	result := <-results
	creds, err := result.Unwrap()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.AuthError, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	creds.EncKeyHex = crypto.EncodeKeyHex(key)

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	backend := credentials.BackendFile
	if cfg.CredentialsBackend == "keyring" {
		backend = credentials.BackendKeyring
	}
	if err := credentials.Open(backend, dir).Save(creds); err != nil {
		return err
	}

	fmt.Printf("Logged in as %s (%s plan)\n", creds.Email, creds.Plan)
	return nil
}

// openBrowser best-effort launches the platform's default browser; login
// still works if this fails, since the URL is always printed.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
