package labcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LaunchOptions configure the local Chrome process. The zero value launches a
// headless browser at the default scale factor.
type LaunchOptions struct {
	// Headless runs Chrome without a visible window.
	Headless bool
	// DeviceScaleFactor zooms the page so more of it fits the window.
	// 1.0 is 100%; 0 leaves the browser default in place.
	DeviceScaleFactor float64
	// ExecPath overrides browser binary discovery.
	ExecPath string
	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string
	// Logger receives lifecycle messages; nil means the logrus standard logger.
	Logger *logrus.Logger
}

// Browser is a locally launched Chrome process exposing a DevTools endpoint.
type Browser struct {
	// DebugURL is the DevTools HTTP endpoint sessions connect to.
	DebugURL string

	cmd        *exec.Cmd
	profileDir string
	log        *logrus.Logger
	stopOnce   sync.Once
	stopErr    error
}

var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
}

func findChrome(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("CHROME_BIN"); env != "" {
		return env, nil
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chrome binary found (set CHROME_BIN or LaunchOptions.ExecPath)")
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	return port, l.Close()
}

func chromeArgs(opts LaunchOptions, port int, profileDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--start-maximized",
	}
	if opts.DeviceScaleFactor > 0 {
		args = append(args, fmt.Sprintf("--force-device-scale-factor=%g", opts.DeviceScaleFactor))
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	return append(args, opts.ExtraArgs...)
}

// Launch starts a Chrome process with a throwaway profile and an ephemeral
// DevTools port, and waits for the DevTools endpoint to answer. The caller
// must Stop the returned Browser.
func Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	binary, err := findChrome(opts.ExecPath)
	if err != nil {
		return nil, err
	}
	port, err := freePort()
	if err != nil {
		return nil, err
	}
	profileDir, err := os.MkdirTemp("", "labcheck-profile-")
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binary, chromeArgs(opts, port, profileDir)...)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	b := &Browser{
		DebugURL:   fmt.Sprintf("http://127.0.0.1:%d", port),
		cmd:        cmd,
		profileDir: profileDir,
		log:        log,
	}
	log.WithFields(logrus.Fields{"binary": binary, "port": port}).Debug("chrome started")

	if err := waitForDevTools(ctx, b.DebugURL, 15*time.Second); err != nil {
		_ = b.Stop()
		return nil, fmt.Errorf("devtools not ready: %w", err)
	}
	return b, nil
}

// Stop kills the browser process and removes its profile directory. It is
// safe to call more than once.
func (b *Browser) Stop() error {
	b.stopOnce.Do(func() {
		if b.cmd != nil && b.cmd.Process != nil {
			b.stopErr = b.cmd.Process.Kill()
			_ = b.cmd.Wait()
		}
		if b.profileDir != "" {
			_ = os.RemoveAll(b.profileDir)
		}
		b.log.WithField("url", b.DebugURL).Debug("chrome stopped")
	})
	return b.stopErr
}

func waitForDevTools(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := baseURL + "/json/version"
	client := &http.Client{}
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Bound each attempt by the caller's context so cancellation also
		// aborts an in-flight request.
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		request, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return err
		}
		resp, err := client.Do(request)
		cancel()
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(150 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", url)
}
