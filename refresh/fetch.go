package refresh

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/log"
)

// fetch invokes the external log-submission tool:
//
//	<tool> --log-server=<host:port> --submission=<cert-file>
//	       --response-out=<sct-file> upload
//
// Success is exit code zero; stdout and stderr are captured and logged.
// The subprocess gets its own timeout rather than the pass context, so a
// graceful shutdown lets it finish instead of killing it mid-write.
func (r *Refresher) fetch(_ context.Context, logURL, submissionPath, responsePath string) error {
	server, err := logServerAddr(logURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.toolPath,
		"--log-server="+server,
		"--submission="+submissionPath,
		"--response-out="+responsePath,
		"upload")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("refresh: running %s for %s", r.toolPath, server)
	err = cmd.Run()
	logOutput(server, "stdout", stdout.String())
	logOutput(server, "stderr", stderr.String())

	if err != nil {
		fetches.WithLabelValues("failure").Inc()
		if _, ok := err.(*exec.ExitError); ok {
			return cterr.New(cterr.SubprocessError, cterr.NonZeroExit,
				fmt.Errorf("submission to %s: %v", server, err))
		}
		return cterr.New(cterr.SubprocessError, cterr.StartFailed,
			fmt.Errorf("submission tool %s: %v", r.toolPath, err))
	}

	fetches.WithLabelValues("success").Inc()
	return nil
}

func logOutput(server, stream, out string) {
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			log.Debugf("refresh: %s %s: %s", server, stream, line)
		}
	}
}

// logServerAddr reduces a log URL to the host:port form the tool expects.
func logServerAddr(logURL string) (string, error) {
	u, err := url.Parse(logURL)
	if err != nil || u.Hostname() == "" {
		return "", cterr.New(cterr.ConfigurationError, cterr.BadLogURL,
			fmt.Errorf("log URL %q: %v", logURL, err))
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return u.Hostname() + ":" + port, nil
}
