package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/sberr"
)

// Reloader is the subset of the Supervisor that Refresh/RefreshRemote push a
// compiled policy into. Kept as an interface here so this package never
// imports pkg/supervisor.
type Reloader interface {
	ReloadPolicy(path string, token any) error
}

// Refresh compiles the policy document at path and asks reloader to swap it
// in. The compiled ruleset is written to a temporary JSON file first; that
// file is removed whichever way the reload turns out.
func Refresh(reloader Reloader, path string, token any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sberr.Wrap("reading policy document", err)
	}

	compiled, err := Compile(raw)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "sandboxd-policy-*.json")
	if err != nil {
		return sberr.Wrap("creating compiled policy temp file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithComponent("policy").Warn().Err(err).Str("path", tmpPath).Msg("failed to remove compiled policy temp file")
		}
	}()

	if err := json.NewEncoder(tmp).Encode(compiled); err != nil {
		tmp.Close()
		return sberr.Wrap("writing compiled policy", err)
	}
	if err := tmp.Close(); err != nil {
		return sberr.Wrap("closing compiled policy temp file", err)
	}

	return reloader.ReloadPolicy(tmpPath, token)
}

// RefreshRemote fetches a policy document from url and applies it via
// Refresh. It retries only on timeout-class failures, up to max_retries+1
// attempts total; any other error propagates immediately. On a final
// timeout it returns a sberr.Timeout.
func RefreshRemote(reloader Reloader, url string, token any, timeout time.Duration, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	client := &http.Client{Timeout: timeout}

	var text []byte
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := client.Get(url)
		if err == nil {
			body, rerr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if rerr != nil {
				err = rerr
			} else {
				text = body
				lastErr = nil
				break
			}
		}

		lastErr = err
		if !isTimeoutErr(err) {
			return sberr.Wrap(fmt.Sprintf("fetching policy from %s", url), err)
		}
		if attempt == attempts-1 {
			return sberr.NewTimeout(fmt.Sprintf(
				"policy download from %s timed out after %d attempt(s); timeout=%s",
				url, attempts, timeout))
		}
	}
	if lastErr != nil {
		return sberr.Wrap(fmt.Sprintf("fetching policy from %s", url), lastErr)
	}

	tmp, err := os.CreateTemp("", "sandboxd-policy-*.yml")
	if err != nil {
		return sberr.Wrap("creating downloaded policy temp file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithComponent("policy").Warn().Err(err).Str("path", tmpPath).Msg("failed to remove downloaded policy temp file")
		}
	}()
	if _, err := tmp.Write(text); err != nil {
		tmp.Close()
		return sberr.Wrap("writing downloaded policy", err)
	}
	if err := tmp.Close(); err != nil {
		return sberr.Wrap("closing downloaded policy temp file", err)
	}

	return Refresh(reloader, tmpPath, token)
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
