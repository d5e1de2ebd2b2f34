package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
)

// fetch resolves source to a local artifact path. Remote sources must be
// https and are cached under the downloads dir unless fresh is set.
func (i *Installer) fetch(ctx context.Context, source string, fresh bool) (string, error) {
	if p, ok := localSource(source); ok {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("install source %s: %w", source, err)
		}
		return p, nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("invalid install source %q: %w", source, err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("refusing %s install source %q: only https is allowed", u.Scheme, source)
	}

	if err := os.MkdirAll(i.cfg.DownloadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create downloads dir: %w", err)
	}
	cached := filepath.Join(i.cfg.DownloadsDir, Checksum([]byte(source))[:16]+"-"+path.Base(u.Path))
	if !fresh {
		if st, err := os.Stat(cached); err == nil && st.Size() > 0 {
			i.logger.Debug("using cached download", zap.String("source", source), zap.String("path", cached))
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: download %s: %v", agenterr.ErrCommunication, source, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: download %s: status %d", agenterr.ErrCommunication, source, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(i.cfg.DownloadsDir, ".download-*")
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: download %s: %v", agenterr.ErrCommunication, source, err)
	}
	if err := os.Rename(tmp.Name(), cached); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	i.logger.Info("downloaded artifact", zap.String("source", source), zap.String("path", cached))
	return cached, nil
}

func localSource(source string) (string, bool) {
	if strings.HasPrefix(source, "file://") {
		return strings.TrimPrefix(source, "file://"), true
	}
	if filepath.IsAbs(source) || !strings.Contains(source, "://") {
		return source, true
	}
	return "", false
}
