// Package update implements spec §6's "Update endpoints" contract: poll the
// Majsoul version/resource endpoints and, on a resource prefix change,
// re-download the content this proxy depends on — lqc.lqbin straight from
// game.maj-soul.com, liqi.json and the compiled descriptor set from a
// GitHub Releases asset list.
//
// Grounded on original_source/src/main.rs's Settings::update/get_lqc split:
// the caller (cmd/liqiproxy) owns the one-shot-at-startup and every-5-minute
// schedule, exactly as main.rs's run_application/periodic_update_check do;
// this package only answers "is there something new, and if so fetch it."
// The stdlib net/http client matches the teacher's own one-off external-call
// idiom (internal/webhooks/dispatcher.go's *http.Client with a timeout, no
// retry/circuit-breaker machinery); the GitHub release fetch uses
// github.com/google/go-github, the same library the wider retrieval pack
// reaches for whenever it talks to the GitHub API.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/majsoul/liqiproxy/internal/config"
)

// The Majsoul endpoint URLs are vars, not consts, so tests can point them at
// an httptest server instead of the live game.maj-soul.com.
var (
	versionURL    = "https://game.maj-soul.com/1/version.json"
	resVersionFmt = "https://game.maj-soul.com/1/resversion%s.json"
	lqcBinFmt     = "https://game.maj-soul.com/1/%s/res/config/lqc.lqbin"
)

const (
	// githubOwner/githubRepo name the project's own release feed, the same
	// repository the disclaimer banner in cmd/liqiproxy's ancestor prints.
	githubOwner = "Xerxes-2"
	githubRepo  = "MajsoulMax-rs"

	protoResKey  = "res/proto/liqi.json"
	configResKey = "res/config/lqc.lqbin"
)

type versionResponse struct {
	Version string `json:"version"`
}

type resEntry struct {
	Prefix string `json:"prefix"`
}

type resVersionResponse struct {
	Res map[string]resEntry `json:"res"`
}

// diskState is the last-downloaded resource prefixes, persisted outside
// settings.json (whose field set spec §6 fixes closed) so a bare version
// bump with unchanged resource prefixes skips a redundant re-download.
type diskState struct {
	ProtoPrefix  string `json:"proto_prefix"`
	ConfigPrefix string `json:"config_prefix"`
}

// Checker fetches and applies updates; it never decides when to run.
type Checker struct {
	dir    config.ConfigDir
	client *http.Client
	gh     *github.Client
}

// New builds a Checker writing into dir. token authenticates the GitHub API
// calls when non-empty (settings.json's optional "githubToken").
func New(dir config.ConfigDir, token string) *Checker {
	httpClient := &http.Client{Timeout: 20 * time.Second}
	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Checker{dir: dir, client: httpClient, gh: gh}
}

// Check polls version.json, and when the reported version differs from
// currentVersion, fetches resversion<version>.json and re-downloads
// whichever of lqc.lqbin (prefix change on res/config/lqc.lqbin) and
// liqi.json/the descriptor set (prefix change on res/proto/liqi.json, from
// the latest GitHub release) moved since the last check. newVersion is
// always the server's reported version; updated is true only once the
// corresponding content was actually re-downloaded.
func (c *Checker) Check(ctx context.Context, currentVersion string) (newVersion string, updated bool, err error) {
	newVersion, err = c.fetchVersion(ctx)
	if err != nil {
		return "", false, fmt.Errorf("update: fetching version.json: %w", err)
	}
	if newVersion == currentVersion {
		return currentVersion, false, nil
	}

	protoPrefix, configPrefix, err := c.fetchResVersion(ctx, newVersion)
	if err != nil {
		return "", false, fmt.Errorf("update: fetching resversion%s.json: %w", newVersion, err)
	}

	prior := c.loadState()
	changed := false

	if configPrefix != prior.ConfigPrefix {
		if err := c.downloadTo(ctx, fmt.Sprintf(lqcBinFmt, configPrefix), c.dir.ContentBundle()); err != nil {
			return "", false, fmt.Errorf("update: downloading lqc.lqbin: %w", err)
		}
		changed = true
	}
	if protoPrefix != prior.ProtoPrefix {
		if err := c.downloadGithubRelease(ctx); err != nil {
			return "", false, fmt.Errorf("update: downloading liqi.json/descriptor set from github: %w", err)
		}
		changed = true
	}

	if !changed {
		return newVersion, false, nil
	}

	if serr := c.saveState(diskState{ProtoPrefix: protoPrefix, ConfigPrefix: configPrefix}); serr != nil {
		slog.Warn("update: persisting resource prefixes failed, may re-download unnecessarily next check", "error", serr)
	}
	return newVersion, true, nil
}

func (c *Checker) fetchVersion(ctx context.Context) (string, error) {
	var v versionResponse
	if err := c.getJSON(ctx, versionURL, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Checker) fetchResVersion(ctx context.Context, version string) (protoPrefix, configPrefix string, err error) {
	var rv resVersionResponse
	if err := c.getJSON(ctx, fmt.Sprintf(resVersionFmt, version), &rv); err != nil {
		return "", "", err
	}
	proto, ok := rv.Res[protoResKey]
	if !ok {
		return "", "", fmt.Errorf("resversion response missing %q entry", protoResKey)
	}
	cfg, ok := rv.Res[configResKey]
	if !ok {
		return "", "", fmt.Errorf("resversion response missing %q entry", configResKey)
	}
	return proto.Prefix, cfg.Prefix, nil
}

// downloadGithubRelease fetches liqi.json and the compiled descriptor set
// from the latest release's asset list (spec §6: "tag_name,
// assets[].browser_download_url").
func (c *Checker) downloadGithubRelease(ctx context.Context) error {
	release, _, err := c.gh.Repositories.GetLatestRelease(ctx, githubOwner, githubRepo)
	if err != nil {
		return fmt.Errorf("fetching latest release: %w", err)
	}

	for _, want := range []struct {
		suffix string
		dest   string
	}{
		{"liqi.json", c.dir.Manifest()},
		{"liqi.protoset", c.dir.DescriptorSet()},
	} {
		asset := findAsset(release.Assets, want.suffix)
		if asset == nil {
			return fmt.Errorf("release %s has no asset ending in %s", release.GetTagName(), want.suffix)
		}
		if err := c.downloadTo(ctx, asset.GetBrowserDownloadURL(), want.dest); err != nil {
			return fmt.Errorf("downloading %s: %w", want.suffix, err)
		}
	}
	return nil
}

func findAsset(assets []*github.ReleaseAsset, suffix string) *github.ReleaseAsset {
	for _, a := range assets {
		if strings.HasSuffix(a.GetName(), suffix) {
			return a
		}
	}
	return nil
}

func (c *Checker) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Checker) downloadTo(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	// Download to a sibling temp file and rename over dest, so a failed or
	// partial transfer never corrupts the last-known-good content on disk.
	tmp := dest + ".download"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func (c *Checker) loadState() diskState {
	raw, err := os.ReadFile(c.dir.UpdateState())
	if err != nil {
		return diskState{}
	}
	var s diskState
	if err := json.Unmarshal(raw, &s); err != nil {
		return diskState{}
	}
	return s
}

func (c *Checker) saveState(s diskState) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.dir.UpdateState(), raw, 0o644)
}
