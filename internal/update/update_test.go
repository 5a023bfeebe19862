package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/google/go-github/v69/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majsoul/liqiproxy/internal/config"
)

// withMajsoulEndpoints points the package-level Majsoul URL vars at an
// httptest server for the duration of the test, restoring them on cleanup.
func withMajsoulEndpoints(t *testing.T, srv *httptest.Server) {
	t.Helper()
	prevVersion, prevRes, prevLqc := versionURL, resVersionFmt, lqcBinFmt
	versionURL = srv.URL + "/version.json"
	resVersionFmt = srv.URL + "/resversion%s.json"
	lqcBinFmt = srv.URL + "/%s/res/config/lqc.lqbin"
	t.Cleanup(func() {
		versionURL, resVersionFmt, lqcBinFmt = prevVersion, prevRes, prevLqc
	})
}

// checkerWithGithubServer builds a Checker whose Majsoul endpoints hit srv
// and whose GitHub client is redirected at ghSrv, bypassing New's use of the
// real api.github.com.
func checkerWithGithubServer(t *testing.T, dir config.ConfigDir, ghSrv *httptest.Server) *Checker {
	t.Helper()
	gh := github.NewClient(ghSrv.Client())
	base, err := url.Parse(ghSrv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	return &Checker{dir: dir, client: http.DefaultClient, gh: gh}
}

func testDir(t *testing.T) config.ConfigDir {
	t.Helper()
	return config.ConfigDir{Path: t.TempDir()}
}

func TestCheckNoVersionChangeReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(versionResponse{Version: "1.2.3"})
	}))
	defer srv.Close()
	withMajsoulEndpoints(t, srv)

	c := New(testDir(t), "")
	newVersion, updated, err := c.Check(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, "1.2.3", newVersion)
}

func TestCheckDownloadsLqcBinOnConfigPrefixChange(t *testing.T) {
	const wantBody = "lqc-binary-content"

	mux := http.NewServeMux()
	mux.HandleFunc("/version.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(versionResponse{Version: "2.0.0"})
	})
	mux.HandleFunc("/resversion2.0.0.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(resVersionResponse{Res: map[string]resEntry{
			protoResKey:  {Prefix: "same-proto-prefix"},
			configResKey: {Prefix: "new-config-prefix"},
		}})
	})
	mux.HandleFunc("/new-config-prefix/res/config/lqc.lqbin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, wantBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	withMajsoulEndpoints(t, srv)

	dir := testDir(t)
	require.NoError(t, os.WriteFile(dir.UpdateState(), []byte(`{"proto_prefix":"same-proto-prefix","config_prefix":"old-config-prefix"}`), 0o644))

	c := New(dir, "")
	newVersion, updated, err := c.Check(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, "2.0.0", newVersion)

	got, err := os.ReadFile(dir.ContentBundle())
	require.NoError(t, err)
	assert.Equal(t, wantBody, string(got))

	state := c.loadState()
	assert.Equal(t, "new-config-prefix", state.ConfigPrefix)
	assert.Equal(t, "same-proto-prefix", state.ProtoPrefix)
}

func TestCheckDownloadsGithubReleaseOnProtoPrefixChange(t *testing.T) {
	const wantManifest = `{"lq":{}}`
	const wantDescriptorSet = "descriptor-set-bytes"

	assetSrv := httptest.NewServeMux()
	assetSrv.HandleFunc("/liqi.json", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, wantManifest) })
	assetSrv.HandleFunc("/liqi.protoset", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, wantDescriptorSet) })
	assetServer := httptest.NewServer(assetSrv)
	defer assetServer.Close()

	majMux := http.NewServeMux()
	majMux.HandleFunc("/version.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(versionResponse{Version: "2.0.0"})
	})
	majMux.HandleFunc("/resversion2.0.0.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(resVersionResponse{Res: map[string]resEntry{
			protoResKey:  {Prefix: "new-proto-prefix"},
			configResKey: {Prefix: "same-config-prefix"},
		}})
	})
	majSrv := httptest.NewServer(majMux)
	defer majSrv.Close()
	withMajsoulEndpoints(t, majSrv)

	ghMux := http.NewServeMux()
	ghMux.HandleFunc("/repos/"+githubOwner+"/"+githubRepo+"/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tag_name": "v9.9.9",
			"assets": []map[string]any{
				{"name": "liqi.json", "browser_download_url": assetServer.URL + "/liqi.json"},
				{"name": "liqi.protoset", "browser_download_url": assetServer.URL + "/liqi.protoset"},
			},
		})
	})
	ghSrv := httptest.NewServer(ghMux)
	defer ghSrv.Close()

	dir := testDir(t)
	require.NoError(t, os.WriteFile(dir.UpdateState(), []byte(`{"proto_prefix":"old-proto-prefix","config_prefix":"same-config-prefix"}`), 0o644))

	c := checkerWithGithubServer(t, dir, ghSrv)
	newVersion, updated, err := c.Check(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, "2.0.0", newVersion)

	gotManifest, err := os.ReadFile(dir.Manifest())
	require.NoError(t, err)
	assert.Equal(t, wantManifest, string(gotManifest))

	gotDescriptorSet, err := os.ReadFile(dir.DescriptorSet())
	require.NoError(t, err)
	assert.Equal(t, wantDescriptorSet, string(gotDescriptorSet))
}

func TestCheckMissingResEntryIsAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/version.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(versionResponse{Version: "2.0.0"})
	})
	mux.HandleFunc("/resversion2.0.0.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(resVersionResponse{Res: map[string]resEntry{
			protoResKey: {Prefix: "x"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	withMajsoulEndpoints(t, srv)

	c := New(testDir(t), "")
	_, _, err := c.Check(context.Background(), "1.2.3")
	assert.Error(t, err)
}
