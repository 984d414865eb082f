package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"fleetupdate/internal/logging"
	"fleetupdate/internal/policy"
	"fleetupdate/internal/version"
)

const protocolVersion = "3.0"

type omahaRequest struct {
	Request requestBody `json:"request"`
}

type requestBody struct {
	Protocol       string       `json:"protocol"`
	Updater        string       `json:"updater"`
	UpdaterVersion string       `json:"updaterversion"`
	OS             requestOS    `json:"os"`
	Apps           []requestApp `json:"app"`
}

type requestOS struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

type requestApp struct {
	AppID         string             `json:"appid"`
	Version       string             `json:"version"`
	Track         string             `json:"track,omitempty"`
	InstallSource string             `json:"installsource"`
	UpdateCheck   requestUpdateCheck `json:"updatecheck"`
}

type requestUpdateCheck struct {
	TargetVersionPrefix string `json:"targetversionprefix,omitempty"`
}

type omahaResponse struct {
	Response responseBody `json:"response"`
}

type responseBody struct {
	Protocol string        `json:"protocol"`
	Apps     []responseApp `json:"app"`
}

type responseApp struct {
	AppID       string              `json:"appid"`
	Status      string              `json:"status"`
	UpdateCheck responseUpdateCheck `json:"updatecheck"`
}

type responseUpdateCheck struct {
	Status   string           `json:"status"`
	URLs     responseURLs     `json:"urls"`
	Manifest responseManifest `json:"manifest"`

	IsDelta                  bool  `json:"_is_delta"`
	MaxFailureCountPerURL    int   `json:"_max_failure_count_per_url"`
	ScatterWaitPeriodMaxSecs int64 `json:"_scatter_wait_period_max_secs"`
	ScatterCheckThresholdMin int   `json:"_scatter_check_threshold_min"`
	ScatterCheckThresholdMax int   `json:"_scatter_check_threshold_max"`
	DisableBackoff           bool  `json:"_disable_backoff"`
}

type responseURLs struct {
	URL []responseURL `json:"url"`
}

type responseURL struct {
	Codebase string `json:"codebase"`
}

type responseManifest struct {
	Version  string           `json:"version"`
	Packages responsePackages `json:"packages"`
}

type responsePackages struct {
	Package []responsePackage `json:"package"`
}

type responsePackage struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	HashSHA256 string `json:"hash_sha256"`
	FP         string `json:"fp"`
}

// HTTPSource speaks a JSON flavour of the Omaha protocol.
type HTTPSource struct {
	Endpoint   string
	AppID      string
	Channel    string
	HTTPClient *http.Client
}

// NewHTTPSource creates a source posting update checks to endpoint.
func NewHTTPSource(endpoint, appID, channel string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		Endpoint: endpoint,
		AppID:    appID,
		Channel:  channel,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check implements Source.
func (s *HTTPSource) Check(ctx context.Context, params policy.UpdateCheckParams) (*Offer, error) {
	track := s.Channel
	if params.TargetChannel != "" {
		track = params.TargetChannel
	}
	installSource := "scheduler"
	if params.IsInteractive {
		installSource = "ondemand"
	}

	body, err := json.Marshal(omahaRequest{Request: requestBody{
		Protocol:       protocolVersion,
		Updater:        "fleetupdate",
		UpdaterVersion: version.Version,
		OS:             requestOS{Platform: runtime.GOOS, Arch: runtime.GOARCH},
		Apps: []requestApp{{
			AppID:         s.AppID,
			Version:       version.Version,
			Track:         track,
			InstallSource: installSource,
			UpdateCheck:   requestUpdateCheck{TargetVersionPrefix: params.TargetVersionPrefix},
		}},
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode update check: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if params.IsInteractive {
		req.Header.Set("X-Goog-Update-Interactivity", "fg")
	} else {
		req.Header.Set("X-Goog-Update-Interactivity", "bg")
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send update check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed omahaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode update response: %w", err)
	}
	return s.offerFrom(parsed.Response)
}

func (s *HTTPSource) offerFrom(resp responseBody) (*Offer, error) {
	var app *responseApp
	for i := range resp.Apps {
		if resp.Apps[i].AppID == s.AppID {
			app = &resp.Apps[i]
			break
		}
	}
	if app == nil {
		return nil, fmt.Errorf("response has no entry for app %q", s.AppID)
	}
	if app.Status != "ok" {
		return nil, fmt.Errorf("server rejected app %q: %s", s.AppID, app.Status)
	}

	uc := app.UpdateCheck
	switch uc.Status {
	case "noupdate":
		logging.Debug("Server reports no update for %s", s.AppID)
		return nil, nil
	case "ok":
	default:
		return nil, fmt.Errorf("update check failed: %s", uc.Status)
	}

	pkgs := uc.Manifest.Packages.Package
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("update for version %s lists no package", uc.Manifest.Version)
	}
	pkg := pkgs[0]

	offer := &Offer{
		PayloadID:                pkg.HashSHA256,
		Version:                  uc.Manifest.Version,
		Size:                     pkg.Size,
		IsDelta:                  uc.IsDelta,
		DownloadErrorsMax:        uc.MaxFailureCountPerURL,
		ScatterWaitPeriodMax:     time.Duration(uc.ScatterWaitPeriodMaxSecs) * time.Second,
		ScatterCheckThresholdMin: uc.ScatterCheckThresholdMin,
		ScatterCheckThresholdMax: uc.ScatterCheckThresholdMax,
		BackoffDisabled:          uc.DisableBackoff,
	}
	if offer.PayloadID == "" {
		offer.PayloadID = pkg.FP
	}
	if offer.PayloadID == "" {
		offer.PayloadID = uc.Manifest.Version + "/" + pkg.Name
	}

	for _, u := range uc.URLs.URL {
		full, err := url.JoinPath(u.Codebase, pkg.Name)
		if err != nil {
			logging.Warning("Skipping malformed codebase %q: %v", u.Codebase, err)
			continue
		}
		offer.URLs = append(offer.URLs, full)
	}
	return offer, nil
}
