package chartrepo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	pkgurl "net/url"
	"strings"
	"text/template"
	"time"

	"arhat.dev/pkg/log"
	"golang.org/x/net/http/httpproxy"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"

	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
)

func NewClient(logger log.Interface, config *Config) (*Client, error) {
	urlTpl, err := template.New("").Funcs(funcMap()).Parse(config.URLTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse repository url as text template: %w", err)
	}

	headers := make(map[string]*template.Template)
	for name, value := range config.Headers {
		headers[name], err = template.New("").Funcs(funcMap()).Parse(value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse header %q as text template: %w", name, err)
		}
	}

	var proxy func(*http.Request) (*pkgurl.URL, error)
	if p := config.Proxy; p != nil {
		cfg := httpproxy.Config{
			HTTPProxy:  p.HTTP,
			HTTPSProxy: p.HTTPS,
			NoProxy:    p.NoProxy,
			CGI:        p.CGI,
		}

		pf := cfg.ProxyFunc()

		proxy = func(req *http.Request) (*pkgurl.URL, error) {
			return pf(req.URL)
		}
	}

	selector, err := NewVersionSelector(&config.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to create version selector: %w", err)
	}

	return &Client{
		logger:   logger,
		urlTpl:   urlTpl,
		headers:  headers,
		selector: selector,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: proxy,
				DialContext: (&net.Dialer{
					Timeout:       30 * time.Second,
					KeepAlive:     30 * time.Second,
					FallbackDelay: 300 * time.Millisecond,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Timeout: config.Timeout,
		},
	}, nil
}

// Client resolves adapter charts from their helm repositories
type Client struct {
	logger   log.Interface
	client   *http.Client
	urlTpl   *template.Template
	headers  map[string]*template.Template
	selector VersionSelector
}

// Chart is a chart version selected for installation
type Chart struct {
	Name       string
	Repo       string
	Version    string
	AppVersion string
}

// RepoURL renders the repository url of the adapter
func (c *Client) RepoURL(adapter string) (string, error) {
	buf := new(bytes.Buffer)
	err := c.urlTpl.Execute(buf, &templateVars{
		Adapter:   adapter,
		ChartName: identity.ChartName(adapter),
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute url template: %w", err)
	}

	return strings.TrimSuffix(buf.String(), "/"), nil
}

// FetchIndex downloads and parses index.yaml of the adapter repository
func (c *Client) FetchIndex(ctx context.Context, adapter string) (*repo.IndexFile, string, error) {
	repoURL, err := c.RepoURL(adapter)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, repoURL+"/index.yaml", nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create index request: %w", err)
	}

	tplVars := &templateVars{Adapter: adapter, ChartName: identity.ChartName(adapter)}
	for name, tpl := range c.headers {
		buf := new(bytes.Buffer)
		if err = tpl.Execute(buf, tplVars); err != nil {
			return nil, "", fmt.Errorf("failed to execute header template %q: %w", name, err)
		}
		req.Header.Set(name, buf.String())
	}

	c.logger.V("fetching repository index", log.String("url", req.URL.String()))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to request repository index: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, repoURL, fmt.Errorf("%w: %s responded %d", ErrRepositoryNotFound, repoURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, repoURL, fmt.Errorf("failed to read repository index: %w", err)
	}

	index := new(repo.IndexFile)
	if err = yaml.Unmarshal(data, index); err != nil {
		return nil, repoURL, fmt.Errorf("failed to parse repository index: %w", err)
	}

	if index.APIVersion != repo.APIVersionV1 {
		return nil, repoURL, fmt.Errorf("%w: unexpected apiVersion %q", ErrInvalidIndex, index.APIVersion)
	}

	return index, repoURL, nil
}

// Resolve selects the chart version of the adapter to install
func (c *Client) Resolve(ctx context.Context, adapter string) (*Chart, error) {
	index, repoURL, err := c.FetchIndex(ctx, adapter)
	if err != nil {
		return nil, err
	}

	chartName := identity.ChartName(adapter)
	versions := index.Entries[chartName]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrChartNotFound, chartName)
	}

	v, err := c.selector.Select(versions)
	if err != nil {
		return nil, err
	}

	if v == nil || v.Metadata == nil || v.Version == "" || v.AppVersion == "" {
		return nil, fmt.Errorf("%w: selected entry of %q lacks version information", ErrNoVersion, chartName)
	}

	return &Chart{
		Name:       chartName,
		Repo:       repoURL,
		Version:    v.Version,
		AppVersion: v.AppVersion,
	}, nil
}
