package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// UnknownVersion is reported to the hub when the backend cannot be reached.
const UnknownVersion = "Unknown"

// DefaultPollTarget is polled when the backend has no models.
const DefaultPollTarget = "/"

const versionCacheKey = "version"

type ModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

type TagModel struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt string       `json:"modified_at"`
	Size       uint64       `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// Tags is the backend model catalog.
type Tags struct {
	Models []TagModel `json:"models"`
}

// Ollama talks to the backend's own API, as opposed to the relay which
// forwards hub requests verbatim.
type Ollama struct {
	baseURL  string
	client   *http.Client
	versions *cache.Cache
}

func NewOllama(baseURL string) *Ollama {
	return &Ollama{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		versions: cache.New(10*time.Second, time.Minute),
	}
}

func (o *Ollama) BaseURL() string {
	return o.baseURL
}

func (o *Ollama) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Tags fetches the model catalog.
func (o *Ollama) Tags(ctx context.Context) (*Tags, error) {
	var tags Tags
	if err := o.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, fmt.Errorf("failed to fetch backend tags: %w", err)
	}
	return &tags, nil
}

// Version returns the backend version, or UnknownVersion when it cannot be
// fetched. Successful lookups are cached briefly since every session asks.
func (o *Ollama) Version(ctx context.Context) string {
	if v, ok := o.versions.Get(versionCacheKey); ok {
		return v.(string)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := o.getJSON(ctx, "/api/version", &body); err != nil || body.Version == "" {
		return UnknownVersion
	}
	o.versions.SetDefault(versionCacheKey, body.Version)
	return body.Version
}

// InvalidateVersion drops the cached version, e.g. after an upgrade.
func (o *Ollama) InvalidateVersion() {
	o.versions.Delete(versionCacheKey)
}

// PollTarget renders the catalog as the poll target: names joined by ';',
// each ":latest" name preceded by its bare alias.
func PollTarget(tags *Tags) string {
	if tags == nil || len(tags.Models) == 0 {
		return DefaultPollTarget
	}
	names := make([]string, 0, len(tags.Models)*2)
	for _, m := range tags.Models {
		if strings.Contains(m.Name, ":latest") {
			names = append(names, strings.Replace(m.Name, ":latest", "", 1))
		}
		names = append(names, m.Name)
	}
	return strings.Join(names, ";")
}

// PollTarget fetches the catalog and derives the poll target from it.
func (o *Ollama) PollTarget(ctx context.Context) (string, error) {
	tags, err := o.Tags(ctx)
	if err != nil {
		return "", err
	}
	return PollTarget(tags), nil
}
