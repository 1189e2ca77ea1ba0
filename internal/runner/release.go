package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/specialistvlad/seqflow/internal/retry"
)

// BundleFile is the dependency archive every release ships.
const BundleFile = "bundle.zip"

const releasesPath = "/releases/download"

// Releases downloads files attached to tagged repository releases.
type Releases struct {
	http   *resty.Client
	policy retry.Policy
}

// NewReleases returns a fetcher. A nil policy uses retry.Query.
func NewReleases(timeout time.Duration, policy *retry.Policy) *Releases {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	p := retry.Query
	if policy != nil {
		p = *policy
	}
	return &Releases{http: resty.New().SetTimeout(timeout), policy: p}
}

// ReleaseURL is "<repo>/releases/download/<release>/<file>".
func ReleaseURL(repo, release, file string) string {
	return fmt.Sprintf("%s%s/%s/%s", strings.TrimRight(repo, "/"), releasesPath, release, file)
}

// Fetch downloads one release file.
func (r *Releases) Fetch(ctx context.Context, repo, release, file string) ([]byte, error) {
	url := ReleaseURL(repo, release, file)
	var body []byte
	err := retry.Do(ctx, r.policy, func() error {
		resp, err := r.http.R().SetContext(ctx).Get(url)
		if err := httpError(resp, err); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch release file %s: %w", url, err)
	}
	return body, nil
}
