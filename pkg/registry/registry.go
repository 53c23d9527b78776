package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// Coarse failure codes persisted in registry_digest_cache.error. These
// never carry credentials or raw server output.
const (
	CodeInvalidImage   = "invalid-image"
	CodeTimeout        = "timeout"
	CodeUnauthorized   = "unauthorized"
	CodeAuthMissing    = "auth-missing"
	CodeAuthParse      = "auth-parse"
	CodeChallengeParse = "challenge-parse"
	CodeBadResponse    = "bad-response"
	CodeDigestMissing  = "digest-missing"
	CodeIOError        = "io-error"
	CodeJSONError      = "json-error"
)

const (
	headTimeout   = 10 * time.Second
	bearerTimeout = 3 * time.Second

	digestHeader = "Docker-Content-Digest"
)

var manifestAccept = strings.Join([]string{
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v2+json",
}, ", ")

// imageRef is a parsed image reference
type imageRef struct {
	Scheme   string
	Registry string
	Repo     string
	Tag      string
}

// Key is the normalised cache key: registry/repo:tag
func (r imageRef) Key() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repo, r.Tag)
}

func (r imageRef) manifestURL() string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", r.Scheme, r.Registry, r.Repo, r.Tag)
}

// parseImage splits an image reference into scheme, registry host,
// repository and tag. The scheme defaults to https; an explicit http://
// prefix is honoured for plain-HTTP registries.
func parseImage(image string) (imageRef, error) {
	ref := imageRef{Scheme: "https", Tag: "latest"}
	rest := strings.TrimSpace(image)
	if strings.HasPrefix(rest, "https://") {
		rest = strings.TrimPrefix(rest, "https://")
	} else if strings.HasPrefix(rest, "http://") {
		ref.Scheme = "http"
		rest = strings.TrimPrefix(rest, "http://")
	}
	if rest == "" {
		return ref, errors.New("empty image")
	}
	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return ref, errors.New("image has no registry host component")
	}
	host := strings.ToLower(rest[:slash])
	if !strings.ContainsAny(host, ".:") && host != "localhost" {
		return ref, errors.New("registry host looks like a bare repo segment")
	}
	repo := rest[slash+1:]
	if colon := strings.LastIndex(repo, ":"); colon >= 0 {
		if colon == len(repo)-1 {
			return ref, errors.New("empty tag")
		}
		ref.Tag = repo[colon+1:]
		repo = repo[:colon]
	}
	if repo == "" {
		return ref, errors.New("empty repository")
	}
	ref.Registry = host
	ref.Repo = repo
	return ref, nil
}

// Result is the outcome of one resolve call
type Result struct {
	Entry     types.DigestEntry `json:"entry"`
	FromCache bool              `json:"from_cache"`
	Stale     bool              `json:"stale"`
}

// Resolver answers "what digest does this tag point at" with a
// store-backed cache in front of registry HEAD requests.
type Resolver struct {
	store    *store.Store
	client   *http.Client
	authPath string
	now      func() time.Time
}

// NewResolver builds a resolver over the shared store. The auth path
// defaults to $HOME/.config/containers/auth.json.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{
		store:    s,
		client:   &http.Client{Timeout: headTimeout},
		authPath: defaultAuthPath(),
		now:      time.Now,
	}
}

// Resolve returns the manifest digest for the image, from cache when
// fresh, or from a registry HEAD otherwise. Failures never discard a
// previously known digest: the entry keeps it, carries a coarse error
// code, and comes back marked stale.
func (r *Resolver) Resolve(ctx context.Context, image string, ttl time.Duration, force bool) (*Result, error) {
	ref, err := parseImage(image)
	if err != nil {
		entry := types.DigestEntry{
			Image:     image,
			CheckedAt: r.now().UTC(),
			Status:    types.DigestStatusError,
			Error:     CodeInvalidImage,
		}
		return &Result{Entry: entry, Stale: true}, nil
	}
	key := ref.Key()

	var prior *types.DigestEntry
	if r.store != nil && r.store.Ready() {
		prior, err = r.store.GetDigestEntry(key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if prior != nil && !force && prior.Fresh(r.now(), ttl) {
		return &Result{Entry: *prior, FromCache: true}, nil
	}

	digest, code := r.fetchDigest(ctx, ref)
	entry := types.DigestEntry{Image: key, CheckedAt: r.now().UTC()}
	if code == "" {
		entry.Digest = digest
		entry.Status = types.DigestStatusOK
	} else {
		entry.Status = types.DigestStatusError
		entry.Error = code
		if prior != nil {
			entry.Digest = prior.Digest
		}
	}
	r.persist(&entry)
	if code != "" {
		return &Result{Entry: entry, Stale: true}, nil
	}
	return &Result{Entry: entry}, nil
}

func (r *Resolver) persist(entry *types.DigestEntry) {
	if r.store == nil || !r.store.Ready() {
		return
	}
	if err := r.store.UpsertDigestEntry(entry); err != nil {
		log.WithComponent("registry").Warn().Err(err).Str("image", entry.Image).
			Msg("failed to persist digest cache row")
	}
}

// fetchDigest runs the HEAD (plus an auth round when challenged) and
// returns either a digest or a coarse failure code.
func (r *Resolver) fetchDigest(ctx context.Context, ref imageRef) (string, string) {
	resp, code := r.head(ctx, ref, "")
	if code != "" {
		return "", code
	}
	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()
		authz, code := r.answerChallenge(ctx, ref, challenge)
		if code != "" {
			return "", code
		}
		if resp, code = r.head(ctx, ref, authz); code != "" {
			return "", code
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", CodeUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", CodeBadResponse
	}
	digest := resp.Header.Get(digestHeader)
	if digest == "" {
		return "", CodeDigestMissing
	}
	return digest, ""
}

func (r *Resolver) head(ctx context.Context, ref imageRef, authz string) (*http.Response, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.manifestURL(), nil)
	if err != nil {
		return nil, CodeIOError
	}
	req.Header.Set("Accept", manifestAccept)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return resp, ""
}

// answerChallenge turns a 401 WWW-Authenticate header into an
// Authorization header value, fetching a bearer token when required.
func (r *Resolver) answerChallenge(ctx context.Context, ref imageRef, challenge string) (string, string) {
	scheme, params := parseChallenge(challenge)
	switch scheme {
	case "bearer":
		realm := params["realm"]
		if realm == "" {
			return "", CodeChallengeParse
		}
		creds, code := loadCredentials(r.authPath, ref.Registry)
		if code != "" {
			return "", code
		}
		token, code := fetchBearerToken(ctx, realm, params["service"], params["scope"], creds)
		if code != "" {
			return "", code
		}
		return "Bearer " + token, ""
	case "basic":
		creds, code := loadCredentials(r.authPath, ref.Registry)
		if code != "" {
			return "", code
		}
		return "Basic " + creds.encode(), ""
	default:
		return "", CodeChallengeParse
	}
}

func classifyNetErr(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeIOError
}
