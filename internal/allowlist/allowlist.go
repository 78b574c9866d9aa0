// Package allowlist turns the outbound domain allowlist into IPv4 prefixes.
// Resolution is best effort: a domain that fails to resolve is logged and
// skipped, and the GitHub meta ranges are optional.
package allowlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

// ExtraEnv lists additional domains, separated by commas or whitespace.
const ExtraEnv = "BERTH_ALLOWLIST_EXTRA"

// DefaultMetaURL publishes the address ranges GitHub serves from.
const DefaultMetaURL = "https://api.github.com/meta"

// Defaults used by New. Together they bound how long Resolve can take; see
// Budget.
const (
	DefaultLookupTimeout = 3 * time.Second
	DefaultMetaTimeout   = 5 * time.Second
	DefaultMetaAttempts  = 3

	metaInitialInterval = 500 * time.Millisecond
	metaMaxInterval     = 5 * time.Second
)

var defaultDomains = []string{
	// model providers
	"api.anthropic.com",
	"statsig.anthropic.com",
	"api.openai.com",
	"auth.openai.com",
	"chatgpt.com",
	// code hosting
	"github.com",
	"api.github.com",
	"codeload.github.com",
	"objects.githubusercontent.com",
	"raw.githubusercontent.com",
	// package registries
	"registry.npmjs.org",
	"pypi.org",
	"files.pythonhosted.org",
	"proxy.golang.org",
	"sum.golang.org",
	"index.crates.io",
	"static.crates.io",
	// error reporting and feature flags
	"sentry.io",
	"statsig.com",
}

// metaKeys are the sections of the meta document merged into the allowlist.
var metaKeys = []string{"web", "api", "git"}

// DefaultDomains returns a copy of the built-in allowlist.
func DefaultDomains() []string {
	return slices.Clone(defaultDomains)
}

// Domains returns the default list followed by extras, normalized and
// deduplicated in first-seen order. Malformed names are dropped.
func Domains(extra ...string) []string {
	return merge(extra, nil)
}

// Merge is Domains, logging every extra it drops with the reason.
func Merge(logger *log.Logger, extra ...string) []string {
	return merge(extra, func(raw, reason string) {
		if logger != nil {
			logger.Printf("event=allowlist.extra status=dropped domain=%q reason=%s", raw, reason)
		}
	})
}

func merge(extra []string, dropped func(raw, reason string)) []string {
	seen := make(map[string]struct{}, len(defaultDomains)+len(extra))
	out := make([]string, 0, len(defaultDomains)+len(extra))
	for _, raw := range append(DefaultDomains(), extra...) {
		d, reason := normalize(raw)
		if d == "" {
			if dropped != nil && strings.TrimSpace(raw) != "" {
				dropped(raw, reason)
			}
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// ParseExtra splits a comma or whitespace separated domain list.
func ParseExtra(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == ';'
	})
}

// normalize returns the canonical host name, or "" and the reason it was
// rejected. Only host names are accepted; addresses, CIDRs and ports are not.
func normalize(domain string) (string, string) {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "*.")
	switch {
	case d == "":
		return "", "empty"
	case strings.Contains(d, "/"):
		return "", "cidr-or-path"
	case strings.Contains(d, ":"):
		return "", "port-or-ipv6"
	case strings.ContainsAny(d, "@ "):
		return "", "invalid-character"
	case len(d) > 253:
		return "", "too-long"
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return "", "invalid-label"
		}
	}
	return d, ""
}

// Lookuper resolves host names. *net.Resolver satisfies it.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Entry records the outcome for one domain. Entries live for a single run.
type Entry struct {
	Domain     string
	Prefixes   []netip.Prefix
	ResolvedAt time.Time
	Err        error
}

// Result is the outcome of Resolve.
type Result struct {
	Entries []Entry
	// Meta holds the prefixes taken from the GitHub meta document.
	Meta    []netip.Prefix
	MetaErr error
	// Prefixes is the deduplicated union of every entry and Meta.
	Prefixes []netip.Prefix
}

// Failed returns the domains that did not resolve.
func (r Result) Failed() []string {
	var out []string
	for _, e := range r.Entries {
		if e.Err != nil {
			out = append(out, e.Domain)
		}
	}
	return out
}

// Resolver resolves allowlisted domains.
type Resolver struct {
	Lookup     Lookuper
	HTTPClient *http.Client
	// FetchGitHubMeta merges the GitHub meta ranges into the result.
	FetchGitHubMeta bool
	MetaURL         string
	// MetaAttempts bounds meta fetch attempts, including the first.
	MetaAttempts uint
	// MetaBackOff overrides the retry schedule. Tests use a zero backoff.
	MetaBackOff backoff.BackOff
	// LookupTimeout bounds each domain lookup. Zero means no bound.
	LookupTimeout time.Duration
	Logger        *log.Logger
	Now           func() time.Time
}

// New returns a resolver backed by the system resolver with meta fetch on.
func New(logger *log.Logger) *Resolver {
	return &Resolver{
		Lookup:          net.DefaultResolver,
		HTTPClient:      &http.Client{Timeout: DefaultMetaTimeout},
		FetchGitHubMeta: true,
		MetaURL:         DefaultMetaURL,
		MetaAttempts:    DefaultMetaAttempts,
		LookupTimeout:   DefaultLookupTimeout,
		Logger:          logger,
	}
}

// Budget is the longest Resolve can take for n domains under the resolver's
// timeouts. An unset LookupTimeout or HTTP client timeout adds nothing, so the
// figure is only an upper bound when both are set.
func (r *Resolver) Budget(n int) time.Duration {
	total := time.Duration(n) * r.LookupTimeout
	if !r.FetchGitHubMeta {
		return total
	}
	attempts := r.MetaAttempts
	if attempts == 0 {
		attempts = 1
	}
	if r.HTTPClient != nil {
		total += time.Duration(attempts) * r.HTTPClient.Timeout
	}
	if r.MetaBackOff == nil {
		// Randomized intervals stay under 1.5x the cap.
		total += time.Duration(attempts-1) * metaMaxInterval * 3 / 2
	}
	return total
}

// Resolve looks up every domain. Lookup failures are recorded on the entry
// and never fail the run; the only error returned is context cancellation.
func (r *Resolver) Resolve(ctx context.Context, domains []string) (Result, error) {
	logger := r.logger()
	now := r.now
	var res Result
	var all []netip.Prefix

	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := Entry{Domain: domain, ResolvedAt: now()}
		addrs, err := r.lookupOne(ctx, domain)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			entry.Err = err
			logger.Printf("event=allowlist.resolve domain=%s status=failed error=%q", domain, err)
			res.Entries = append(res.Entries, entry)
			continue
		}
		for _, addr := range addrs {
			addr = addr.Unmap()
			if !addr.Is4() {
				continue
			}
			entry.Prefixes = append(entry.Prefixes, netip.PrefixFrom(addr, 32))
		}
		if len(entry.Prefixes) == 0 {
			logger.Printf("event=allowlist.resolve domain=%s status=empty", domain)
		} else {
			logger.Printf("event=allowlist.resolve domain=%s status=ok count=%d", domain, len(entry.Prefixes))
		}
		all = append(all, entry.Prefixes...)
		res.Entries = append(res.Entries, entry)
	}

	if r.FetchGitHubMeta {
		meta, err := r.fetchMeta(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.MetaErr = err
			logger.Printf("event=allowlist.meta status=failed error=%q", err)
		} else {
			res.Meta = meta
			all = append(all, meta...)
			logger.Printf("event=allowlist.meta status=ok count=%d", len(meta))
		}
	}

	res.Prefixes = Dedupe(all)
	return res, nil
}

// Dedupe masks, sorts and deduplicates prefixes. Prefixes contained in a
// broader prefix of the set are dropped.
func Dedupe(prefixes []netip.Prefix) []netip.Prefix {
	masked := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if !p.IsValid() {
			continue
		}
		masked = append(masked, p.Masked())
	}
	slices.SortFunc(masked, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	out := masked[:0]
	for _, p := range masked {
		if n := len(out); n > 0 && out[n-1].Bits() <= p.Bits() && out[n-1].Contains(p.Addr()) {
			continue
		}
		out = append(out, p)
	}
	return slices.Clip(out)
}

func (r *Resolver) fetchMeta(ctx context.Context) ([]netip.Prefix, error) {
	url := r.MetaURL
	if url == "" {
		url = DefaultMetaURL
	}
	attempts := r.MetaAttempts
	if attempts == 0 {
		attempts = 1
	}
	bo := r.MetaBackOff
	if bo == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = metaInitialInterval
		exp.MaxInterval = metaMaxInterval
		bo = exp
	}

	return backoff.Retry(ctx, func() ([]netip.Prefix, error) {
		body, err := r.getMeta(ctx, url)
		if err != nil {
			return nil, err
		}
		prefixes, err := ParseMeta(body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return prefixes, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger().Printf("event=allowlist.meta status=retry wait=%s error=%q", wait, err)
		}),
	)
}

func (r *Resolver) getMeta(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "berth-entry")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("github meta: %s", resp.Status)
	default:
		return nil, backoff.Permanent(fmt.Errorf("github meta: %s", resp.Status))
	}
}

// ErrInvalidMeta reports a meta document that is not JSON.
var ErrInvalidMeta = errors.New("invalid github meta document")

// ParseMeta extracts the IPv4 ranges of the web, api and git sections.
// IPv6 ranges and unparsable entries are ignored.
func ParseMeta(body []byte) ([]netip.Prefix, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidMeta
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, ErrInvalidMeta
	}
	var out []netip.Prefix
	for _, key := range metaKeys {
		for _, v := range doc.Get(key).Array() {
			p, err := netip.ParsePrefix(v.String())
			if err != nil || !p.Addr().Is4() {
				continue
			}
			out = append(out, p.Masked())
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no IPv4 ranges", ErrInvalidMeta)
	}
	return Dedupe(out), nil
}

func (r *Resolver) lookupOne(ctx context.Context, domain string) ([]netip.Addr, error) {
	if r.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.LookupTimeout)
		defer cancel()
	}
	return r.lookup().LookupNetIP(ctx, "ip4", domain)
}

func (r *Resolver) lookup() Lookuper {
	if r.Lookup == nil {
		return net.DefaultResolver
	}
	return r.Lookup
}

func (r *Resolver) logger() *log.Logger {
	if r.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return r.Logger
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
